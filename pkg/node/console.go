package node

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/bus"
)

// Console forwards lines of local input to the command bus, unchanged.
type Console struct {
	r      io.Reader
	tx     *bus.Sender
	logger *zap.Logger
}

func NewConsole(r io.Reader, tx *bus.Sender, logger *zap.Logger) *Console {
	return &Console{r: r, tx: tx, logger: logger.Named("console")}
}

// Run reads until end of input. It returns nil at EOF and the read error
// otherwise; either way only the console stops. Lines have no length limit.
// The terminator ("\n" or "\r\n") is not part of the line. A line that
// cannot be sent is logged and skipped. ctx is checked between lines.
func (c *Console) Run(ctx context.Context) error {
	br := bufio.NewReader(c.r)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Error("failed to read input, console stopping", zap.Error(err))
			return err
		}
		eof := err != nil
		if eof && line == "" {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line = trimEOL(line)
		if err := c.tx.Send(line); err != nil {
			if errors.Is(err, bus.ErrClosed) {
				c.logger.Info("command bus closed, console stopping")
				return nil
			}
			c.logger.Warn("failed to send line", zap.Int("bytes", len(line)), zap.Error(err))
		}
		if eof {
			break
		}
	}
	c.logger.Info("end of input, console stopping; node keeps running")
	return nil
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
