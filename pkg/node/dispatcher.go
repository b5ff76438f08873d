package node

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/bus"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/idgen"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
)

// ErrMalformed is returned by Dispatch for an empty line or an empty verb.
var ErrMalformed = errors.New("malformed command")

// Topic is what the dispatcher needs from the gossip topic.
type Topic interface {
	Publish(ctx context.Context, data []byte) error
	AddPeer(id gossip.PeerID, addr string) bool
	RemovePeer(id gossip.PeerID) bool
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Bus       *bus.Bus
	Topic     Topic
	Cache     *kv.Store
	IDs       *idgen.Generator
	Self      gossip.PeerID
	Reachable func(gossip.PeerID) bool
	// Out receives the reports of id and random.
	Out    io.Writer
	Logger *zap.Logger
}

// Dispatcher is the single consumer of the command bus. It owns the cache
// and the topic's partial view: both are only touched from Run.
type Dispatcher struct {
	sub       *bus.Subscriber
	tx        *bus.Sender
	topic     Topic
	cache     *kv.Store
	ids       *idgen.Generator
	self      gossip.PeerID
	reachable func(gossip.PeerID) bool
	out       io.Writer
	commands  map[string]command
	members   atomic.Int64
	logger    *zap.Logger
}

// NewDispatcher subscribes to the bus right away, so commands sent after
// this returns are not lost even if Run has not started yet.
func NewDispatcher(d DispatcherDeps) *Dispatcher {
	reachable := d.Reachable
	if reachable == nil {
		reachable = func(gossip.PeerID) bool { return false }
	}
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	disp := &Dispatcher{
		sub:       d.Bus.Subscribe(),
		tx:        d.Bus.Sender(),
		topic:     d.Topic,
		cache:     d.Cache,
		ids:       d.IDs,
		self:      d.Self,
		reachable: reachable,
		out:       out,
		logger:    d.Logger.Named("dispatcher"),
	}
	disp.commands = disp.grammar()
	return disp
}

// Run handles bus messages and network events one at a time until ctx is
// done or the bus is closed. A nil or closed network channel leaves only the
// bus.
func (d *Dispatcher) Run(ctx context.Context, network <-chan NetworkEvent) error {
	defer d.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.sub.Ready():
			msg, err := d.sub.TryRecv()
			var lag *bus.LaggedError
			switch {
			case err == nil:
				_ = d.Dispatch(ctx, msg)
			case errors.As(err, &lag):
				d.logger.Warn("command bus lagged", zap.Uint64("dropped", lag.N))
			case errors.Is(err, bus.ErrClosed):
				d.logger.Info("command bus closed")
				return nil
			}

		case ev, ok := <-network:
			if !ok {
				network = nil
				continue
			}
			d.handleNetwork(ev)
		}
	}
}

// Dispatch interprets one command line. Malformed lines are logged and
// reported with ErrMalformed; every other outcome, including unknown verbs
// and failed publishes, is absorbed and returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) error {
	tokens := strings.Split(line, " ")
	verb := tokens[0]
	if verb == "" {
		d.logger.Warn("malformed command", zap.String("line", line))
		telemetry.CommandsTotal.WithLabelValues("", "malformed").Inc()
		return ErrMalformed
	}

	cmd, ok := d.commands[verb]
	if !ok {
		d.logger.Debug("ignoring unknown verb", zap.String("verb", verb))
		telemetry.CommandsTotal.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}
	outcome := cmd(ctx, tokens[1:])
	telemetry.CommandsTotal.WithLabelValues(verb, outcome).Inc()
	return nil
}

func (d *Dispatcher) handleNetwork(ev NetworkEvent) {
	switch ev := ev.(type) {
	case DiscoveryEvent:
		telemetry.NetworkEvents.WithLabelValues("discovery_" + ev.Kind.String()).Inc()
		d.handleDiscovery(ev.Event)
	case GossipEvent:
		telemetry.NetworkEvents.WithLabelValues("gossip").Inc()
		d.handleGossip(ev.Received)
	default:
		d.logger.Error("unknown network event", zap.Any("event", ev))
	}
}

// handleGossip feeds a message from the topic into the bus as a command.
func (d *Dispatcher) handleGossip(r gossip.Received) {
	d.logger.Info("received from topic",
		zap.String("source", r.Source.Short()),
		zap.ByteString("data", r.Data))
	if err := d.tx.Send(string(r.Data)); err != nil {
		d.logger.Warn("failed to forward topic message to bus", zap.Error(err))
	}
}

// MemberCount is the size of the partial view as last seen by Run. It is
// safe to call from any goroutine.
func (d *Dispatcher) MemberCount() int {
	return int(d.members.Load())
}
