package node

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultGossipPort is appended to addresses given without a port.
const DefaultGossipPort = "4001"

// NormalizeHostPort cuts the tcp:// prefix from the input address and adds
// a default port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), defPort)
}

// ParseDialAddr validates the remote address given on the command line.
func ParseDialAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty dial address")
	}
	if strings.Contains(addr, "://") && !strings.HasPrefix(addr, "tcp://") {
		return "", fmt.Errorf("dial address %q: unsupported scheme", addr)
	}
	hp := NormalizeHostPort(addr, DefaultGossipPort)
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return "", fmt.Errorf("dial address %q: %w", addr, err)
	}
	if host == "" || strings.ContainsAny(host, " /") || (strings.Contains(host, ":") && net.ParseIP(host) == nil) {
		return "", fmt.Errorf("dial address %q: bad host", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("dial address %q: bad port %q", addr, port)
	}
	return hp, nil
}
