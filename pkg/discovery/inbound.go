package discovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Inbound lists peers that currently hold a connection to us, at the address
// they advertised in their hello. It is what lets a node that was dialed at
// startup publish back to the dialer.
type Inbound struct {
	in <-chan gossip.Contact

	mu   sync.RWMutex
	live map[gossip.PeerID]*inboundPeer

	events chan Event
	logger *zap.Logger
}

type inboundPeer struct {
	addr  string
	conns int
}

func NewInbound(contacts <-chan gossip.Contact, logger *zap.Logger) *Inbound {
	return &Inbound{
		in:     contacts,
		live:   make(map[gossip.PeerID]*inboundPeer),
		events: make(chan Event, eventQueueSize),
		logger: logger.Named("inbound"),
	}
}

func (s *Inbound) Events() <-chan Event { return s.events }

func (s *Inbound) Reachable(id gossip.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[id]
	return ok
}

// Run turns contacts into events until ctx is done or the contact stream
// closes.
func (s *Inbound) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-s.in:
			if !ok {
				return nil
			}
			ev, emit := s.apply(c)
			if !emit {
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// apply updates the live table and reports the event to emit, if any. A peer
// joins on its first connection and leaves when its last one ends.
func (s *Inbound) apply(c gossip.Contact) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.live[c.Peer]
	if c.Up {
		if c.Addr == "" {
			s.logger.Debug("peer connected without an address", zap.String("peer", c.Peer.Short()))
			return Event{}, false
		}
		if p == nil {
			s.live[c.Peer] = &inboundPeer{addr: c.Addr, conns: 1}
			return Event{Kind: Joined, Peer: c.Peer, Addr: c.Addr}, true
		}
		p.conns++
		if p.addr != c.Addr {
			p.addr = c.Addr
			return Event{Kind: Joined, Peer: c.Peer, Addr: c.Addr}, true
		}
		return Event{}, false
	}

	if p == nil {
		return Event{}, false
	}
	if p.conns--; p.conns > 0 {
		return Event{}, false
	}
	delete(s.live, c.Peer)
	return Event{Kind: Left, Peer: c.Peer}, true
}
