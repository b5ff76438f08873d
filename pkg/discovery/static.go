package discovery

import (
	"sync"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// Static is a hand-fed source: peers dialed at startup, or peers a test
// wants to appear and disappear. Add and Remove block while the event queue
// is full.
type Static struct {
	mu     sync.RWMutex
	live   map[gossip.PeerID]string
	events chan Event
}

func NewStatic() *Static {
	return &Static{
		live:   make(map[gossip.PeerID]string),
		events: make(chan Event, eventQueueSize),
	}
}

func (s *Static) Events() <-chan Event { return s.events }

func (s *Static) Reachable(id gossip.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[id]
	return ok
}

// Add marks id reachable at addr and emits Joined.
func (s *Static) Add(id gossip.PeerID, addr string) {
	s.mu.Lock()
	s.live[id] = addr
	s.mu.Unlock()
	s.events <- Event{Kind: Joined, Peer: id, Addr: addr}
}

// Remove marks id unreachable and emits Left.
func (s *Static) Remove(id gossip.PeerID) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
	s.events <- Event{Kind: Left, Peer: id}
}
