// Package discovery reports which peers are reachable. Sources emit Joined
// and Left events and keep a live table that can be read at any time; the
// table is updated before the matching event is emitted.
package discovery

import (
	"fmt"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

type Kind uint8

const (
	Joined Kind = iota + 1
	Left
)

func (k Kind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is a reachability change for one peer. Addr is empty for Left.
type Event struct {
	Kind Kind
	Peer gossip.PeerID
	Addr string
}

// Discovery is a source of peer reachability.
type Discovery interface {
	// Events yields join and leave notifications.
	Events() <-chan Event
	// Reachable reads the live table at this instant.
	Reachable(id gossip.PeerID) bool
}

const eventQueueSize = 64
