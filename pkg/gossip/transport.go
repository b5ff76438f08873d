package gossip

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("gossip: transport closed")
	ErrUnknownPeer  = errors.New("gossip: no route to peer")
	ErrPeerMismatch = errors.New("gossip: peer answered with a different id")
)

// Transport moves envelopes between peers. Implementations must allow Send,
// Dial and Close to be called from different goroutines.
type Transport interface {
	// LocalID is the id announced in handshakes.
	LocalID() PeerID

	// Listen accepts inbound connections until ctx is done or the transport
	// is closed.
	Listen(ctx context.Context) error

	// Dial connects to addr and returns the id the remote side announced.
	Dial(ctx context.Context, addr string) (PeerID, error)

	// Send delivers env to peer, dialing addr if there is no live
	// connection yet.
	Send(ctx context.Context, peer PeerID, addr string, env Envelope) error

	// Inbound yields envelopes received from any peer.
	Inbound() <-chan Envelope

	// Contacts reports peers that connected to us and later went away.
	// Every Up is followed by a matching Down unless the transport closes
	// first.
	Contacts() <-chan Contact

	// Forget drops any cached connection to peer.
	Forget(peer PeerID)

	Close() error
}
