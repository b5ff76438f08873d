package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InmemNetwork routes envelopes between InmemTransports in the same process.
// It lets nodes be tested without going over a network.
type InmemNetwork struct {
	sync.RWMutex
	endpoints map[string]*InmemTransport
}

func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{endpoints: make(map[string]*InmemTransport)}
}

// NewTransport attaches a transport for id reachable at addr.
func (n *InmemNetwork) NewTransport(id PeerID, addr string) *InmemTransport {
	t := &InmemTransport{
		net:      n,
		id:       id,
		addr:     addr,
		inbound:  make(chan Envelope, inboundQueueSize),
		contacts: make(chan Contact, inboundQueueSize),
		shutdown: make(chan struct{}),
		timeout:  50 * time.Millisecond,
		linked:   make(map[PeerID]*InmemTransport),
	}
	n.Lock()
	n.endpoints[addr] = t
	n.Unlock()
	return t
}

func (n *InmemNetwork) lookup(addr string) (*InmemTransport, bool) {
	n.RLock()
	defer n.RUnlock()
	t, ok := n.endpoints[addr]
	return t, ok
}

// Disconnect makes addr unreachable without closing its transport.
func (n *InmemNetwork) Disconnect(addr string) {
	n.Lock()
	defer n.Unlock()
	delete(n.endpoints, addr)
}

// InmemTransport implements Transport on top of an InmemNetwork. The first
// Dial or Send to a peer opens a virtual connection, which the peer sees as
// an Up contact; Forget and Close end it with a Down.
type InmemTransport struct {
	net       *InmemNetwork
	id        PeerID
	addr      string
	inbound   chan Envelope
	contacts  chan Contact
	shutdown  chan struct{}
	closeOnce sync.Once
	timeout   time.Duration

	linkLock sync.Mutex
	linked   map[PeerID]*InmemTransport
}

func (i *InmemTransport) LocalID() PeerID { return i.id }

func (i *InmemTransport) Addr() string { return i.addr }

func (i *InmemTransport) Inbound() <-chan Envelope { return i.inbound }

func (i *InmemTransport) Contacts() <-chan Contact { return i.contacts }

// link opens the virtual connection to peer if there is none yet.
// Contacts are sent under linkLock so the peer sees Up and Down in order.
func (i *InmemTransport) link(peer *InmemTransport) {
	i.linkLock.Lock()
	defer i.linkLock.Unlock()
	if _, ok := i.linked[peer.id]; ok {
		return
	}
	i.linked[peer.id] = peer
	peer.contact(Contact{Peer: i.id, Addr: i.addr, Up: true})
}

// unlink ends the virtual connection to id, if any.
func (i *InmemTransport) unlink(id PeerID) {
	i.linkLock.Lock()
	defer i.linkLock.Unlock()
	peer, ok := i.linked[id]
	if !ok {
		return
	}
	delete(i.linked, id)
	peer.contact(Contact{Peer: i.id, Addr: i.addr})
}

func (i *InmemTransport) contact(c Contact) {
	select {
	case i.contacts <- c:
	case <-i.shutdown:
	}
}

// Listen blocks until ctx is done or the transport is closed; delivery needs
// no accept loop.
func (i *InmemTransport) Listen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		i.Close()
	case <-i.shutdown:
	}
	return nil
}

func (i *InmemTransport) Dial(_ context.Context, addr string) (PeerID, error) {
	peer, ok := i.net.lookup(addr)
	if !ok {
		return "", fmt.Errorf("failed to connect to peer: %v", addr)
	}
	i.link(peer)
	return peer.id, nil
}

func (i *InmemTransport) Send(ctx context.Context, id PeerID, addr string, env Envelope) error {
	select {
	case <-i.shutdown:
		return ErrClosed
	default:
	}
	peer, ok := i.net.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if peer.id != id {
		return fmt.Errorf("%w: expected %s, got %s", ErrPeerMismatch, id.Short(), peer.id.Short())
	}

	i.link(peer)
	env.From = i.id
	env.Data = append([]byte(nil), env.Data...)
	select {
	case peer.inbound <- env:
		return nil
	case <-peer.shutdown:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(i.timeout):
		return fmt.Errorf("send to %s timed out", id.Short())
	}
}

func (i *InmemTransport) Forget(peer PeerID) { i.unlink(peer) }

// Close detaches the transport from its network.
func (i *InmemTransport) Close() error {
	i.closeOnce.Do(func() {
		i.linkLock.Lock()
		peers := make([]PeerID, 0, len(i.linked))
		for id := range i.linked {
			peers = append(peers, id)
		}
		i.linkLock.Unlock()
		for _, id := range peers {
			i.unlink(id)
		}
		close(i.shutdown)
		i.net.Lock()
		if i.net.endpoints[i.addr] == i {
			delete(i.net.endpoints, i.addr)
		}
		i.net.Unlock()
	})
	return nil
}
