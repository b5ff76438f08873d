package gossip

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNoPeers is returned by Publish when the partial view is empty.
var ErrNoPeers = errors.New("gossip: no peers in partial view")

const eventQueueSize = 64

// Topic is the single subscribed topic of a node. Publish, AddPeer,
// RemovePeer and Peers share the partial view and must be called from one
// goroutine; Run may run in another.
type Topic struct {
	name   string
	tr     Transport
	view   *MembershipView
	seq    uint64
	events chan Received
	logger *zap.Logger
}

func NewTopic(name string, tr Transport, logger *zap.Logger) *Topic {
	return &Topic{
		name:   name,
		tr:     tr,
		view:   NewMembershipView(),
		events: make(chan Received, eventQueueSize),
		logger: logger.Named("topic").With(zap.String("topic", name)),
	}
}

func (t *Topic) Name() string { return t.name }

// Events yields messages other peers published on this topic.
func (t *Topic) Events() <-chan Received { return t.events }

// Run moves envelopes from the transport to Events until ctx is done.
func (t *Topic) Run(ctx context.Context) error {
	self := t.tr.LocalID()
	in := t.tr.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-in:
			if env.Topic != t.name {
				t.logger.Debug("dropping envelope for other topic",
					zap.String("other", env.Topic), zap.String("from", env.From.Short()))
				continue
			}
			if env.From == self {
				continue
			}
			rcv := Received{Source: env.From, Data: env.Data}
			select {
			case t.events <- rcv:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Publish sends data to every member of the partial view. Failures for
// individual peers are joined into the returned error; peers that did get
// the message are not retried.
func (t *Topic) Publish(ctx context.Context, data []byte) error {
	if t.view.Len() == 0 {
		return ErrNoPeers
	}
	t.seq++
	env := Envelope{Topic: t.name, From: t.tr.LocalID(), Seq: t.seq, Data: data}

	var errs []error
	for _, m := range t.view.All() {
		if err := t.tr.Send(ctx, m.ID, m.Addr, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.ID.Short(), err))
		}
	}
	return errors.Join(errs...)
}

// AddPeer puts id into the partial view and reports whether it is new. A
// known peer gets its address refreshed; a changed address drops the
// cached connection.
func (t *Topic) AddPeer(id PeerID, addr string) bool {
	if id == t.tr.LocalID() {
		return false
	}
	old, known := t.view.Get(id)
	if known && old.Addr != addr {
		t.tr.Forget(id)
	}
	t.view.Add(id, addr)
	return !known
}

// RemovePeer takes id out of the partial view.
func (t *Topic) RemovePeer(id PeerID) bool {
	if !t.view.Remove(id) {
		return false
	}
	t.tr.Forget(id)
	return true
}

func (t *Topic) hasPeer(id PeerID) bool { return t.view.Contains(id) }

// peers returns a copy of the partial view.
func (t *Topic) peers() []Member { return t.view.All() }
