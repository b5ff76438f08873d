package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoSubscribers is returned by Send when nobody is listening. The
	// message is not stored.
	ErrNoSubscribers = errors.New("bus: no live subscribers")
	// ErrClosed is returned once the bus is closed and a subscriber has
	// drained everything it was owed.
	ErrClosed = errors.New("bus: closed")
	// ErrEmpty is returned by TryRecv when nothing new is buffered.
	ErrEmpty = errors.New("bus: empty")
)

// LaggedError tells a subscriber it fell behind by N messages. The
// subscriber has already been moved to the oldest message still buffered.
type LaggedError struct {
	N uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: subscriber lagged by %d messages", e.N)
}

// Observer gets told about sends, send failures and drops. telemetry
// implements it; nil means nobody cares.
type Observer interface {
	Sent()
	SendFailed()
	Lagged(n uint64)
}

// Bus is a bounded broadcast channel of command lines. Every subscriber
// sees every message sent after it subscribed, in the same order. Send never
// blocks: when the ring is full the oldest slot is overwritten and slow
// subscribers find out through a LaggedError.
type Bus struct {
	mu     sync.Mutex
	ring   []string
	tail   uint64 // sequence number of the next message
	subs   int
	wake   chan struct{}
	closed bool
	obs    Observer
}

// New returns a bus holding at most capacity unread messages per subscriber.
func New(capacity int, obs Observer) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		ring: make([]string, capacity),
		wake: make(chan struct{}),
		obs:  obs,
	}
}

// Sender returns a send-only handle.
func (b *Bus) Sender() *Sender {
	return &Sender{bus: b}
}

// Subscribe registers a new consumer starting at the next message sent.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs++
	return &Subscriber{bus: b, next: b.tail}
}

// Subscribers reports the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Close wakes every subscriber. Buffered messages are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

func (b *Bus) send(msg string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.subs == 0 {
		b.mu.Unlock()
		if b.obs != nil {
			b.obs.SendFailed()
		}
		return ErrNoSubscribers
	}
	b.ring[b.tail%uint64(len(b.ring))] = msg
	b.tail++
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	if b.obs != nil {
		b.obs.Sent()
	}
	return nil
}

// Sender is the producing end of a Bus. It is safe for concurrent use.
type Sender struct {
	bus *Bus
}

// Send publishes msg to every live subscriber.
func (s *Sender) Send(msg string) error {
	return s.bus.send(msg)
}

// Subscriber is one consuming end of a Bus. A Subscriber must be used from
// a single goroutine.
type Subscriber struct {
	bus    *Bus
	next   uint64
	closed bool
}

// TryRecv returns the next message without waiting. It returns ErrEmpty
// when caught up, a *LaggedError when messages were dropped, and ErrClosed
// when the bus is closed and drained.
func (s *Subscriber) TryRecv() (string, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.recvLocked()
}

func (s *Subscriber) recvLocked() (string, error) {
	b := s.bus
	if s.closed {
		return "", ErrClosed
	}
	if s.next == b.tail {
		if b.closed {
			return "", ErrClosed
		}
		return "", ErrEmpty
	}
	capacity := uint64(len(b.ring))
	if b.tail-s.next > capacity {
		missed := b.tail - capacity - s.next
		s.next = b.tail - capacity
		if b.obs != nil {
			b.obs.Lagged(missed)
		}
		return "", &LaggedError{N: missed}
	}
	msg := b.ring[s.next%capacity]
	s.next++
	return msg, nil
}

// Ready returns a channel that is closed once TryRecv has something to say:
// a message, a lag notice, or closure.
func (s *Subscriber) Ready() <-chan struct{} {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed || s.next != b.tail || b.closed {
		return closedChan
	}
	return b.wake
}

// Recv blocks until a message is available or ctx is done.
func (s *Subscriber) Recv(ctx context.Context) (string, error) {
	for {
		b := s.bus
		b.mu.Lock()
		msg, err := s.recvLocked()
		wake := b.wake
		b.mu.Unlock()
		if err != ErrEmpty {
			return msg, err
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close unregisters the subscriber. Sends with no subscribers left fail
// with ErrNoSubscribers.
func (s *Subscriber) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	b.subs--
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
