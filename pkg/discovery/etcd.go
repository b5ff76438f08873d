package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// DefaultPrefix is where peers register themselves.
const DefaultPrefix = "/zephyrmesh/peers/"

// NewClient connects to an etcd cluster.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// etcdAPI is the part of *clientv3.Client the watcher needs.
type etcdAPI interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// Etcd discovers peers registered under a key prefix. Each peer owns the key
// prefix+PeerID, holding its advertise address and bound to a lease; an
// expired lease shows up as a Left event.
type Etcd struct {
	api    etcdAPI
	cli    *clientv3.Client
	prefix string
	self   gossip.PeerID

	mu   sync.RWMutex
	live map[gossip.PeerID]string

	events chan Event
	logger *zap.Logger
}

func NewEtcd(cli *clientv3.Client, prefix string, self gossip.PeerID, logger *zap.Logger) *Etcd {
	e := newEtcd(cli, prefix, self, logger)
	e.cli = cli
	return e
}

func newEtcd(api etcdAPI, prefix string, self gossip.PeerID, logger *zap.Logger) *Etcd {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{
		api:    api,
		prefix: prefix,
		self:   self,
		live:   make(map[gossip.PeerID]string),
		events: make(chan Event, eventQueueSize),
		logger: logger.Named("etcd"),
	}
}

func (e *Etcd) Events() <-chan Event { return e.events }

func (e *Etcd) Reachable(id gossip.PeerID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.live[id]
	return ok
}

// peers returns a copy of the live table.
func (e *Etcd) peers() map[gossip.PeerID]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[gossip.PeerID]string, len(e.live))
	for id, addr := range e.live {
		out[id] = addr
	}
	return out
}

// Register publishes this node's address under a lease of ttl seconds and
// keeps the lease alive until ctx is done. The returned func revokes it.
func (e *Etcd) Register(ctx context.Context, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	if e.cli == nil {
		return 0, nil, fmt.Errorf("register: no etcd client")
	}
	lease, err := e.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.prefix+string(e.self), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", e.self.Short(), err)
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ka, err := e.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		e.logger.Debug("lease keepalive stopped", zap.Int64("lease", int64(lease.ID)))
	}()

	revoke := func() {
		cancel()
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		if _, err := e.cli.Revoke(rctx, lease.ID); err != nil {
			e.logger.Warn("failed to revoke lease", zap.Error(err))
		}
	}
	return lease.ID, revoke, nil
}

// Run loads the current registrations, then follows changes until ctx is
// done or the watch fails.
func (e *Etcd) Run(ctx context.Context) error {
	resp, err := e.api.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	for _, kv := range resp.Kvs {
		if err := e.apply(ctx, mvccpb.PUT, kv); err != nil {
			return err
		}
	}

	rev := int64(0)
	if resp.Header != nil {
		rev = resp.Header.Revision
	}
	wch := e.api.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch peers: %w", err)
		}
		for _, ev := range wresp.Events {
			if err := e.apply(ctx, ev.Type, ev.Kv); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// apply updates the live table, then emits the event.
func (e *Etcd) apply(ctx context.Context, typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) error {
	if kv == nil {
		return nil
	}
	id := gossip.PeerID(strings.TrimPrefix(string(kv.Key), e.prefix))
	if id == "" || id == e.self {
		return nil
	}

	var ev Event
	e.mu.Lock()
	switch typ {
	case mvccpb.PUT:
		addr := string(kv.Value)
		e.live[id] = addr
		ev = Event{Kind: Joined, Peer: id, Addr: addr}
	case mvccpb.DELETE:
		delete(e.live, id)
		ev = Event{Kind: Left, Peer: id}
	default:
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.logger.Debug("peer registry changed", zap.Stringer("kind", ev.Kind), zap.String("peer", id.Short()), zap.String("addr", ev.Addr))
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
