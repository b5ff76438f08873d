package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/bus"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/idgen"
	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
)

// Deps are the externally built pieces of a Node.
type Deps struct {
	Config    *config.Config
	Identity  *gossip.Identity
	Transport gossip.Transport
	// Etcd is optional.
	Etcd *discovery.Etcd
	// Stdin feeds the console; nil runs headless.
	Stdin  io.Reader
	Stdout io.Writer
	Logger *zap.Logger
}

type Node struct {
	cfg     *config.Config
	ident   *gossip.Identity
	bus     *bus.Bus
	cache   *kv.Store
	tr      gossip.Transport
	topic   *gossip.Topic
	static  *discovery.Static
	inbound *discovery.Inbound
	etcd    *discovery.Etcd
	sources []discovery.Discovery
	disp    *Dispatcher
	console *Console
	logger  *zap.Logger
}

func New(d Deps) (*Node, error) {
	cfg := d.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids, err := idgen.New(cfg.WorkerID)
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		return nil, err
	}

	cache := kv.NewStore(cfg.CacheCapacity)
	for k, v := range seeds {
		if err := cache.Set(k, v); err != nil {
			return nil, fmt.Errorf("cache-seed: %w", err)
		}
	}

	b := bus.New(cfg.BusCapacity, telemetry.BusObserver{})
	topic := gossip.NewTopic(cfg.Topic, d.Transport, d.Logger)
	static := discovery.NewStatic()
	inbound := discovery.NewInbound(d.Transport.Contacts(), d.Logger)
	sources := []discovery.Discovery{static, inbound}
	if d.Etcd != nil {
		sources = append(sources, d.Etcd)
	}

	n := &Node{
		cfg:     cfg,
		ident:   d.Identity,
		bus:     b,
		cache:   cache,
		tr:      d.Transport,
		topic:   topic,
		static:  static,
		inbound: inbound,
		etcd:    d.Etcd,
		sources: sources,
		logger:  d.Logger,
	}
	n.disp = NewDispatcher(DispatcherDeps{
		Bus:       b,
		Topic:     topic,
		Cache:     cache,
		IDs:       ids,
		Self:      d.Identity.ID(),
		Reachable: anyReachable(sources),
		Out:       d.Stdout,
		Logger:    d.Logger,
	})
	if d.Stdin != nil && !cfg.NoConsole {
		n.console = NewConsole(d.Stdin, b.Sender(), d.Logger)
	}
	return n, nil
}

// ID is the local PeerID.
func (n *Node) ID() gossip.PeerID { return n.ident.ID() }

// Sender returns a producer handle for the command bus.
func (n *Node) Sender() *bus.Sender { return n.bus.Sender() }

// Subscribe registers an extra bus consumer, e.g. for diagnostics.
func (n *Node) Subscribe() *bus.Subscriber { return n.bus.Subscribe() }

// AddPeer makes id reachable through the static discovery source.
func (n *Node) AddPeer(id gossip.PeerID, addr string) { n.static.Add(id, addr) }

// RemovePeer withdraws id from the static discovery source.
func (n *Node) RemovePeer(id gossip.PeerID) { n.static.Remove(id) }

// Run starts every part of the node and blocks until ctx is done. Only
// startup failures are returned.
func (n *Node) Run(ctx context.Context) error {
	if n.etcd != nil {
		_, revoke, err := n.etcd.Register(ctx, n.cfg.Advertise(), n.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("register with etcd: %w", err)
		}
		defer revoke()
	}

	g, gctx := errgroup.WithContext(ctx)

	network := MergeNetworkEvents(gctx, n.topic.Events(), n.discoveryStreams()...)

	g.Go(func() error { return n.tr.Listen(gctx) })
	g.Go(func() error { return ignoreCanceled(n.topic.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(n.disp.Run(gctx, network)) })
	g.Go(func() error { return ignoreCanceled(n.inbound.Run(gctx)) })

	if n.etcd != nil {
		g.Go(func() error {
			if err := ignoreCanceled(n.etcd.Run(gctx)); err != nil {
				n.logger.Error("etcd discovery stopped", zap.Error(err))
			}
			return nil
		})
	}

	if n.cfg.AdminAddr != "" {
		srv := &http.Server{Addr: n.cfg.AdminAddr, Handler: n.Routes()}
		g.Go(func() error {
			n.logger.Info("admin listening", zap.String("addr", n.cfg.AdminAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if n.cfg.Dial != "" {
		g.Go(func() error {
			n.dial(gctx, n.cfg.Dial)
			return nil
		})
	}

	if n.console != nil {
		// stdin reads cannot be interrupted, so the console stays out of the group
		go n.console.Run(gctx)
	}

	n.logger.Info("node started",
		zap.Stringer("peer", n.ID()),
		zap.String("topic", n.topic.Name()))

	err := g.Wait()
	n.bus.Close()
	return err
}

// dial connects to addr and, on success, reports the peer through static
// discovery. A failed dial is not fatal.
func (n *Node) dial(ctx context.Context, addr string) {
	id, err := n.tr.Dial(ctx, addr)
	if err != nil {
		n.logger.Warn("failed to dial", zap.String("addr", addr), zap.Error(err))
		return
	}
	n.logger.Info("dialed", zap.String("addr", addr), zap.String("peer", id.Short()))
	n.static.Add(id, addr)
}

func (n *Node) discoveryStreams() []<-chan discovery.Event {
	out := make([]<-chan discovery.Event, 0, len(n.sources))
	for _, s := range n.sources {
		out = append(out, s.Events())
	}
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
