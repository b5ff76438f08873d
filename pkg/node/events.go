package node

import (
	"context"
	"sync"

	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

// NetworkEvent is either a DiscoveryEvent or a GossipEvent.
type NetworkEvent interface {
	networkEvent()
}

// DiscoveryEvent is a topology change. It never goes through the bus.
type DiscoveryEvent struct {
	discovery.Event
}

// GossipEvent is a message another peer published on the topic.
type GossipEvent struct {
	gossip.Received
}

func (DiscoveryEvent) networkEvent() {}
func (GossipEvent) networkEvent()    {}

// MergeNetworkEvents fans the topic stream and every discovery stream into
// one channel. Order within each input is preserved. The result is closed
// once ctx is done or all inputs are closed.
func MergeNetworkEvents(ctx context.Context, topic <-chan gossip.Received, sources ...<-chan discovery.Event) <-chan NetworkEvent {
	out := make(chan NetworkEvent)
	var wg sync.WaitGroup

	forward := func(ev NetworkEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if topic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case r, ok := <-topic:
					if !ok || !forward(GossipEvent{r}) {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan discovery.Event) {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-src:
					if !ok || !forward(DiscoveryEvent{ev}) {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// anyReachable reports a peer reachable if any source lists it.
func anyReachable(sources []discovery.Discovery) func(gossip.PeerID) bool {
	return func(id gossip.PeerID) bool {
		for _, s := range sources {
			if s.Reachable(id) {
				return true
			}
		}
		return false
	}
}
