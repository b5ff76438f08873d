package node

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/discovery"
)

// handleDiscovery keeps the partial view in line with discovery. Joins always
// add. A leave only removes the peer if no discovery source lists it at this
// moment: an expiry that lost a race with a fresher registration is ignored.
func (d *Dispatcher) handleDiscovery(ev discovery.Event) {
	log := d.logger.With(zap.String("peer", ev.Peer.Short()))

	switch ev.Kind {
	case discovery.Joined:
		if d.topic.AddPeer(ev.Peer, ev.Addr) {
			d.members.Add(1)
			log.Info("peer joined partial view", zap.String("addr", ev.Addr))
		}
	case discovery.Left:
		if d.reachable(ev.Peer) {
			log.Debug("peer expired but is still reachable, keeping it")
			return
		}
		if d.topic.RemovePeer(ev.Peer) {
			d.members.Add(-1)
			log.Info("peer left partial view")
		}
	default:
		log.Warn("unknown discovery event", zap.Stringer("kind", ev.Kind))
	}
	telemetry.MembershipPeers.Set(float64(d.members.Load()))
}
