package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/idgen"
)

// Command verbs.
const (
	VerbSwarm       = "swarm"
	VerbCacheGet    = "cache_get"
	VerbCacheReturn = "cache_return"
	VerbID          = "id"
	VerbRandom      = "random"
)

// Outcome labels for telemetry.
const (
	outcomeOK     = "ok"
	outcomeMiss   = "miss"
	outcomeFailed = "failed"
	outcomeBadArg = "bad_args"
)

// command executes one verb. args are the tokens after the verb.
type command func(ctx context.Context, args []string) (outcome string)

// grammar maps verbs to handlers. Verbs missing here are ignored.
// TODO: there is no cache_set verb yet; the cache is only written from
// configuration at startup.
func (d *Dispatcher) grammar() map[string]command {
	return map[string]command{
		VerbSwarm:    d.swarm,
		VerbCacheGet: d.cacheGet,
		VerbID:       d.id,
		VerbRandom:   d.random,
	}
}

// swarm publishes the rest of the line, tokens rejoined with single spaces.
func (d *Dispatcher) swarm(ctx context.Context, args []string) string {
	payload := strings.Join(args, " ")
	err := d.topic.Publish(ctx, []byte(payload))
	switch {
	case err == nil:
		telemetry.PublishTotal.WithLabelValues("ok").Inc()
		d.logger.Debug("published", zap.Int("bytes", len(payload)))
		return outcomeOK
	case errors.Is(err, gossip.ErrNoPeers):
		telemetry.PublishTotal.WithLabelValues("no_peers").Inc()
	default:
		telemetry.PublishTotal.WithLabelValues("error").Inc()
	}
	d.logger.Warn("publish failed", zap.Error(err))
	return outcomeFailed
}

// cacheGet answers "cache_get requestId key" with "cache_return requestId
// value" on the bus. A miss sends nothing.
func (d *Dispatcher) cacheGet(_ context.Context, args []string) string {
	if len(args) < 2 || args[0] == "" || args[1] == "" {
		d.logger.Warn("cache_get wants a request id and a key", zap.Strings("args", args))
		return outcomeBadArg
	}
	reqID, key := args[0], args[1]

	value, ok := d.cache.Get(key)
	if !ok {
		telemetry.CacheLookups.WithLabelValues("miss").Inc()
		d.logger.Info("cache miss", zap.String("request", reqID), zap.String("key", key))
		return outcomeMiss
	}
	telemetry.CacheLookups.WithLabelValues("hit").Inc()

	reply := strings.Join([]string{VerbCacheReturn, reqID, value}, " ")
	if err := d.tx.Send(reply); err != nil {
		d.logger.Warn("failed to send cache reply", zap.String("request", reqID), zap.Error(err))
		return outcomeFailed
	}
	return outcomeOK
}

// id reports the local PeerID.
func (d *Dispatcher) id(context.Context, []string) string {
	d.logger.Info("local peer id", zap.Stringer("peer", d.self))
	d.report(d.self.String())
	return outcomeOK
}

// random reports a fresh unique identifier.
func (d *Dispatcher) random(context.Context, []string) string {
	v := d.ids.Generate()
	ts, worker, seq := idgen.Decompose(v)
	d.logger.Info("generated id",
		zap.Uint64("id", v),
		zap.Time("ts", ts),
		zap.Int64("worker", worker),
		zap.Int64("seq", seq))
	d.report(fmt.Sprintf("%d", v))
	return outcomeOK
}

func (d *Dispatcher) report(line string) {
	if _, err := fmt.Fprintln(d.out, line); err != nil {
		d.logger.Warn("failed to write report", zap.Error(err))
	}
}
