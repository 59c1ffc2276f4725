package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

// DefaultCacheTTL bounds the load snapshots place on nodes.
const DefaultCacheTTL = 10 * time.Second

// Source reads one node's current health counters.
type Source interface {
	Sample(ctx context.Context, nodeID string) (types.HealthCounters, error)
}

// RegistrySource samples counters from the cluster registry's nodes.
type RegistrySource struct {
	Registry cluster.Registry
}

// Sample implements Source.
func (s *RegistrySource) Sample(_ context.Context, nodeID string) (types.HealthCounters, error) {
	for _, c := range s.Registry.Clusters() {
		if n, ok := c.Node(nodeID); ok {
			return n.Snapshot().Counters, nil
		}
	}
	return types.HealthCounters{}, errdefs.Newf(errdefs.KindNotFound, "node %s not found in any cluster", nodeID)
}

// Snapshot is a point-in-time read of a set of nodes' counters.
type Snapshot struct {
	TakenAt time.Time
	Samples map[string]types.HealthCounters
}

// Mean averages the samples. The second return is false for an empty
// snapshot.
func (s *Snapshot) Mean() (types.HealthCounters, bool) {
	if s == nil || len(s.Samples) == 0 {
		return types.HealthCounters{}, false
	}
	var sum types.HealthCounters
	for _, c := range s.Samples {
		sum.CPUPercent += c.CPUPercent
		sum.MemoryPercent += c.MemoryPercent
		sum.LatencyMillis += c.LatencyMillis
		sum.ErrorRate += c.ErrorRate
	}
	n := float64(len(s.Samples))
	return types.HealthCounters{
		CPUPercent:    sum.CPUPercent / n,
		MemoryPercent: sum.MemoryPercent / n,
		LatencyMillis: sum.LatencyMillis / n,
		ErrorRate:     sum.ErrorRate / n,
	}, true
}

type cachedSample struct {
	counters types.HealthCounters
	takenAt  time.Time
}

// Provider produces node metrics snapshots with a short per-node cache,
// and baseline snapshots that bypass the cache.
type Provider struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSample
}

// NewProvider creates a provider over the source. A non-positive ttl uses
// DefaultCacheTTL.
func NewProvider(source Source, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedSample),
	}
}

// WithClock overrides the provider's clock. Used by tests.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Snapshot reads the counters for the given nodes, serving cached samples
// younger than the TTL. Nodes that cannot be sampled are omitted from the
// result; callers treat missing samples conservatively.
func (p *Provider) Snapshot(ctx context.Context, nodeIDs []string) *Snapshot {
	return p.snapshot(ctx, nodeIDs, true)
}

// Baseline reads fresh counters for the given nodes, bypassing the cache.
// Captured immediately before an operation begins so later snapshots can
// be compared against it.
func (p *Provider) Baseline(ctx context.Context, nodeIDs []string) *Snapshot {
	return p.snapshot(ctx, nodeIDs, false)
}

func (p *Provider) snapshot(ctx context.Context, nodeIDs []string, useCache bool) *Snapshot {
	logger := log.WithComponent("monitor")
	now := p.now()
	snap := &Snapshot{TakenAt: now, Samples: make(map[string]types.HealthCounters, len(nodeIDs))}

	for _, id := range nodeIDs {
		if useCache {
			p.mu.Lock()
			c, ok := p.cache[id]
			p.mu.Unlock()
			if ok && now.Sub(c.takenAt) < p.ttl {
				snap.Samples[id] = c.counters
				continue
			}
		}

		counters, err := p.source.Sample(ctx, id)
		if err != nil {
			logger.Debug().Str("node_id", id).Err(err).Msg("sample failed, omitting node from snapshot")
			continue
		}
		snap.Samples[id] = counters

		p.mu.Lock()
		p.cache[id] = cachedSample{counters: counters, takenAt: now}
		p.mu.Unlock()
	}
	return snap
}

// Degraded is the pure comparison used by the canary strategy: the current
// snapshot is degraded relative to the baseline when any counter's mean
// exceeds the baseline mean scaled by the policy factor. An empty current
// snapshot is conservatively degraded; so is an empty baseline, since no
// conclusion can be drawn from it.
func Degraded(current, baseline *Snapshot, policy types.DegradationPolicy) bool {
	cur, ok := current.Mean()
	if !ok {
		return true
	}
	base, ok := baseline.Mean()
	if !ok {
		return true
	}
	return cur.ErrorRate > base.ErrorRate*policy.ErrorRateFactor ||
		cur.LatencyMillis > base.LatencyMillis*policy.LatencyFactor ||
		cur.CPUPercent > base.CPUPercent*policy.CPUFactor ||
		cur.MemoryPercent > base.MemoryPercent*policy.MemoryFactor
}
