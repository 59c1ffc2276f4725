package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

type fakeSource struct {
	mu       sync.Mutex
	counters map[string]types.HealthCounters
	calls    int
}

func (f *fakeSource) Sample(_ context.Context, nodeID string) (types.HealthCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c, ok := f.counters[nodeID]
	if !ok {
		return types.HealthCounters{}, errdefs.Newf(errdefs.KindNotFound, "node %s not found", nodeID)
	}
	return c, nil
}

func TestSnapshotCachesWithinTTL(t *testing.T) {
	src := &fakeSource{counters: map[string]types.HealthCounters{
		"n1": {CPUPercent: 10},
	}}

	now := time.Now()
	p := NewProvider(src, 10*time.Second).WithClock(func() time.Time { return now })

	first := p.Snapshot(context.Background(), []string{"n1"})
	require.Len(t, first.Samples, 1)
	assert.Equal(t, 1, src.calls)

	// Second snapshot within the TTL serves from cache.
	p.Snapshot(context.Background(), []string{"n1"})
	assert.Equal(t, 1, src.calls)

	// Past the TTL the source is consulted again.
	now = now.Add(11 * time.Second)
	p.Snapshot(context.Background(), []string{"n1"})
	assert.Equal(t, 2, src.calls)
}

func TestBaselineBypassesCache(t *testing.T) {
	src := &fakeSource{counters: map[string]types.HealthCounters{
		"n1": {CPUPercent: 10},
	}}
	p := NewProvider(src, 10*time.Second)

	p.Snapshot(context.Background(), []string{"n1"})
	p.Baseline(context.Background(), []string{"n1"})
	assert.Equal(t, 2, src.calls)
}

func TestSnapshotOmitsFailedNodes(t *testing.T) {
	src := &fakeSource{counters: map[string]types.HealthCounters{
		"n1": {CPUPercent: 10},
	}}
	p := NewProvider(src, time.Second)

	snap := p.Snapshot(context.Background(), []string{"n1", "missing"})
	assert.Len(t, snap.Samples, 1)
	_, ok := snap.Samples["n1"]
	assert.True(t, ok)
}

func TestSnapshotMean(t *testing.T) {
	snap := &Snapshot{Samples: map[string]types.HealthCounters{
		"n1": {CPUPercent: 10, LatencyMillis: 100, ErrorRate: 0.02},
		"n2": {CPUPercent: 30, LatencyMillis: 300, ErrorRate: 0.04},
	}}

	mean, ok := snap.Mean()
	require.True(t, ok)
	assert.InDelta(t, 20.0, mean.CPUPercent, 0.001)
	assert.InDelta(t, 200.0, mean.LatencyMillis, 0.001)
	assert.InDelta(t, 0.03, mean.ErrorRate, 0.0001)

	empty := &Snapshot{Samples: map[string]types.HealthCounters{}}
	_, ok = empty.Mean()
	assert.False(t, ok)
}

func TestDegraded(t *testing.T) {
	policy := types.DefaultDegradationPolicy()
	baseline := &Snapshot{Samples: map[string]types.HealthCounters{
		"n1": {CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.01},
	}}

	tests := []struct {
		name    string
		current types.HealthCounters
		want    bool
	}{
		{
			name:    "steady state",
			current: types.HealthCounters{CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.01},
			want:    false,
		},
		{
			name:    "latency above 2x baseline",
			current: types.HealthCounters{CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 230, ErrorRate: 0.01},
			want:    true,
		},
		{
			name:    "error rate above 1.5x baseline",
			current: types.HealthCounters{CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.02},
			want:    true,
		},
		{
			name:    "cpu above 1.3x baseline",
			current: types.HealthCounters{CPUPercent: 70, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.01},
			want:    true,
		},
		{
			name:    "just under every ceiling",
			current: types.HealthCounters{CPUPercent: 64, MemoryPercent: 64, LatencyMillis: 199, ErrorRate: 0.014},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := &Snapshot{Samples: map[string]types.HealthCounters{"n1": tt.current}}
			assert.Equal(t, tt.want, Degraded(current, baseline, policy))
		})
	}
}

func TestDegradedEmptySamples(t *testing.T) {
	policy := types.DefaultDegradationPolicy()
	populated := &Snapshot{Samples: map[string]types.HealthCounters{"n1": {CPUPercent: 10}}}
	empty := &Snapshot{Samples: map[string]types.HealthCounters{}}

	// An empty current sample set is conservatively degraded.
	assert.True(t, Degraded(empty, populated, policy))
	assert.True(t, Degraded(populated, empty, policy))
	assert.True(t, Degraded(nil, populated, policy))
}
