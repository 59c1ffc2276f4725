package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/monitor"
	"github.com/cuemby/drover/pkg/types"
)

// countingSource serves steady counters until a configured number of
// samples has been taken, then serves degraded ones. Sample order is
// deterministic because snapshots read nodes sequentially.
type countingSource struct {
	mu           sync.Mutex
	calls        int
	degradeAfter int // 0 means never
	failAll      bool
}

func (s *countingSource) Sample(_ context.Context, nodeID string) (types.HealthCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll {
		return types.HealthCounters{}, errdefs.Newf(errdefs.KindNotFound, "node %s unreachable", nodeID)
	}

	s.calls++
	if s.degradeAfter > 0 && s.calls > s.degradeAfter {
		// Latency at 2.3x baseline, past the 2.0 factor.
		return types.HealthCounters{CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 230, ErrorRate: 0.01}, nil
	}
	return types.HealthCounters{CPUPercent: 50, MemoryPercent: 50, LatencyMillis: 100, ErrorRate: 0.01}, nil
}

func canaryOpts(source monitor.Source) Options {
	opts := testOpts()
	// A nanosecond TTL keeps every snapshot fresh.
	opts.Metrics = monitor.NewProvider(source, time.Nanosecond)
	return opts
}

func TestCanaryDeploySucceeds(t *testing.T) {
	c, _ := testCluster(types.EnvProduction, 20)
	s := NewCanary(canaryOpts(&countingSource{}))

	result, err := s.Deploy(context.Background(), refV1, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutSucceeded, result.Status)
	assert.Len(t, result.Outcomes, 20)
	assertAllAt(t, c, refV1)
}

func TestCanaryRollsBackOnDegradedWave(t *testing.T) {
	c, _ := testCluster(types.EnvProduction, 20)
	ctx := context.Background()

	// Seed the prior version so the canary has something to revert to.
	_, err := NewDirect(testOpts()).Deploy(ctx, refV1, c)
	require.NoError(t, err)

	// Baseline samples 20 nodes; the wave 1 and wave 2 checkpoints
	// sample 2 and 6 updated nodes. Degrading after 28 samples makes
	// the wave 3 checkpoint the first to observe elevated latency.
	source := &countingSource{degradeAfter: 28}
	s := NewCanary(canaryOpts(source))

	result, err := s.Deploy(ctx, refV2, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutRolledBack, result.Status)
	assert.Empty(t, result.InconsistentNodes)

	// All 10 updated nodes reverted, and the remaining 10 never moved.
	assertAllAt(t, c, refV1)

	rollbacks := 0
	for _, o := range result.Outcomes {
		if o.Action == types.NodeActionRollback {
			rollbacks++
			assert.True(t, o.Succeeded)
		}
	}
	assert.Equal(t, 10, rollbacks)
}

func TestCanaryEmptySnapshotIsDegraded(t *testing.T) {
	c, _ := testCluster(types.EnvProduction, 4)
	s := NewCanary(canaryOpts(&countingSource{failAll: true}))

	result, err := s.Deploy(context.Background(), refV1, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutRolledBack, result.Status)
}

func TestCanaryTinyClusterCoalescesWaves(t *testing.T) {
	c, _ := testCluster(types.EnvProduction, 2)
	s := NewCanary(canaryOpts(&countingSource{}))

	result, err := s.Deploy(context.Background(), refV1, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutSucceeded, result.Status)
	assertAllAt(t, c, refV1)

	// Every wave moved at least one node and none was applied twice.
	applies := 0
	for _, o := range result.Outcomes {
		if o.Action == types.NodeActionApply {
			applies++
		}
	}
	assert.Equal(t, 2, applies)
}

func TestCanaryCancelledBeforeFirstWave(t *testing.T) {
	c, _ := testCluster(types.EnvProduction, 4)
	s := NewCanary(canaryOpts(&countingSource{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Deploy(ctx, refV1, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutRolledBack, result.Status)
	for _, n := range c.Nodes() {
		assert.Nil(t, n.CurrentArtifact())
	}
}

func TestCanaryApplyFailureFails(t *testing.T) {
	c, applier := testCluster(types.EnvProduction, 4)
	ctx := context.Background()

	_, err := NewDirect(testOpts()).Deploy(ctx, refV1, c)
	require.NoError(t, err)

	applier.FailNode(c.Nodes()[0].ID(), "disk full")

	s := NewCanary(canaryOpts(&countingSource{}))
	result, err := s.Deploy(ctx, refV2, c)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutFailed, result.Status)
	assertAllAt(t, c, refV1)
}
