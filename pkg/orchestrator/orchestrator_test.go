package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/approval"
	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/monitor"
	"github.com/cuemby/drover/pkg/notify"
	"github.com/cuemby/drover/pkg/pipeline"
	"github.com/cuemby/drover/pkg/signature"
	"github.com/cuemby/drover/pkg/signature/signaturetest"
	"github.com/cuemby/drover/pkg/strategy"
	"github.com/cuemby/drover/pkg/tracker"
	"github.com/cuemby/drover/pkg/types"
)

type fixture struct {
	cfg      *config.Config
	signer   *signaturetest.Signer
	applier  *cluster.SimulatedApplier
	registry *cluster.MemoryRegistry
	tracker  *tracker.Tracker
	orch     *Orchestrator
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StageTimeout = 5 * time.Second
	cfg.NodeApplyDuration = 0
	cfg.Rolling.BatchHealthTimeout = 200 * time.Millisecond
	cfg.BlueGreen.SmokeDuration = 5 * time.Millisecond
	cfg.Canary.SoakDuration = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	signer, err := signaturetest.NewSigner("release-signer")
	require.NoError(t, err)

	applier := cluster.NewSimulatedApplier(cfg.NodeApplyDuration)
	registry := cluster.NewMemoryRegistry(applier)
	locks := lock.NewLocalManager()
	gate := approval.NewGate(approval.NewMemoryStore(), locks, notify.LogNotifier{})
	tr := tracker.New(locks, cfg.Tracker.ResultTTL, cfg.Tracker.InProgressTTL)
	provider := monitor.NewProvider(&monitor.RegistrySource{Registry: registry}, time.Nanosecond)

	opts := strategy.Options{
		PerNodeConcurrency: cfg.PerNodeConcurrency,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		Thresholds:         cfg.NodeHealth,
		HealthPollInterval: time.Millisecond,
		BatchSize:          cfg.Rolling.BatchSize,
		BatchHealthTimeout: cfg.Rolling.BatchHealthTimeout,
		SmokeDuration:      cfg.BlueGreen.SmokeDuration,
		Waves:              cfg.Canary.Waves,
		SoakDuration:       cfg.Canary.SoakDuration,
		Degradation:        cfg.Canary.Degradation,
		Metrics:            provider,
	}
	factory := func(kind types.StrategyKind) (strategy.Strategy, error) {
		return strategy.ForKind(kind, opts)
	}

	pipe := pipeline.New(cfg, signature.NewVerifier(signer.Roots), gate, tr, registry, pipeline.NopTestRunner, factory)
	orch := New(cfg, tr, pipe, registry, factory, locks)

	return &fixture{
		cfg:      cfg,
		signer:   signer,
		applier:  applier,
		registry: registry,
		tracker:  tr,
		orch:     orch,
	}
}

func (f *fixture) artifact(t *testing.T, version string) *types.Artifact {
	t.Helper()
	content := []byte("module binary bytes " + version)
	sig, err := f.signer.Sign(content)
	require.NoError(t, err)
	return &types.Artifact{
		Name:      "payments-api",
		Version:   version,
		Content:   content,
		Signature: sig,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fixture) submit(t *testing.T, env types.Environment, version string) string {
	t.Helper()
	id, err := f.orch.Submit(context.Background(), SubmitRequest{
		Artifact:    f.artifact(t, version),
		Environment: env,
		Requester:   "alice@example.com",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) awaitTerminal(t *testing.T, id string) *types.PipelineExecution {
	t.Helper()
	var exec *types.PipelineExecution
	require.Eventually(t, func() bool {
		got, err := f.orch.Get(id)
		if err != nil {
			return false
		}
		exec = got
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return exec
}

func TestSubmitRunsToSuccess(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.registry.Register(types.EnvDevelopment, "node")
	}
	f.orch.Start()
	defer f.orch.Stop()

	id := f.submit(t, types.EnvDevelopment, "1.0.0")
	exec := f.awaitTerminal(t, id)

	assert.Equal(t, types.ExecutionSucceeded, exec.Status)
	assert.False(t, f.tracker.InProgress(id))
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		Artifact:    f.artifact(t, "1.0.0"),
		Environment: "mars",
		Requester:   "alice@example.com",
	})
	assert.True(t, errdefs.IsValidation(err))

	_, err = f.orch.Submit(context.Background(), SubmitRequest{
		Artifact:    f.artifact(t, "1.0.0"),
		Environment: types.EnvDevelopment,
		Requester:   "not-an-email",
	})
	assert.True(t, errdefs.IsValidation(err))
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Orchestrator.QueueDepth = 2
	})
	f.registry.Register(types.EnvDevelopment, "node")

	// No workers running, so submissions stay queued.
	first := f.submit(t, types.EnvDevelopment, "1.0.0")
	second := f.submit(t, types.EnvDevelopment, "1.0.1")

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		Artifact:    f.artifact(t, "1.0.2"),
		Environment: types.EnvDevelopment,
		Requester:   "alice@example.com",
	})
	assert.True(t, errdefs.IsBackpressure(err))
	assert.True(t, errdefs.Retryable(err))

	// Accepted submissions remain visible; the rejected one left no trace.
	assert.True(t, f.tracker.InProgress(first))
	assert.True(t, f.tracker.InProgress(second))
	assert.Len(t, f.tracker.List(), 2)
}

func TestRollbackCancelsRunningExecution(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.registry.Register(types.EnvDevelopment, "node")
	}
	f.orch.Start()
	defer f.orch.Stop()

	// Seed the prior version, then slow down node applies so the next
	// rollout is still in flight when the rollback arrives.
	seed := f.submit(t, types.EnvDevelopment, "1.0.0")
	require.Equal(t, types.ExecutionSucceeded, f.awaitTerminal(t, seed).Status)
	f.applier.ApplyDuration = 30 * time.Millisecond

	id := f.submit(t, types.EnvDevelopment, "2.0.0")
	require.Eventually(t, func() bool {
		exec, err := f.orch.Get(id)
		return err == nil && exec.Status == types.ExecutionRunning
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.orch.Rollback(context.Background(), id))

	exec := f.awaitTerminal(t, id)
	assert.Equal(t, types.ExecutionRolledBack, exec.Status)
	assert.False(t, f.tracker.InProgress(id))

	// No node kept the cancelled version.
	c, err := f.registry.Cluster(types.EnvDevelopment)
	require.NoError(t, err)
	for _, n := range c.Nodes() {
		current := n.CurrentArtifact()
		require.NotNil(t, current)
		assert.Equal(t, "1.0.0", current.Version)
	}
}

func TestAdminRollbackOfSucceededExecution(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		f.registry.Register(types.EnvDevelopment, "node")
	}
	f.orch.Start()
	defer f.orch.Stop()

	seed := f.submit(t, types.EnvDevelopment, "1.0.0")
	require.Equal(t, types.ExecutionSucceeded, f.awaitTerminal(t, seed).Status)

	id := f.submit(t, types.EnvDevelopment, "2.0.0")
	require.Equal(t, types.ExecutionSucceeded, f.awaitTerminal(t, id).Status)

	require.NoError(t, f.orch.Rollback(context.Background(), id))

	exec, err := f.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRolledBack, exec.Status)

	c, err := f.registry.Cluster(types.EnvDevelopment)
	require.NoError(t, err)
	for _, n := range c.Nodes() {
		current := n.CurrentArtifact()
		require.NotNil(t, current)
		assert.Equal(t, "1.0.0", current.Version)
	}

	// A second rollback of the same execution conflicts.
	err = f.orch.Rollback(context.Background(), id)
	assert.True(t, errdefs.IsConflict(err))
}

func TestRollbackUnknownExecution(t *testing.T) {
	f := newFixture(t, nil)
	err := f.orch.Rollback(context.Background(), "no-such-id")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(types.EnvDevelopment, "node")
	f.orch.Start()
	defer f.orch.Stop()

	for _, v := range []string{"1.0.0", "1.0.1", "1.0.2"} {
		id := f.submit(t, types.EnvDevelopment, v)
		f.awaitTerminal(t, id)
	}

	page, total := f.orch.List(1, 2)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	page, total = f.orch.List(2, 2)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)

	page, _ = f.orch.List(5, 2)
	assert.Empty(t, page)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(types.EnvDevelopment, "node")
	f.orch.Start()

	id := f.submit(t, types.EnvDevelopment, "1.0.0")
	f.orch.Stop()

	exec, err := f.orch.Get(id)
	require.NoError(t, err)
	assert.True(t, exec.Status.Terminal())

	// Submissions after stop are refused.
	_, err = f.orch.Submit(context.Background(), SubmitRequest{
		Artifact:    f.artifact(t, "1.0.1"),
		Environment: types.EnvDevelopment,
		Requester:   "alice@example.com",
	})
	assert.True(t, errdefs.IsConflict(err))
}
