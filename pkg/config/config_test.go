package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 2, cfg.Rolling.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.BlueGreen.SmokeDuration)
	assert.Equal(t, []float64{0.1, 0.3, 0.5, 1.0}, cfg.Canary.Waves)
	assert.Equal(t, 5*time.Minute, cfg.Canary.SoakDuration)
	assert.Equal(t, 24*time.Hour, cfg.Approval.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Approval.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.Tracker.ResultTTL)
	assert.Equal(t, 2*time.Hour, cfg.Tracker.InProgressTTL)
	assert.Equal(t, 10, cfg.PerNodeConcurrency)
	assert.NoError(t, cfg.Validate())
}

func TestPolicyFor(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, types.StrategyDirect, cfg.PolicyFor(types.EnvDevelopment).Strategy)
	assert.Equal(t, types.StrategyRolling, cfg.PolicyFor(types.EnvQA).Strategy)
	assert.Equal(t, types.StrategyBlueGreen, cfg.PolicyFor(types.EnvStaging).Strategy)
	assert.Equal(t, types.StrategyCanary, cfg.PolicyFor(types.EnvProduction).Strategy)

	assert.False(t, cfg.PolicyFor(types.EnvDevelopment).RequireApproval)
	assert.True(t, cfg.PolicyFor(types.EnvStaging).RequireApproval)
	assert.True(t, cfg.PolicyFor(types.EnvProduction).RequireApproval)
}

func TestPolicyForOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Environments = map[types.Environment]EnvironmentPolicy{
		types.EnvQA: {Strategy: types.StrategyDirect, MaxUnhealthy: 5},
	}

	assert.Equal(t, types.StrategyDirect, cfg.PolicyFor(types.EnvQA).Strategy)
	assert.Equal(t, 5, cfg.PolicyFor(types.EnvQA).MaxUnhealthy)
	// Other environments fall back to the built-in table.
	assert.Equal(t, types.StrategyCanary, cfg.PolicyFor(types.EnvProduction).Strategy)
}

func TestStrictForProductionAlwaysStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityStrict[types.EnvProduction] = false

	assert.True(t, cfg.StrictFor(types.EnvProduction))
	assert.False(t, cfg.StrictFor(types.EnvDevelopment))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	content := []byte(`
heartbeat_timeout: 30s
rolling:
  batch_size: 3
canary:
  waves: [0.2, 0.5, 1.0]
orchestrator:
  queue_depth: 64
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Rolling.BatchSize)
	assert.Equal(t, []float64{0.2, 0.5, 1.0}, cfg.Canary.Waves)
	assert.Equal(t, 64, cfg.Orchestrator.QueueDepth)
	// Untouched knobs keep defaults.
	assert.Equal(t, 5*time.Minute, cfg.BlueGreen.SmokeDuration)
}

func TestValidateRejectsBadWaves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Canary.Waves = []float64{0.5, 0.3, 1.0}
	assert.Error(t, cfg.Validate())

	cfg.Canary.Waves = []float64{0.5, 0.9}
	assert.Error(t, cfg.Validate())

	cfg.Canary.Waves = nil
	assert.Error(t, cfg.Validate())
}
