package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Config holds every tunable knob of the orchestrator. Zero values are
// replaced by defaults during Load; DefaultConfig returns a fully
// populated instance.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the approval database and lock database.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON switches the logger to JSON output.
	LogJSON bool `yaml:"log_json"`

	// HeartbeatTimeout is the node Healthy window.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// NodeHealth holds the per-node counter ceilings.
	NodeHealth types.HealthThresholds `yaml:"node_health"`

	Rolling      RollingConfig      `yaml:"rolling"`
	BlueGreen    BlueGreenConfig    `yaml:"bluegreen"`
	Canary       CanaryConfig       `yaml:"canary"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Tracker      TrackerConfig      `yaml:"tracker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// PerNodeConcurrency bounds strategy fan-out per rollout.
	PerNodeConcurrency int `yaml:"strategy_per_node_concurrency"`

	// NodeApplyDuration is the simulated per-node apply latency.
	NodeApplyDuration time.Duration `yaml:"node_apply_duration"`

	// StageTimeout bounds each pipeline stage.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// SecurityStrict controls signature verification per environment.
	// Production is always strict regardless of this setting.
	SecurityStrict map[types.Environment]bool `yaml:"security_strict"`

	// TrustStore lists PEM files with CA certificates for artifact
	// signature verification.
	TrustStore []string `yaml:"trust_store"`

	// Environments overrides per-environment policy. Missing entries use
	// the built-in policy table.
	Environments map[types.Environment]EnvironmentPolicy `yaml:"environments"`

	// Clusters optionally seeds the in-memory registry at startup.
	Clusters []ClusterSeed `yaml:"clusters"`
}

// RollingConfig tunes the QA rolling strategy.
type RollingConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchHealthTimeout time.Duration `yaml:"batch_health_timeout"`
}

// BlueGreenConfig tunes the staging blue-green strategy.
type BlueGreenConfig struct {
	SmokeDuration time.Duration `yaml:"smoke_duration"`
}

// CanaryConfig tunes the production canary strategy.
type CanaryConfig struct {
	// Waves are cumulative fractions of the cluster, ascending, last 1.0.
	Waves        []float64               `yaml:"waves"`
	SoakDuration time.Duration           `yaml:"soak_duration"`
	Degradation  types.DegradationPolicy `yaml:"degradation"`
}

// ApprovalConfig tunes the approval gate and its sweeper.
type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// TrackerConfig tunes the deployment tracker TTLs.
type TrackerConfig struct {
	ResultTTL     time.Duration `yaml:"result_ttl"`
	InProgressTTL time.Duration `yaml:"in_progress_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// OrchestratorConfig tunes the submission queue and worker pool.
type OrchestratorConfig struct {
	QueueDepth int `yaml:"queue_depth"`
	Workers    int `yaml:"workers"`
}

// EnvironmentPolicy is the per-environment deployment policy.
type EnvironmentPolicy struct {
	Strategy        types.StrategyKind `yaml:"strategy"`
	RequireApproval bool               `yaml:"require_approval"`
	// MaxUnhealthy is the degraded/unhealthy boundary k: a cluster with
	// 1..k unhealthy nodes is Degraded, beyond k it is Unhealthy.
	MaxUnhealthy int `yaml:"max_unhealthy"`
}

// ClusterSeed registers nodes for one environment at startup.
type ClusterSeed struct {
	Environment types.Environment `yaml:"environment"`
	Nodes       []string          `yaml:"nodes"` // hostnames
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":7430",
		DataDir:          "data",
		LogLevel:         "info",
		HeartbeatTimeout: 2 * time.Minute,
		NodeHealth:       types.DefaultHealthThresholds(),
		Rolling: RollingConfig{
			BatchSize:          2,
			BatchHealthTimeout: 2 * time.Minute,
		},
		BlueGreen: BlueGreenConfig{
			SmokeDuration: 5 * time.Minute,
		},
		Canary: CanaryConfig{
			Waves:        []float64{0.1, 0.3, 0.5, 1.0},
			SoakDuration: 5 * time.Minute,
			Degradation:  types.DefaultDegradationPolicy(),
		},
		Approval: ApprovalConfig{
			Timeout:       24 * time.Hour,
			SweepInterval: 60 * time.Second,
			Retention:     24 * time.Hour,
		},
		Tracker: TrackerConfig{
			ResultTTL:     24 * time.Hour,
			InProgressTTL: 2 * time.Hour,
			SweepInterval: 60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			QueueDepth: 256,
			Workers:    4,
		},
		PerNodeConcurrency: 10,
		NodeApplyDuration:  time.Second,
		StageTimeout:       30 * time.Minute,
		SecurityStrict: map[types.Environment]bool{
			types.EnvDevelopment: false,
			types.EnvQA:          false,
			types.EnvStaging:     true,
			types.EnvProduction:  true,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Canary.Waves) == 0 {
		return errdefs.New(errdefs.KindValidation, "canary waves must not be empty")
	}
	prev := 0.0
	for _, w := range c.Canary.Waves {
		if w <= prev || w > 1.0 {
			return errdefs.Newf(errdefs.KindValidation, "canary waves must be ascending fractions in (0,1], got %v", c.Canary.Waves)
		}
		prev = w
	}
	if c.Canary.Waves[len(c.Canary.Waves)-1] != 1.0 {
		return errdefs.New(errdefs.KindValidation, "final canary wave must be 1.0")
	}
	if c.Rolling.BatchSize < 1 {
		return errdefs.New(errdefs.KindValidation, "rolling batch size must be >= 1")
	}
	if c.PerNodeConcurrency < 1 {
		return errdefs.New(errdefs.KindValidation, "per-node concurrency must be >= 1")
	}
	if c.Orchestrator.QueueDepth < 1 {
		return errdefs.New(errdefs.KindValidation, "orchestrator queue depth must be >= 1")
	}
	for env := range c.Environments {
		if !env.Valid() {
			return errdefs.Newf(errdefs.KindValidation, "unknown environment %q in policy table", env)
		}
	}
	return nil
}

// defaultPolicies is the built-in per-environment policy table.
var defaultPolicies = map[types.Environment]EnvironmentPolicy{
	types.EnvDevelopment: {Strategy: types.StrategyDirect, RequireApproval: false, MaxUnhealthy: 2},
	types.EnvQA:          {Strategy: types.StrategyRolling, RequireApproval: false, MaxUnhealthy: 2},
	types.EnvStaging:     {Strategy: types.StrategyBlueGreen, RequireApproval: true, MaxUnhealthy: 1},
	types.EnvProduction:  {Strategy: types.StrategyCanary, RequireApproval: true, MaxUnhealthy: 1},
}

// PolicyFor returns the deployment policy for an environment, preferring
// any override configured in the policy table.
func (c *Config) PolicyFor(env types.Environment) EnvironmentPolicy {
	if p, ok := c.Environments[env]; ok {
		return p
	}
	return defaultPolicies[env]
}

// StrictFor reports whether signature verification is strict for the
// environment. Production is always strict.
func (c *Config) StrictFor(env types.Environment) bool {
	if env == types.EnvProduction {
		return true
	}
	return c.SecurityStrict[env]
}
