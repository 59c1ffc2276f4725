package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/approval"
	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/monitor"
	"github.com/cuemby/drover/pkg/notify"
	"github.com/cuemby/drover/pkg/orchestrator"
	"github.com/cuemby/drover/pkg/pipeline"
	"github.com/cuemby/drover/pkg/signature"
	"github.com/cuemby/drover/pkg/strategy"
	"github.com/cuemby/drover/pkg/sweeper"
	"github.com/cuemby/drover/pkg/tracker"
	"github.com/cuemby/drover/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		demo, _ := cmd.Flags().GetBool("demo")
		return serve(configPath, demo)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML configuration file")
	serveCmd.Flags().Bool("demo", false, "register a simulated fixture fleet across all four environments")
}

func serve(configPath string, demo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	roots := x509.NewCertPool()
	if len(cfg.TrustStore) > 0 {
		roots, err = signature.LoadTrustStore(cfg.TrustStore)
		if err != nil {
			return fmt.Errorf("loading trust store: %w", err)
		}
	} else {
		logger.Warn().Msg("trust store is empty; strict environments will reject every artifact")
	}
	verifier := signature.NewVerifier(roots)

	locks, err := lock.NewBoltManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening lock database: %w", err)
	}
	defer locks.Close()

	store, err := approval.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening approval database: %w", err)
	}
	defer store.Close()
	gate := approval.NewGate(store, locks, notify.LogNotifier{})

	tr := tracker.New(locks, cfg.Tracker.ResultTTL, cfg.Tracker.InProgressTTL)

	applier := cluster.NewSimulatedApplier(cfg.NodeApplyDuration)
	registry := cluster.NewMemoryRegistry(applier)
	seedClusters(cfg, registry)
	if demo {
		seedDemoFleet(registry)
	}

	provider := monitor.NewProvider(&monitor.RegistrySource{Registry: registry}, monitor.DefaultCacheTTL)
	opts := strategy.Options{
		PerNodeConcurrency: cfg.PerNodeConcurrency,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		Thresholds:         cfg.NodeHealth,
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

	pipe := pipeline.New(cfg, verifier, gate, tr, registry, pipeline.NopTestRunner, factory)

	orch := orchestrator.New(cfg, tr, pipe, registry, factory, locks)
	orch.Start()

	sweep := sweeper.New(cfg, gate, tr)
	sweep.Start()

	heartbeatStop := make(chan struct{})
	go heartbeatLoop(registry, cfg.HeartbeatTimeout, heartbeatStop)

	srv := api.NewServer(cfg, orch, gate, registry, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	close(heartbeatStop)
	sweep.Stop()
	orch.Stop()
	return nil
}

func seedClusters(cfg *config.Config, registry *cluster.MemoryRegistry) {
	for _, seed := range cfg.Clusters {
		for _, hostname := range seed.Nodes {
			registry.Register(seed.Environment, hostname)
		}
		logger := log.WithComponent("serve")
		logger.Info().
			Str("environment", string(seed.Environment)).
			Int("nodes", len(seed.Nodes)).
			Msg("seeded cluster")
	}
}

// seedDemoFleet registers a simulated fleet sized like a small real
// deployment, with healthy initial counters.
func seedDemoFleet(registry *cluster.MemoryRegistry) {
	fleet := map[types.Environment]int{
		types.EnvDevelopment: 3,
		types.EnvQA:          6,
		types.EnvStaging:     4,
		types.EnvProduction:  20,
	}
	for env, count := range fleet {
		for i := 0; i < count; i++ {
			n := registry.Register(env, fmt.Sprintf("%s-node-%02d", env, i))
			n.Heartbeat(types.HealthCounters{CPUPercent: 35, MemoryPercent: 45, LatencyMillis: 80, ErrorRate: 0.005})
		}
	}
	logger := log.WithComponent("serve")
	logger.Info().Msg("demo fleet registered")
}

// heartbeatLoop keeps simulated nodes inside their Healthy window. Real
// deployments replace this with node-agent heartbeats arriving over the
// wire.
func heartbeatLoop(registry cluster.Registry, heartbeatTimeout time.Duration, stop <-chan struct{}) {
	interval := heartbeatTimeout / 4
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range registry.Clusters() {
				for _, n := range c.Nodes() {
					n.Heartbeat(n.Snapshot().Counters)
				}
			}
		}
	}
}
