package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/approval"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/tracker"
)

// Sweeper runs the engine's periodic maintenance: expiring overdue
// approvals, pruning resolved approvals past their retention window,
// and evicting stale tracker entries. Every pass is idempotent, so a
// missed or doubled tick is harmless.
type Sweeper struct {
	cfg     *config.Config
	gate    *approval.Gate
	tracker *tracker.Tracker

	mu     sync.Mutex
	stopCh chan struct{}
	done   sync.WaitGroup
}

// New creates a sweeper over the gate and tracker.
func New(cfg *config.Config, gate *approval.Gate, tr *tracker.Tracker) *Sweeper {
	return &Sweeper{cfg: cfg, gate: gate, tracker: tr}
}

// Start launches the background loops. Calling Start on a running
// sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	s.done.Add(2)
	go s.loop(s.cfg.Approval.SweepInterval, s.stopCh, s.sweepApprovals)
	go s.loop(s.cfg.Tracker.SweepInterval, s.stopCh, s.sweepTracker)

	logger := log.WithComponent("sweeper")
	logger.Info().
		Dur("approval_interval", s.cfg.Approval.SweepInterval).
		Dur("tracker_interval", s.cfg.Tracker.SweepInterval).
		Msg("sweeper started")
}

// Stop halts the loops and waits for in-flight passes to finish.
// Calling Stop on a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.done.Wait()
	logger := log.WithComponent("sweeper")
	logger.Info().Msg("sweeper stopped")
}

func (s *Sweeper) loop(interval time.Duration, stopCh <-chan struct{}, pass func()) {
	defer s.done.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			pass()
		}
	}
}

// sweepApprovals expires approvals whose deadline passed without a
// decision, then prunes resolved rows older than the retention window.
func (s *Sweeper) sweepApprovals() {
	logger := log.WithComponent("sweeper")

	expired, err := s.gate.ExpireDue(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("approval expiry pass failed")
	} else if expired > 0 {
		logger.Info().Int("expired", expired).Msg("expired overdue approvals")
	}

	cutoff := time.Now().UTC().Add(-s.cfg.Approval.Retention)
	pruned, err := s.gate.DeleteResolvedBefore(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("approval retention pass failed")
	} else if pruned > 0 {
		logger.Info().Int("pruned", pruned).Msg("pruned resolved approvals")
	}
}

func (s *Sweeper) sweepTracker() {
	results, inProgress := s.tracker.Sweep()
	if results > 0 || inProgress > 0 {
		logger := log.WithComponent("sweeper")
		logger.Info().
			Int("results", results).
			Int("in_progress", inProgress).
			Msg("evicted expired executions")
	}
}
