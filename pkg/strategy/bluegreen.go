package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

// BlueGreen stages the artifact on the inactive pool, exercises it for
// a smoke phase, and only then flips the traffic pointer. A failure
// before the switch tears the candidate pool down and leaves the
// active pool untouched.
type BlueGreen struct {
	opts Options

	mu       sync.Mutex
	switched bool
	prevPool types.Pool
}

// NewBlueGreen creates the blue-green strategy.
func NewBlueGreen(opts Options) *BlueGreen {
	return &BlueGreen{opts: opts}
}

// Kind implements Strategy.
func (s *BlueGreen) Kind() types.StrategyKind {
	return types.StrategyBlueGreen
}

// Deploy implements Strategy.
func (s *BlueGreen) Deploy(ctx context.Context, ref types.ArtifactRef, c *cluster.Cluster) (*types.RolloutResult, error) {
	start := time.Now()
	env := c.Environment()
	candidate := c.ActivePool().Other()
	green := c.PoolNodes(candidate)

	if len(green) == 0 {
		return &types.RolloutResult{
			Status:  types.RolloutSucceeded,
			Elapsed: time.Since(start),
			Message: "candidate pool is empty, nothing to stage",
		}, nil
	}

	logger := log.WithComponent("strategy")
	logger.Info().
		Str("strategy", string(s.Kind())).
		Str("environment", string(env)).
		Str("artifact", ref.String()).
		Str("candidate_pool", string(candidate)).
		Int("nodes", len(green)).
		Msg("starting rollout")

	outcomes, err := applyTranche(ctx, green, ref, env, s.opts.concurrency(len(green)))

	fail := func(cause string) (*types.RolloutResult, error) {
		updated := succeededNodes(green, outcomes)
		rbOutcomes, inconsistent := rollbackReverse(ctx, updated, env)
		return &types.RolloutResult{
			Status:            types.RolloutFailed,
			Outcomes:          append(outcomes, rbOutcomes...),
			InconsistentNodes: inconsistent,
			Elapsed:           time.Since(start),
			Message:           cause,
		}, nil
	}

	if err != nil {
		return fail(err.Error())
	}

	if err := s.smokePhase(ctx, green); err != nil {
		logger.Warn().
			Str("environment", string(env)).
			Err(err).
			Msg("smoke phase failed, tearing down candidate pool")
		return fail(err.Error())
	}

	// The candidate survived the smoke phase; flip traffic atomically
	// and remember the prior pointer for rollback.
	prev := c.SwitchActivePool()
	s.mu.Lock()
	s.switched = true
	s.prevPool = prev
	s.mu.Unlock()

	outcomes = append(outcomes, &types.NodeOutcome{
		NodeID:    string(candidate),
		Action:    types.NodeActionSwitch,
		Succeeded: true,
	})

	logger.Info().
		Str("environment", string(env)).
		Str("active_pool", string(candidate)).
		Msg("traffic switched to candidate pool")

	return &types.RolloutResult{
		Status:   types.RolloutSucceeded,
		Outcomes: outcomes,
		Elapsed:  time.Since(start),
	}, nil
}

// smokePhase keeps the candidate pool under observation for the
// configured duration. Every poll round requires all candidate nodes
// healthy and the smoke check passing on each of them.
func (s *BlueGreen) smokePhase(ctx context.Context, green []*cluster.Node) error {
	deadline := time.Now().Add(s.opts.SmokeDuration)
	for {
		for _, n := range green {
			if n.Health(time.Now(), s.opts.HeartbeatTimeout, s.opts.Thresholds) != types.HealthHealthy {
				return errdefs.Newf(errdefs.KindHealthDegraded, "candidate node %s unhealthy during smoke phase", n.ID())
			}
			if s.opts.SmokeCheck != nil {
				if err := s.opts.SmokeCheck(ctx, n.Snapshot()); err != nil {
					return errdefs.Wrapf(errdefs.KindHealthDegraded, err, "smoke check failed on node %s", n.ID())
				}
			}
		}
		if !time.Now().Before(deadline) {
			return nil
		}

		remaining := time.Until(deadline)
		step := s.opts.pollInterval()
		if remaining < step {
			step = remaining
		}
		if err := sleepCtx(ctx, step); err != nil {
			return err
		}
	}
}

// Rollback implements Strategy. If this instance performed the traffic
// switch, the pointer is restored before the candidate nodes revert.
func (s *BlueGreen) Rollback(ctx context.Context, executionID string, c *cluster.Cluster) (*types.RolloutResult, error) {
	logger := log.WithExecutionID(executionID)
	logger.Info().
		Str("environment", string(c.Environment())).
		Msg("rolling back cluster")

	s.mu.Lock()
	if s.switched {
		c.SetActivePool(s.prevPool)
		s.switched = false
	}
	s.mu.Unlock()

	return rollbackCluster(ctx, c)
}
