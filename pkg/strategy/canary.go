package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/monitor"
	"github.com/cuemby/drover/pkg/types"
)

// Canary rolls the artifact out in waves of growing cumulative size,
// soaking after each wave and comparing fresh metrics from the updated
// nodes against a baseline captured before wave one. Degradation at
// any checkpoint reverts every updated node in reverse order.
type Canary struct {
	opts Options
}

// NewCanary creates the canary strategy.
func NewCanary(opts Options) *Canary {
	return &Canary{opts: opts}
}

// Kind implements Strategy.
func (s *Canary) Kind() types.StrategyKind {
	return types.StrategyCanary
}

// Deploy implements Strategy.
func (s *Canary) Deploy(ctx context.Context, ref types.ArtifactRef, c *cluster.Cluster) (*types.RolloutResult, error) {
	start := time.Now()
	env := c.Environment()
	nodes := c.Nodes()
	total := len(nodes)

	if total == 0 {
		return &types.RolloutResult{
			Status:  types.RolloutSucceeded,
			Elapsed: time.Since(start),
			Message: "no nodes to update",
		}, nil
	}

	logger := log.WithComponent("strategy")
	logger.Info().
		Str("strategy", string(s.Kind())).
		Str("environment", string(env)).
		Str("artifact", ref.String()).
		Int("nodes", total).
		Floats64("waves", s.opts.Waves).
		Msg("starting rollout")

	baseline := s.opts.Metrics.Baseline(ctx, nodeIDs(nodes))

	var allOutcomes []*types.NodeOutcome
	var updated []*cluster.Node

	finish := func(status types.RolloutStatus, cause string) (*types.RolloutResult, error) {
		rbOutcomes, inconsistent := rollbackReverse(ctx, updated, env)
		if len(inconsistent) > 0 {
			status = types.RolloutFailed
		}
		return &types.RolloutResult{
			Status:            status,
			Outcomes:          append(allOutcomes, rbOutcomes...),
			InconsistentNodes: inconsistent,
			Elapsed:           time.Since(start),
			Message:           cause,
		}, nil
	}

	for i, wave := range s.opts.Waves {
		if ctx.Err() != nil {
			return finish(types.RolloutRolledBack, "rollout cancelled")
		}

		// Cumulative target for this wave. Tiny clusters coalesce waves
		// so every wave moves at least one new node; the final wave
		// always covers the remainder.
		target := int(float64(total) * wave)
		if target <= len(updated) {
			target = len(updated) + 1
		}
		if target > total {
			target = total
		}
		if target == len(updated) {
			continue
		}

		tranche := nodes[len(updated):target]
		logger.Info().
			Str("environment", string(env)).
			Int("wave", i+1).
			Int("tranche_size", len(tranche)).
			Int("cumulative", target).
			Msg("starting canary wave")

		outcomes, err := applyTranche(ctx, tranche, ref, env, s.opts.concurrency(len(tranche)))
		allOutcomes = append(allOutcomes, outcomes...)
		updated = append(updated, succeededNodes(tranche, outcomes)...)
		if err != nil {
			return finish(types.RolloutFailed, err.Error())
		}

		if err := sleepCtx(ctx, s.opts.SoakDuration); err != nil {
			return finish(types.RolloutRolledBack, "rollout cancelled during soak")
		}

		current := s.opts.Metrics.Snapshot(ctx, nodeIDs(updated))
		if monitor.Degraded(current, baseline, s.opts.Degradation) {
			logger.Warn().
				Str("environment", string(env)).
				Int("wave", i+1).
				Msg("degradation detected, rolling back updated nodes")
			return finish(types.RolloutRolledBack, fmt.Sprintf("metrics degraded after wave %d", i+1))
		}

		if target == total {
			break
		}
	}

	return &types.RolloutResult{
		Status:   types.RolloutSucceeded,
		Outcomes: allOutcomes,
		Elapsed:  time.Since(start),
	}, nil
}

// Rollback implements Strategy.
func (s *Canary) Rollback(ctx context.Context, executionID string, c *cluster.Cluster) (*types.RolloutResult, error) {
	logger := log.WithExecutionID(executionID)
	logger.Info().
		Str("environment", string(c.Environment())).
		Msg("rolling back cluster")
	return rollbackCluster(ctx, c)
}
