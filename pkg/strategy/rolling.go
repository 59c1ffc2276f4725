package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

// Rolling updates the cluster in fixed-size batches. A batch must reach
// healthy before the next one starts; any failure rolls back the batch
// and every previously updated batch in reverse order.
type Rolling struct {
	opts Options
}

// NewRolling creates the rolling strategy.
func NewRolling(opts Options) *Rolling {
	return &Rolling{opts: opts}
}

// Kind implements Strategy.
func (s *Rolling) Kind() types.StrategyKind {
	return types.StrategyRolling
}

// Deploy implements Strategy.
func (s *Rolling) Deploy(ctx context.Context, ref types.ArtifactRef, c *cluster.Cluster) (*types.RolloutResult, error) {
	start := time.Now()
	env := c.Environment()
	nodes := c.Nodes()

	if len(nodes) == 0 {
		return &types.RolloutResult{
			Status:  types.RolloutSucceeded,
			Elapsed: time.Since(start),
			Message: "no nodes to update",
		}, nil
	}

	batchSize := s.opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	logger := log.WithComponent("strategy")
	logger.Info().
		Str("strategy", string(s.Kind())).
		Str("environment", string(env)).
		Str("artifact", ref.String()).
		Int("nodes", len(nodes)).
		Int("batch_size", batchSize).
		Msg("starting rollout")

	var allOutcomes []*types.NodeOutcome
	var updated []*cluster.Node

	fail := func(cause string) (*types.RolloutResult, error) {
		rbOutcomes, inconsistent := rollbackReverse(ctx, updated, env)
		return &types.RolloutResult{
			Status:            types.RolloutFailed,
			Outcomes:          append(allOutcomes, rbOutcomes...),
			InconsistentNodes: inconsistent,
			Elapsed:           time.Since(start),
			Message:           cause,
		}, nil
	}

	for batchStart := 0; batchStart < len(nodes); batchStart += batchSize {
		if err := ctx.Err(); err != nil {
			return fail("rollout cancelled")
		}

		end := batchStart + batchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[batchStart:end]

		outcomes, err := applyTranche(ctx, batch, ref, env, s.opts.concurrency(len(batch)))
		allOutcomes = append(allOutcomes, outcomes...)
		updated = append(updated, succeededNodes(batch, outcomes)...)
		if err != nil {
			return fail(err.Error())
		}

		if err := awaitHealthy(ctx, batch, s.opts, s.opts.BatchHealthTimeout); err != nil {
			logger.Warn().
				Str("environment", string(env)).
				Int("batch_start", batchStart).
				Err(err).
				Msg("batch did not reach healthy")
			return fail(fmt.Sprintf("batch starting at node %d: %s", batchStart, err))
		}
	}

	return &types.RolloutResult{
		Status:   types.RolloutSucceeded,
		Outcomes: allOutcomes,
		Elapsed:  time.Since(start),
	}, nil
}

// Rollback implements Strategy.
func (s *Rolling) Rollback(ctx context.Context, executionID string, c *cluster.Cluster) (*types.RolloutResult, error) {
	logger := log.WithExecutionID(executionID)
	logger.Info().
		Str("environment", string(c.Environment())).
		Msg("rolling back cluster")
	return rollbackCluster(ctx, c)
}
