package strategy

import (
	"context"
	"time"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

// Direct applies the artifact to every node at once with bounded
// concurrency. Any failure rolls back the nodes updated in this call.
// Used for development, where speed beats caution.
type Direct struct {
	opts Options
}

// NewDirect creates the direct strategy.
func NewDirect(opts Options) *Direct {
	return &Direct{opts: opts}
}

// Kind implements Strategy.
func (s *Direct) Kind() types.StrategyKind {
	return types.StrategyDirect
}

// Deploy implements Strategy.
func (s *Direct) Deploy(ctx context.Context, ref types.ArtifactRef, c *cluster.Cluster) (*types.RolloutResult, error) {
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

	logger := log.WithComponent("strategy")
	logger.Info().
		Str("strategy", string(s.Kind())).
		Str("environment", string(env)).
		Str("artifact", ref.String()).
		Int("nodes", len(nodes)).
		Msg("starting rollout")

	outcomes, err := applyTranche(ctx, nodes, ref, env, s.opts.concurrency(len(nodes)))
	if err == nil {
		return &types.RolloutResult{
			Status:   types.RolloutSucceeded,
			Outcomes: outcomes,
			Elapsed:  time.Since(start),
		}, nil
	}

	updated := succeededNodes(nodes, outcomes)
	rbOutcomes, inconsistent := rollbackReverse(ctx, updated, env)
	return &types.RolloutResult{
		Status:            types.RolloutFailed,
		Outcomes:          append(outcomes, rbOutcomes...),
		InconsistentNodes: inconsistent,
		Elapsed:           time.Since(start),
		Message:           err.Error(),
	}, nil
}

// Rollback implements Strategy.
func (s *Direct) Rollback(ctx context.Context, executionID string, c *cluster.Cluster) (*types.RolloutResult, error) {
	logger := log.WithExecutionID(executionID)
	logger.Info().
		Str("environment", string(c.Environment())).
		Msg("rolling back cluster")
	return rollbackCluster(ctx, c)
}
