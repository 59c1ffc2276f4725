package strategy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/monitor"
	"github.com/cuemby/drover/pkg/types"
)

// DefaultHealthPollInterval is how often batch and smoke health checks
// re-evaluate node state.
const DefaultHealthPollInterval = 2 * time.Second

// Strategy is the rollout contract. Deploy moves the cluster to the
// artifact; Rollback restores the previous artifact on every node that
// has one. Both honor cancellation promptly: no new wave or batch
// starts after cancellation is observed, and cleanup of already-updated
// nodes still runs.
type Strategy interface {
	Kind() types.StrategyKind
	Deploy(ctx context.Context, ref types.ArtifactRef, c *cluster.Cluster) (*types.RolloutResult, error)
	Rollback(ctx context.Context, executionID string, c *cluster.Cluster) (*types.RolloutResult, error)
}

// SmokeCheck is a synthetic request against one candidate node during
// the blue-green smoke phase.
type SmokeCheck func(ctx context.Context, node types.Node) error

// Options carries the tunables shared by the strategies. Unused fields
// are ignored by strategies that do not need them.
type Options struct {
	PerNodeConcurrency int
	HeartbeatTimeout   time.Duration
	Thresholds         types.HealthThresholds
	HealthPollInterval time.Duration

	// Rolling
	BatchSize          int
	BatchHealthTimeout time.Duration

	// Blue-green
	SmokeDuration time.Duration
	SmokeCheck    SmokeCheck

	// Canary
	Waves        []float64
	SoakDuration time.Duration
	Degradation  types.DegradationPolicy
	Metrics      *monitor.Provider
}

func (o Options) pollInterval() time.Duration {
	if o.HealthPollInterval > 0 {
		return o.HealthPollInterval
	}
	return DefaultHealthPollInterval
}

func (o Options) concurrency(size int) int {
	limit := o.PerNodeConcurrency
	if limit < 1 {
		limit = 1
	}
	if size < limit {
		return size
	}
	return limit
}

// ForKind builds the strategy implementing the given kind.
func ForKind(kind types.StrategyKind, opts Options) (Strategy, error) {
	switch kind {
	case types.StrategyDirect:
		return NewDirect(opts), nil
	case types.StrategyRolling:
		return NewRolling(opts), nil
	case types.StrategyBlueGreen:
		return NewBlueGreen(opts), nil
	case types.StrategyCanary:
		return NewCanary(opts), nil
	}
	return nil, errdefs.Newf(errdefs.KindValidation, "unknown rollout strategy %q", kind)
}

// applyTranche installs the artifact on the given nodes with bounded
// concurrency. All outcomes are recorded; the returned error is the
// first apply failure, which also cancels the tranche's remaining work.
func applyTranche(ctx context.Context, nodes []*cluster.Node, ref types.ArtifactRef, env types.Environment, limit int) ([]*types.NodeOutcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	outcomes := make([]*types.NodeOutcome, len(nodes))
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			start := time.Now()
			err := n.ApplyArtifact(gctx, ref)
			outcome := &types.NodeOutcome{
				NodeID:    n.ID(),
				Action:    types.NodeActionApply,
				Succeeded: err == nil,
				Duration:  time.Since(start),
			}
			if err != nil {
				outcome.Error = err.Error()
			} else {
				metrics.NodesUpdatedTotal.WithLabelValues(string(env), string(types.NodeActionApply)).Inc()
			}
			outcomes[i] = outcome
			return err
		})
	}
	err := g.Wait()

	// A node skipped by cancellation has no outcome slot filled.
	filled := outcomes[:0]
	for _, o := range outcomes {
		if o != nil {
			filled = append(filled, o)
		}
	}
	return filled, err
}

// succeededNodes returns the nodes whose apply outcome succeeded, in
// apply order.
func succeededNodes(nodes []*cluster.Node, outcomes []*types.NodeOutcome) []*cluster.Node {
	byID := make(map[string]*cluster.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID()] = n
	}
	var out []*cluster.Node
	for _, o := range outcomes {
		if o.Succeeded && o.Action == types.NodeActionApply {
			if n, ok := byID[o.NodeID]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// rollbackReverse restores the previous artifact on the updated nodes
// in reverse order of update. Nodes with nothing to restore are
// skipped. A node whose rollback fails is marked inconsistent and no
// further automated action touches it.
//
// Runs detached from the deploy context: cancellation is what triggers
// rollback, so rollback itself must not be cancelled by it.
func rollbackReverse(ctx context.Context, updated []*cluster.Node, env types.Environment) ([]*types.NodeOutcome, []string) {
	ctx = context.WithoutCancel(ctx)

	var outcomes []*types.NodeOutcome
	var inconsistent []string
	for i := len(updated) - 1; i >= 0; i-- {
		n := updated[i]
		if n.Snapshot().PreviousArtifact == nil {
			continue
		}

		start := time.Now()
		err := n.RollbackArtifact(ctx)
		outcome := &types.NodeOutcome{
			NodeID:    n.ID(),
			Action:    types.NodeActionRollback,
			Succeeded: err == nil,
			Duration:  time.Since(start),
		}
		if err != nil {
			outcome.Error = err.Error()
			n.MarkInconsistent()
			inconsistent = append(inconsistent, n.ID())
			logger := log.WithNodeID(n.ID())
			logger.Error().Err(err).Msg("rollback failed, node marked inconsistent")
		} else {
			metrics.NodesUpdatedTotal.WithLabelValues(string(env), string(types.NodeActionRollback)).Inc()
		}
		outcomes = append(outcomes, outcome)
	}
	if len(outcomes) > 0 {
		metrics.RollbacksTotal.WithLabelValues(string(env)).Inc()
	}
	return outcomes, inconsistent
}

// awaitHealthy polls until every node reports healthy or the timeout
// elapses. Timeout and failure share semantics.
func awaitHealthy(ctx context.Context, nodes []*cluster.Node, opts Options, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		allHealthy := true
		for _, n := range nodes {
			if n.Health(time.Now(), opts.HeartbeatTimeout, opts.Thresholds) != types.HealthHealthy {
				allHealthy = false
				break
			}
		}
		if allHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Newf(errdefs.KindTimeout, "nodes not healthy within %s", timeout)
		}
		if err := sleepCtx(ctx, opts.pollInterval()); err != nil {
			return err
		}
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "cancelled")
	}
}

func nodeIDs(nodes []*cluster.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return ids
}

// rollbackCluster restores the previous artifact on every node that
// has one, highest node id first. Shared Rollback implementation for
// strategies without extra rollback state.
func rollbackCluster(ctx context.Context, c *cluster.Cluster) (*types.RolloutResult, error) {
	start := time.Now()

	var candidates []*cluster.Node
	for _, n := range c.Nodes() {
		if n.Snapshot().PreviousArtifact != nil {
			candidates = append(candidates, n)
		}
	}

	outcomes, inconsistent := rollbackReverse(ctx, candidates, c.Environment())
	result := &types.RolloutResult{
		Status:            types.RolloutRolledBack,
		Outcomes:          outcomes,
		InconsistentNodes: inconsistent,
		Elapsed:           time.Since(start),
	}
	if len(inconsistent) > 0 {
		result.Status = types.RolloutFailed
		result.Message = "rollback failed on some nodes"
	}
	return result, nil
}
