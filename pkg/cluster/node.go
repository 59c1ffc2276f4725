package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Applier is the node-side capability that installs an artifact on a node.
// The orchestration core never transports artifact bytes itself; it calls
// this capability and interprets the result. Implementations are expected
// to be idempotent per (node, artifact).
type Applier interface {
	Apply(ctx context.Context, nodeID string, ref types.ArtifactRef) error
}

// ApplyFunc adapts a function to the Applier interface.
type ApplyFunc func(ctx context.Context, nodeID string, ref types.ArtifactRef) error

// Apply implements Applier.
func (f ApplyFunc) Apply(ctx context.Context, nodeID string, ref types.ArtifactRef) error {
	return f(ctx, nodeID, ref)
}

// Node is a managed worker node. All mutation happens under the node's
// logical lock, which is held for the full duration of an apply or rollback
// so a strategy borrows the node exclusively while operating on it.
type Node struct {
	mu      sync.Mutex
	info    types.Node
	applier Applier
	removed bool
}

func newNode(hostname string, env types.Environment, pool types.Pool, applier Applier) *Node {
	now := time.Now()
	return &Node{
		info: types.Node{
			ID:            uuid.New().String(),
			Hostname:      hostname,
			Environment:   env,
			Pool:          pool,
			LastHeartbeat: now,
			CreatedAt:     now,
		},
		applier: applier,
	}
}

// ID returns the node's stable id.
func (n *Node) ID() string {
	return n.info.ID
}

// Pool returns the node's blue-green pool label.
func (n *Node) Pool() types.Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info.Pool
}

// Snapshot returns a copy of the node's current state.
func (n *Node) Snapshot() types.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

// Heartbeat records fresh health counters and bumps the heartbeat clock.
func (n *Node) Heartbeat(counters types.HealthCounters) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info.Counters = counters
	n.info.LastHeartbeat = time.Now()
}

// CurrentArtifact returns the installed artifact reference, or nil.
func (n *Node) CurrentArtifact() *types.ArtifactRef {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.info.CurrentArtifact == nil {
		return nil
	}
	ref := *n.info.CurrentArtifact
	return &ref
}

// ApplyArtifact installs the artifact on the node via the apply capability.
// Reapplying the currently installed artifact is a no-op success. The
// previous artifact is retained to enable rollback.
func (n *Node) ApplyArtifact(ctx context.Context, ref types.ArtifactRef) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return errdefs.Newf(errdefs.KindNodeApplyFailed, "node %s was removed from the registry", n.info.ID)
	}
	if n.info.CurrentArtifact != nil && *n.info.CurrentArtifact == ref {
		return nil
	}

	if err := n.applier.Apply(ctx, n.info.ID, ref); err != nil {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.KindNodeApplyFailed, err, "apply cancelled")
		}
		return errdefs.Wrap(errdefs.KindNodeApplyFailed, err, "apply failed")
	}

	n.info.PreviousArtifact = n.info.CurrentArtifact
	n.info.CurrentArtifact = &ref
	return nil
}

// RollbackArtifact restores the previous artifact. Fails when no previous
// artifact exists. The previous slot is consumed: a second rollback without
// an intervening apply fails.
func (n *Node) RollbackArtifact(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return errdefs.Newf(errdefs.KindNodeApplyFailed, "node %s was removed from the registry", n.info.ID)
	}
	if n.info.PreviousArtifact == nil {
		return errdefs.Newf(errdefs.KindNodeApplyFailed, "node %s has no previous artifact to roll back to", n.info.ID)
	}

	prev := *n.info.PreviousArtifact
	if err := n.applier.Apply(ctx, n.info.ID, prev); err != nil {
		return errdefs.Wrap(errdefs.KindNodeApplyFailed, err, "rollback failed")
	}

	n.info.CurrentArtifact = &prev
	n.info.PreviousArtifact = nil
	n.info.Inconsistent = false
	return nil
}

// MarkInconsistent flags the node for operator attention after a failed
// rollback. No automated action touches the node afterwards.
func (n *Node) MarkInconsistent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.info.Inconsistent = true
}

// Health evaluates the node against thresholds at the given instant.
func (n *Node) Health(now time.Time, heartbeatTimeout time.Duration, thresholds types.HealthThresholds) types.HealthState {
	return EvaluateNode(n.Snapshot(), now, heartbeatTimeout, thresholds)
}

func (n *Node) markRemoved() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = true
}
