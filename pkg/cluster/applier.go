package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// SimulatedApplier models the node-side apply capability with a fixed
// installation latency and optional per-node failure injection. Used by
// the demo fixture cluster and throughout the test suite.
type SimulatedApplier struct {
	// ApplyDuration is the simulated per-node installation time.
	ApplyDuration time.Duration

	mu       sync.Mutex
	failures map[string]string
}

// NewSimulatedApplier creates an applier with the given simulated latency.
func NewSimulatedApplier(applyDuration time.Duration) *SimulatedApplier {
	return &SimulatedApplier{
		ApplyDuration: applyDuration,
		failures:      make(map[string]string),
	}
}

// FailNode makes every subsequent apply against the node fail with reason.
func (a *SimulatedApplier) FailNode(nodeID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[nodeID] = reason
}

// HealNode clears an injected failure.
func (a *SimulatedApplier) HealNode(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, nodeID)
}

// Apply implements Applier.
func (a *SimulatedApplier) Apply(ctx context.Context, nodeID string, ref types.ArtifactRef) error {
	if a.ApplyDuration > 0 {
		timer := time.NewTimer(a.ApplyDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	reason, failed := a.failures[nodeID]
	a.mu.Unlock()
	if failed {
		return errdefs.Newf(errdefs.KindNodeApplyFailed, "simulated failure on node %s: %s", nodeID, reason)
	}
	return nil
}
