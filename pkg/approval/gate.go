package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/notify"
	"github.com/cuemby/drover/pkg/types"
)

const (
	resolveLockTTL  = 10 * time.Second
	resolveLockWait = 500 * time.Millisecond
)

// Gate manages human approval of deployments into protected
// environments. A pipeline requests an approval and blocks on Await;
// operators resolve it through Approve or Reject, and a sweeper expires
// requests that outlive their deadline. Waiters are woken through
// channels, so every decision path reaches the blocked pipeline exactly
// once.
type Gate struct {
	store    Store
	locks    lock.Manager
	notifier notify.Notifier
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan *types.Approval
}

// NewGate creates a gate over the given store. Resolution paths
// serialize through the lock manager, so two operators deciding the
// same approval concurrently cannot both win.
func NewGate(store Store, locks lock.Manager, notifier notify.Notifier) *Gate {
	return &Gate{
		store:    store,
		locks:    locks,
		notifier: notifier,
		now:      time.Now,
		waiters:  make(map[string][]chan *types.Approval),
	}
}

// WithClock replaces the gate's clock. Test hook.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Request creates a pending approval for an execution, or returns the
// existing one. Idempotent per execution id.
func (g *Gate) Request(ctx context.Context, executionID string, env types.Environment, artifact types.ArtifactRef, requester string, timeout time.Duration) (*types.Approval, error) {
	if existing, err := g.store.GetByExecution(executionID); err == nil {
		return existing, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	now := g.now()
	approval := &types.Approval{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Requester:   requester,
		Environment: env,
		Artifact:    artifact,
		State:       types.ApprovalPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}

	if err := g.store.Create(approval); err != nil {
		if errdefs.IsConflict(err) {
			// Lost a race with a concurrent request for the same execution.
			return g.store.GetByExecution(executionID)
		}
		return nil, err
	}

	metrics.ApprovalsPending.Inc()
	logger := log.WithApprovalID(approval.ID)
	logger.Info().
		Str("execution_id", executionID).
		Str("environment", string(env)).
		Time("expires_at", approval.ExpiresAt).
		Msg("approval requested")

	if err := g.notifier.ApprovalRequested(ctx, approval); err != nil {
		logger.Warn().Err(err).Msg("approval notification failed")
	}

	cp := *approval
	return &cp, nil
}

// Await blocks until the approval is resolved, the approval expires, or
// the context is cancelled. On resolution the resolved record is
// returned with a nil error; the caller inspects its state.
func (g *Gate) Await(ctx context.Context, approvalID string) (*types.Approval, error) {
	g.mu.Lock()
	ch := make(chan *types.Approval, 1)
	g.waiters[approvalID] = append(g.waiters[approvalID], ch)
	g.mu.Unlock()
	defer g.dropWaiter(approvalID, ch)

	// Registered before the re-check so a decision landing in between
	// cannot be lost.
	approval, err := g.store.Get(approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Resolved() {
		return approval, nil
	}

	expiry := time.NewTimer(approval.ExpiresAt.Sub(g.now()))
	defer expiry.Stop()

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-expiry.C:
		if resolved, err := g.expire(ctx, approvalID); err == nil {
			return resolved, nil
		}
		// Someone else resolved or expired it first; read the outcome.
		return g.store.Get(approvalID)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "approval wait cancelled")
	}
}

// Approve records an approval decision. Returns a conflict error if the
// request is already resolved, and an expiry error if its deadline has
// passed (the record transitions to expired in that case).
func (g *Gate) Approve(ctx context.Context, approvalID, resolver, reason string) (*types.Approval, error) {
	return g.resolve(ctx, approvalID, types.ApprovalApproved, resolver, reason)
}

// Reject records a rejection. Same conflict and expiry semantics as
// Approve.
func (g *Gate) Reject(ctx context.Context, approvalID, resolver, reason string) (*types.Approval, error) {
	return g.resolve(ctx, approvalID, types.ApprovalRejected, resolver, reason)
}

// ExpireDue transitions every past-due pending approval to expired,
// waking its waiters. Called by the sweeper; idempotent.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	pending, err := g.store.ListPending()
	if err != nil {
		return 0, err
	}

	expired := 0
	now := g.now()
	for _, a := range pending {
		if now.Before(a.ExpiresAt) {
			continue
		}
		if _, err := g.expire(ctx, a.ID); err == nil {
			expired++
		}
	}
	return expired, nil
}

// DeleteResolvedBefore removes resolved approvals older than cutoff.
func (g *Gate) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	return g.store.DeleteResolvedBefore(cutoff)
}

// Get returns the approval by id.
func (g *Gate) Get(approvalID string) (*types.Approval, error) {
	return g.store.Get(approvalID)
}

// GetByExecution returns the approval gating an execution.
func (g *Gate) GetByExecution(executionID string) (*types.Approval, error) {
	return g.store.GetByExecution(executionID)
}

func (g *Gate) expire(ctx context.Context, approvalID string) (*types.Approval, error) {
	resolved, err := g.resolve(ctx, approvalID, types.ApprovalExpired, "", "approval window elapsed")
	if err != nil && errdefs.KindOf(err) == errdefs.KindApprovalExpired {
		// resolve reports expiry as an error to deciders; for the expiry
		// path itself that is success.
		return resolved, nil
	}
	return resolved, err
}

func (g *Gate) resolve(ctx context.Context, approvalID string, state types.ApprovalState, resolver, reason string) (*types.Approval, error) {
	handle, err := g.acquireResolveLock(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	approval, err := g.store.Get(approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Resolved() {
		return approval, errdefs.Newf(errdefs.KindConflict, "approval %s already %s", approvalID, approval.State)
	}

	now := g.now()
	if state != types.ApprovalExpired && !now.Before(approval.ExpiresAt) {
		// The decision arrived after the deadline. The record expires and
		// the late decider learns why.
		state = types.ApprovalExpired
		resolver = ""
		reason = "approval window elapsed"
	}

	approval.State = state
	approval.Resolver = resolver
	approval.Reason = reason
	approval.ResolvedAt = now
	if err := g.store.Update(approval); err != nil {
		return nil, err
	}

	metrics.ApprovalsPending.Dec()
	metrics.ApprovalsTotal.WithLabelValues(string(state)).Inc()
	logger := log.WithApprovalID(approvalID)
	logger.Info().
		Str("state", string(state)).
		Str("resolver", resolver).
		Msg("approval resolved")

	if err := g.notifier.ApprovalResolved(ctx, approval); err != nil {
		logger.Warn().Err(err).Msg("approval notification failed")
	}

	g.wake(approvalID, approval)

	if state == types.ApprovalExpired {
		return approval, errdefs.Newf(errdefs.KindApprovalExpired, "approval %s expired at %s", approvalID, approval.ExpiresAt.Format(time.RFC3339))
	}
	return approval, nil
}

// acquireResolveLock retries once on contention before giving up, so a
// transiently held lock does not surface to the operator.
func (g *Gate) acquireResolveLock(ctx context.Context, approvalID string) (lock.Handle, error) {
	name := "approval/" + approvalID
	handle, err := g.locks.Acquire(ctx, name, resolveLockTTL, resolveLockWait)
	if err == nil {
		return handle, nil
	}
	if !errdefs.IsLockContention(err) {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.KindLockContention, ctx.Err(), "approval lock wait cancelled")
	case <-time.After(lock.DefaultPollInterval):
	}
	return g.locks.Acquire(ctx, name, resolveLockTTL, resolveLockWait)
}

func (g *Gate) wake(approvalID string, approval *types.Approval) {
	g.mu.Lock()
	waiters := g.waiters[approvalID]
	delete(g.waiters, approvalID)
	g.mu.Unlock()

	for _, ch := range waiters {
		cp := *approval
		ch <- &cp
	}
}

func (g *Gate) dropWaiter(approvalID string, ch chan *types.Approval) {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiters := g.waiters[approvalID]
	for i, w := range waiters {
		if w == ch {
			g.waiters[approvalID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(g.waiters[approvalID]) == 0 {
		delete(g.waiters, approvalID)
	}
}
