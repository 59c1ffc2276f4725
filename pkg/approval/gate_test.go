package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/notify"
	"github.com/cuemby/drover/pkg/types"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate(NewMemoryStore(), lock.NewLocalManager(), notify.LogNotifier{})
}

func testRef() types.ArtifactRef {
	return types.ArtifactRef{Name: "payments-api", Version: "2.3.1"}
}

func TestRequestIdempotentPerExecution(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	first, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	second, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "bob", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.Requester)
}

func TestApproveWakesWaiter(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	done := make(chan *types.Approval, 1)
	go func() {
		resolved, err := g.Await(ctx, approval.ID)
		require.NoError(t, err)
		done <- resolved
	}()

	// Give the waiter time to register.
	time.Sleep(50 * time.Millisecond)

	_, err = g.Approve(ctx, approval.ID, "ops-lead", "release window open")
	require.NoError(t, err)

	select {
	case resolved := <-done:
		assert.Equal(t, types.ApprovalApproved, resolved.State)
		assert.Equal(t, "ops-lead", resolved.Resolver)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the decision")
	}
}

func TestRejectWakesWaiter(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvStaging, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	done := make(chan *types.Approval, 1)
	go func() {
		resolved, err := g.Await(ctx, approval.ID)
		require.NoError(t, err)
		done <- resolved
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = g.Reject(ctx, approval.ID, "ops-lead", "failing canary upstream")
	require.NoError(t, err)

	select {
	case resolved := <-done:
		assert.Equal(t, types.ApprovalRejected, resolved.State)
		assert.Equal(t, "failing canary upstream", resolved.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the decision")
	}
}

func TestSecondDecisionConflicts(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	_, err = g.Approve(ctx, approval.ID, "ops-lead", "ok")
	require.NoError(t, err)

	_, err = g.Reject(ctx, approval.ID, "other-lead", "changed my mind")
	assert.True(t, errdefs.IsConflict(err))

	// First decision stands.
	got, err := g.Get(approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, got.State)
	assert.Equal(t, "ops-lead", got.Resolver)
}

func TestLateDecisionExpires(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	// Move the clock past the deadline before any decision lands.
	g.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	_, err = g.Approve(ctx, approval.ID, "ops-lead", "too late")
	assert.True(t, errdefs.IsApprovalExpired(err))

	got, err := g.Get(approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, got.State)
	assert.Empty(t, got.Resolver)
}

func TestAwaitExpiresAtDeadline(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", 80*time.Millisecond)
	require.NoError(t, err)

	resolved, err := g.Await(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, resolved.State)
}

func TestExpireDue(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	past, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Nanosecond)
	require.NoError(t, err)
	fresh, err := g.Request(ctx, "exec-2", types.EnvStaging, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	expired, err := g.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := g.Get(past.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, got.State)

	got, err = g.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, got.State)

	// Re-running finds nothing left to expire.
	expired, err = g.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestAllConcurrentWaitersWoken(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)

	const waiters = 5
	var wg sync.WaitGroup
	states := make(chan types.ApprovalState, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := g.Await(ctx, approval.ID)
			if err == nil {
				states <- resolved.State
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)

	_, err = g.Approve(ctx, approval.ID, "ops-lead", "ok")
	require.NoError(t, err)

	wg.Wait()
	close(states)

	count := 0
	for state := range states {
		assert.Equal(t, types.ApprovalApproved, state)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestAwaitAlreadyResolved(t *testing.T) {
	g := testGate(t)
	ctx := context.Background()

	approval, err := g.Request(ctx, "exec-1", types.EnvProduction, testRef(), "alice", time.Hour)
	require.NoError(t, err)
	_, err = g.Approve(ctx, approval.ID, "ops-lead", "ok")
	require.NoError(t, err)

	resolved, err := g.Await(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, resolved.State)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	a := &types.Approval{
		ID:          "a-1",
		ExecutionID: "exec-1",
		Requester:   "alice",
		Environment: types.EnvProduction,
		Artifact:    testRef(),
		State:       types.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.Create(a))

	// Unique per execution.
	dup := *a
	dup.ID = "a-2"
	err = store.Create(&dup)
	assert.True(t, errdefs.IsConflict(err))

	got, err := store.GetByExecution("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.ID)

	got.State = types.ApprovalApproved
	got.Resolver = "ops-lead"
	got.ResolvedAt = time.Now().UTC()
	require.NoError(t, store.Update(got))

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	deleted, err := store.DeleteResolvedBefore(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get("a-1")
	assert.True(t, errdefs.IsNotFound(err))
}
