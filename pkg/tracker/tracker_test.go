package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/types"
)

func testExec(id string, status types.ExecutionState) *types.PipelineExecution {
	return &types.PipelineExecution{
		ExecutionID: id,
		Artifact:    types.ArtifactRef{Name: "payments-api", Version: "2.3.1"},
		Environment: types.EnvQA,
		Status:      status,
		StartedAt:   time.Now().UTC(),
	}
}

func newTestTracker() *Tracker {
	return New(lock.NewLocalManager(), 24*time.Hour, 2*time.Hour)
}

func TestInProgressLifecycle(t *testing.T) {
	tr := newTestTracker()

	exec := testExec("exec-1", types.ExecutionRunning)
	tr.TrackInProgress(exec)
	assert.True(t, tr.InProgress("exec-1"))

	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, got.Status)

	// Upsert replaces the snapshot.
	exec.Status = types.ExecutionRunning
	exec.Message = "deploy stage"
	tr.TrackInProgress(exec)
	got, err = tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy stage", got.Message)

	tr.RemoveInProgress("exec-1")
	tr.RemoveInProgress("exec-1") // idempotent
	_, err = tr.Get("exec-1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCloseOutIsAtomic(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	running := testExec("exec-1", types.ExecutionRunning)
	tr.TrackInProgress(running)

	final := testExec("exec-1", types.ExecutionSucceeded)
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, final))

	// Never both: the in-progress snapshot is gone and only the terminal
	// result is visible.
	assert.False(t, tr.InProgress("exec-1"))
	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionSucceeded, got.Status)
	assert.Len(t, tr.List(), 1)
}

func TestFirstResultWins(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	first := testExec("exec-1", types.ExecutionFailed)
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, first))

	second := testExec("exec-1", types.ExecutionSucceeded)
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, second))

	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)
}

func TestLateSnapshotDroppedAfterCloseOut(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	final := testExec("exec-1", types.ExecutionSucceeded)
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, final))

	// A straggling live update must not resurrect the in-progress entry.
	tr.TrackInProgress(testExec("exec-1", types.ExecutionRunning))
	assert.False(t, tr.InProgress("exec-1"))

	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionSucceeded, got.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	tr := newTestTracker()

	exec := testExec("exec-1", types.ExecutionRunning)
	exec.Stages = []*types.StageStatus{{Stage: types.StageBuild, State: types.StageRunning}}
	tr.TrackInProgress(exec)

	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	got.Stages[0].State = types.StageFailed

	again, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageRunning, again.Stages[0].State)
}

func TestTTLEviction(t *testing.T) {
	base := time.Now()
	clock := base
	tr := New(lock.NewLocalManager(), 24*time.Hour, 2*time.Hour).
		WithClock(func() time.Time { return clock })
	ctx := context.Background()

	tr.TrackInProgress(testExec("live", types.ExecutionRunning))
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, testExec("done", types.ExecutionSucceeded)))

	// Past the in-progress TTL but inside the result TTL.
	clock = base.Add(3 * time.Hour)
	results, inProgress := tr.Sweep()
	assert.Equal(t, 0, results)
	assert.Equal(t, 1, inProgress)

	_, err := tr.Get("live")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = tr.Get("done")
	assert.NoError(t, err)

	// Past the result TTL too.
	clock = base.Add(25 * time.Hour)
	results, _ = tr.Sweep()
	assert.Equal(t, 1, results)
	_, err = tr.Get("done")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListNewestFirst(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	older := testExec("exec-old", types.ExecutionSucceeded)
	older.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, tr.StoreResultAndClearInProgress(ctx, older))

	newer := testExec("exec-new", types.ExecutionRunning)
	tr.TrackInProgress(newer)

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "exec-new", list[0].ExecutionID)
	assert.Equal(t, "exec-old", list[1].ExecutionID)
}

func TestConcurrentCloseOutSingleResult(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.TrackInProgress(testExec("exec-1", types.ExecutionRunning))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		status := types.ExecutionSucceeded
		if i%2 == 1 {
			status = types.ExecutionFailed
		}
		wg.Add(1)
		go func(s types.ExecutionState) {
			defer wg.Done()
			_ = tr.StoreResultAndClearInProgress(ctx, testExec("exec-1", s))
		}(status)
	}
	wg.Wait()

	assert.False(t, tr.InProgress("exec-1"))
	got, err := tr.Get("exec-1")
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	assert.Len(t, tr.List(), 1)
}
