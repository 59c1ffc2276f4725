package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

const (
	closeoutLockTTL  = 10 * time.Second
	closeoutLockWait = 500 * time.Millisecond
)

type entry struct {
	exec     *types.PipelineExecution
	storedAt time.Time
}

// Tracker records pipeline executions. Running executions live in the
// in-progress table and terminal ones in the results table; an
// execution id never appears in both, and the close-out that moves it
// across is atomic under the lock manager.
//
// Both tables are in-memory with TTL eviction. Results are best-effort
// observability state, not the system of record.
type Tracker struct {
	locks         lock.Manager
	resultTTL     time.Duration
	inProgressTTL time.Duration
	now           func() time.Time

	mu         sync.RWMutex
	inProgress map[string]entry
	results    map[string]entry
}

// New creates a tracker with the given TTLs.
func New(locks lock.Manager, resultTTL, inProgressTTL time.Duration) *Tracker {
	return &Tracker{
		locks:         locks,
		resultTTL:     resultTTL,
		inProgressTTL: inProgressTTL,
		now:           time.Now,
		inProgress:    make(map[string]entry),
		results:       make(map[string]entry),
	}
}

// WithClock replaces the tracker's clock. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// TrackInProgress upserts the live snapshot of a running execution.
// Idempotent; a snapshot arriving after close-out is dropped so the
// terminal result stays authoritative.
func (t *Tracker) TrackInProgress(exec *types.PipelineExecution) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.results[exec.ExecutionID]; done {
		return
	}
	t.inProgress[exec.ExecutionID] = entry{exec: exec.Clone(), storedAt: t.now()}
}

// RemoveInProgress drops the live snapshot. Idempotent.
func (t *Tracker) RemoveInProgress(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inProgress, executionID)
}

// StoreResult records a terminal execution. Idempotent: the first
// result for an id wins and later writes are ignored.
func (t *Tracker) StoreResult(exec *types.PipelineExecution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeResultLocked(exec)
}

func (t *Tracker) storeResultLocked(exec *types.PipelineExecution) {
	if _, exists := t.results[exec.ExecutionID]; exists {
		return
	}
	t.results[exec.ExecutionID] = entry{exec: exec.Clone(), storedAt: t.now()}
}

// ReplaceResult overwrites a stored result. Used by administrative
// rollback, which legitimately rewrites a terminal state; everything
// else goes through StoreResult's first-write-wins semantics.
func (t *Tracker) ReplaceResult(exec *types.PipelineExecution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[exec.ExecutionID] = entry{exec: exec.Clone(), storedAt: t.now()}
}

// StoreResultAndClearInProgress atomically records the terminal state
// and removes the in-progress snapshot, so no reader observes the
// execution in both tables or in neither. Serialized per execution id
// through the lock manager; contention surfaces as a retryable error.
func (t *Tracker) StoreResultAndClearInProgress(ctx context.Context, exec *types.PipelineExecution) error {
	handle, err := t.locks.Acquire(ctx, "tracker/"+exec.ExecutionID, closeoutLockTTL, closeoutLockWait)
	if err != nil {
		return errdefs.Wrap(errdefs.KindLockContention, err, "tracker close-out contended")
	}
	defer handle.Release()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeResultLocked(exec)
	delete(t.inProgress, exec.ExecutionID)
	return nil
}

// Get returns the execution by id, preferring the terminal result over
// a live snapshot. Expired entries read as not found.
func (t *Tracker) Get(executionID string) (*types.PipelineExecution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if e, ok := t.results[executionID]; ok {
		if now.Sub(e.storedAt) < t.resultTTL {
			return e.exec.Clone(), nil
		}
		delete(t.results, executionID)
	}
	if e, ok := t.inProgress[executionID]; ok {
		if now.Sub(e.storedAt) < t.inProgressTTL {
			return e.exec.Clone(), nil
		}
		delete(t.inProgress, executionID)
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "execution %s not found", executionID)
}

// InProgress reports whether a live snapshot exists for the id.
func (t *Tracker) InProgress(executionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inProgress[executionID]
	return ok
}

// List returns all unexpired executions, newest start first.
func (t *Tracker) List() []*types.PipelineExecution {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []*types.PipelineExecution
	for id, e := range t.results {
		if now.Sub(e.storedAt) >= t.resultTTL {
			delete(t.results, id)
			continue
		}
		out = append(out, e.exec.Clone())
	}
	for id, e := range t.inProgress {
		if now.Sub(e.storedAt) >= t.inProgressTTL {
			delete(t.inProgress, id)
			continue
		}
		out = append(out, e.exec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	return out
}

// Sweep evicts expired entries from both tables, returning the counts
// removed. In-progress entries past their TTL belong to runs that died
// without closing out; they are logged before eviction.
func (t *Tracker) Sweep() (results, inProgress int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, e := range t.results {
		if now.Sub(e.storedAt) >= t.resultTTL {
			delete(t.results, id)
			results++
		}
	}
	for id, e := range t.inProgress {
		if now.Sub(e.storedAt) >= t.inProgressTTL {
			logger := log.WithExecutionID(id)
			logger.Warn().
				Time("tracked_at", e.storedAt).
				Msg("evicting stale in-progress execution")
			delete(t.inProgress, id)
			inProgress++
		}
	}
	return results, inProgress
}
