package approval

import (
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Store persists approval records. The approval state must outlive a
// process restart, so production deployments use the bolt-backed store;
// MemoryStore backs tests and throwaway runs.
type Store interface {
	// Create inserts a new approval. At most one approval may exist per
	// execution id; a second insert returns a conflict error.
	Create(approval *types.Approval) error

	// Get returns the approval by approval id.
	Get(id string) (*types.Approval, error)

	// GetByExecution returns the approval for an execution id.
	GetByExecution(executionID string) (*types.Approval, error)

	// Update overwrites an existing approval row.
	Update(approval *types.Approval) error

	// ListPending returns all unresolved approvals.
	ListPending() ([]*types.Approval, error)

	// DeleteResolvedBefore removes resolved approvals whose resolution
	// time is older than cutoff, returning the number deleted.
	DeleteResolvedBefore(cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*types.Approval
	byExecution map[string]string // execution id -> approval id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*types.Approval),
		byExecution: make(map[string]string),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(approval *types.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExecution[approval.ExecutionID]; exists {
		return errdefs.Newf(errdefs.KindConflict, "approval already exists for execution %s", approval.ExecutionID)
	}
	cp := *approval
	s.byID[approval.ID] = &cp
	s.byExecution[approval.ExecutionID] = approval.ID
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (*types.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "approval %s not found", id)
	}
	cp := *a
	return &cp, nil
}

// GetByExecution implements Store.
func (s *MemoryStore) GetByExecution(executionID string) (*types.Approval, error) {
	s.mu.RLock()
	id, ok := s.byExecution[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no approval for execution %s", executionID)
	}
	return s.Get(id)
}

// Update implements Store.
func (s *MemoryStore) Update(approval *types.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[approval.ID]; !ok {
		return errdefs.Newf(errdefs.KindNotFound, "approval %s not found", approval.ID)
	}
	cp := *approval
	s.byID[approval.ID] = &cp
	return nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending() ([]*types.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Approval
	for _, a := range s.byID {
		if !a.Resolved() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeleteResolvedBefore implements Store.
func (s *MemoryStore) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, a := range s.byID {
		if a.Resolved() && a.ResolvedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byExecution, a.ExecutionID)
			deleted++
		}
	}
	return deleted, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
