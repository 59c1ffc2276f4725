package approval

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

var (
	bucketApprovals = []byte("approvals")
	bucketByExec    = []byte("approvals_by_execution")
)

// BoltStore persists approvals in BoltDB so pending gates survive a
// process restart. Rows are JSON-encoded under the approval id, with a
// secondary bucket mapping execution id to approval id for the one
// approval per execution rule.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the approval database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "approvals.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open approval database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketApprovals); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByExec)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Create implements Store.
func (s *BoltStore) Create(approval *types.Approval) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byExec := tx.Bucket(bucketByExec)
		if byExec.Get([]byte(approval.ExecutionID)) != nil {
			return errdefs.Newf(errdefs.KindConflict, "approval already exists for execution %s", approval.ExecutionID)
		}

		data, err := json.Marshal(approval)
		if err != nil {
			return fmt.Errorf("failed to marshal approval: %w", err)
		}
		if err := tx.Bucket(bucketApprovals).Put([]byte(approval.ID), data); err != nil {
			return err
		}
		return byExec.Put([]byte(approval.ExecutionID), []byte(approval.ID))
	})
}

// Get implements Store.
func (s *BoltStore) Get(id string) (*types.Approval, error) {
	var approval *types.Approval
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(id))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "approval %s not found", id)
		}
		approval = &types.Approval{}
		return json.Unmarshal(data, approval)
	})
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// GetByExecution implements Store.
func (s *BoltStore) GetByExecution(executionID string) (*types.Approval, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketByExec).Get([]byte(executionID))
		if data == nil {
			return errdefs.Newf(errdefs.KindNotFound, "no approval for execution %s", executionID)
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Update implements Store.
func (s *BoltStore) Update(approval *types.Approval) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b.Get([]byte(approval.ID)) == nil {
			return errdefs.Newf(errdefs.KindNotFound, "approval %s not found", approval.ID)
		}
		data, err := json.Marshal(approval)
		if err != nil {
			return fmt.Errorf("failed to marshal approval: %w", err)
		}
		return b.Put([]byte(approval.ID), data)
	})
}

// ListPending implements Store.
func (s *BoltStore) ListPending() ([]*types.Approval, error) {
	var out []*types.Approval
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(_, v []byte) error {
			var a types.Approval
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if !a.Resolved() {
				out = append(out, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteResolvedBefore implements Store.
func (s *BoltStore) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		byExec := tx.Bucket(bucketByExec)

		var victims []types.Approval
		if err := b.ForEach(func(_, v []byte) error {
			var a types.Approval
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Resolved() && a.ResolvedAt.Before(cutoff) {
				victims = append(victims, a)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, a := range victims {
			if err := b.Delete([]byte(a.ID)); err != nil {
				return err
			}
			if err := byExec.Delete([]byte(a.ExecutionID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
