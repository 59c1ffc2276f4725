package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/drover/pkg/errdefs"
)

var bucketLocks = []byte("locks")

// BoltManager is an advisory lock manager backed by BoltDB. Every process
// pointing at the same database file interprets the locks identically, so
// it serves multi-instance deployments on shared storage. Acquisition is a
// compare-and-set inside a single update transaction; expired rows are
// treated as free.
type BoltManager struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltManager opens (or creates) the lock database in dataDir.
func NewBoltManager(dataDir string) (*BoltManager, error) {
	dbPath := filepath.Join(dataDir, "locks.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltManager{db: db, now: time.Now}, nil
}

// Close closes the lock database.
func (m *BoltManager) Close() error {
	return m.db.Close()
}

type lockRow struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Acquire implements Manager.
func (m *BoltManager) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error) {
	deadline := m.now().Add(waitTimeout)
	token := uuid.New().String()

	for {
		ok, err := m.tryAcquire(name, token, ttl)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "lock store failure")
		}
		if ok {
			return &boltHandle{manager: m, name: name, token: token}, nil
		}
		if m.now().After(deadline) {
			return nil, errdefs.Newf(errdefs.KindLockContention, "lock %q not acquired within %s", name, waitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.KindLockContention, ctx.Err(), "lock acquisition cancelled")
		case <-time.After(DefaultPollInterval):
		}
	}
}

func (m *BoltManager) tryAcquire(name, token string, ttl time.Duration) (bool, error) {
	acquired := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(name)); data != nil {
			var row lockRow
			if err := json.Unmarshal(data, &row); err == nil && m.now().Before(row.ExpiresAt) {
				return nil
			}
		}
		data, err := json.Marshal(lockRow{Token: token, ExpiresAt: m.now().Add(ttl)})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(name), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (m *BoltManager) release(name, token string) {
	// Ownership check inside the same transaction: an expired-and-stolen
	// lock must not be deleted by its previous holder.
	_ = m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var row lockRow
		if err := json.Unmarshal(data, &row); err != nil || row.Token != token {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

type boltHandle struct {
	manager *BoltManager
	name    string
	token   string
	once    sync.Once
}

// Release implements Handle.
func (h *boltHandle) Release() {
	h.once.Do(func() {
		h.manager.release(h.name, h.token)
	})
}
