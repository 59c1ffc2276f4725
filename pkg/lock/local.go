package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/drover/pkg/errdefs"
)

// LocalManager is an in-process lock manager. Suitable only for
// single-instance deployments; multi-instance deployments need a shared
// backing store such as the bolt-backed manager.
type LocalManager struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	clock func(d time.Duration) <-chan time.Time
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

// NewLocalManager creates an in-process lock manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{
		held:  make(map[string]localEntry),
		now:   time.Now,
		clock: func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// Acquire implements Manager.
func (m *LocalManager) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error) {
	deadline := m.now().Add(waitTimeout)
	token := uuid.New().String()

	for {
		if m.tryAcquire(name, token, ttl) {
			return &localHandle{manager: m, name: name, token: token}, nil
		}
		if m.now().After(deadline) {
			return nil, errdefs.Newf(errdefs.KindLockContention, "lock %q not acquired within %s", name, waitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.KindLockContention, ctx.Err(), "lock acquisition cancelled")
		case <-m.clock(DefaultPollInterval):
		}
	}
}

func (m *LocalManager) tryAcquire(name, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, held := m.held[name]
	if held && m.now().Before(entry.expiresAt) {
		return false
	}
	m.held[name] = localEntry{token: token, expiresAt: m.now().Add(ttl)}
	return true
}

func (m *LocalManager) release(name, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Only the current holder may release; a TTL-expired lock may have
	// been reacquired by someone else.
	if entry, held := m.held[name]; held && entry.token == token {
		delete(m.held, name)
	}
}

type localHandle struct {
	manager *LocalManager
	name    string
	token   string
	once    sync.Once
}

// Release implements Handle.
func (h *localHandle) Release() {
	h.once.Do(func() {
		h.manager.release(h.name, h.token)
	})
}
