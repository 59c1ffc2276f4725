package lock

import (
	"context"
	"time"
)

// DefaultPollInterval is the retry cadence for implementations that must
// poll. Kept well under the 100ms contract ceiling.
const DefaultPollInterval = 50 * time.Millisecond

// Handle represents a held lock. Release is idempotent; the second and
// later calls are no-ops.
type Handle interface {
	Release()
}

// Manager hands out named-resource mutual exclusion. At most one holder
// exists per name at a time; a held lock auto-releases when its TTL
// expires so a crashed holder cannot wedge the resource forever.
//
// Acquire blocks up to waitTimeout (and honors ctx cancellation); on
// timeout it returns a LockContention error.
type Manager interface {
	Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error)
}
