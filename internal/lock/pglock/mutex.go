package pglock

import (
	"context"
	"time"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// Mutex is a non-reentrant advisory lock on one key.
type Mutex struct {
	session *Session
	key     string

	// Connection the lock was taken on. Guarded by the session mutex.
	conn Conn
}

// TryAcquire retries pg_try_advisory_lock until it succeeds, the timeout elapses or ctx is done.
func (m *Mutex) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return lock.Poll(ctx, timeout, m.session.retryInterval, func(ctx context.Context) (bool, error) {
		return m.session.tryLock(ctx, m)
	})
}

// Release unlocks the advisory lock if the connection it was taken on is still alive.
func (m *Mutex) Release(ctx context.Context) error {
	return m.session.unlock(ctx, m)
}

// Abandon unlocks the advisory lock of a lost handle in the background.
func (m *Mutex) Abandon() {
	lock.ReleaseInBackground(m.Release, logging.LockLogger(m.session.logger, m.key, BackendName))
}
