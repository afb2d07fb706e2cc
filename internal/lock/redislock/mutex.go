package redislock

import (
	"context"
	"sync"
	"time"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// Mutex is a non-reentrant lock on one Redis key.
// It uses SET NX with expiration for atomic lock acquisition.
type Mutex struct {
	session *Session
	key     string

	mu    sync.Mutex
	token string
	held  bool
}

// TryAcquire retries SET NX until the key is set, the timeout elapses or ctx is done.
func (m *Mutex) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.session.currentToken(); err != nil {
		return false, err
	}

	return lock.Poll(ctx, timeout, m.session.retryInterval, func(ctx context.Context) (bool, error) {
		token, err := m.session.currentToken()
		if err != nil {
			return false, err
		}

		// SET key token NX PX ttl
		ok, err := m.session.client.SetNX(ctx, m.key, token, m.session.ttl).Result()
		if err != nil || !ok {
			return false, err
		}

		if !m.session.track(m.key, token) {
			// The session expired while SET NX was in flight; the key belongs to a dead token.
			_ = releaseScript.Run(context.WithoutCancel(ctx), m.session.client, []string{m.key}, token).Err()
			return false, nil
		}

		m.token = token
		m.held = true
		return true, nil
	})
}

// Release deletes the key if it still carries the token it was acquired with.
// On a transport error the mutex stays held so the release can be retried.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return lock.ErrLockNotHeld
	}

	// Stop extending the key before deleting it, or a heartbeat in between
	// would report the session as expired.
	m.session.untrack(m.key, m.token)

	result, err := releaseScript.Run(ctx, m.session.client, []string{m.key}, m.token).Int64()
	if err != nil {
		m.session.track(m.key, m.token)
		return err
	}

	m.held = false
	if result == 0 {
		return lock.ErrLockNotHeld
	}
	return nil
}

// Abandon deletes the key of a lost handle in the background.
func (m *Mutex) Abandon() {
	lock.ReleaseInBackground(m.Release, logging.LockLogger(m.session.logger, m.key, BackendName))
}
