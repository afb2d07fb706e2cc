package etcdlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// reserveInterval is how often a contender re-checks a key held by its own session.
const reserveInterval = 10 * time.Millisecond

// Mutex is a non-reentrant lock on one etcd key prefix.
//
// concurrency.Mutex keys are derived from the lease, so two mutexes of one
// session would share a key. The session's local reservation set makes the
// second one wait like any other contender.
type Mutex struct {
	session *Session
	key     string

	mu       sync.Mutex
	held     *concurrency.Mutex
	lease    clientv3.LeaseID
	reserved bool
}

// TryAcquire waits in the key's revision queue until this contender is first.
// A timed-out contender removes its key before returning.
func (m *Mutex) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.session.current()
	if err != nil {
		return false, err
	}

	start := time.Now()
	ok, err := lock.Poll(ctx, timeout, reserveInterval, func(context.Context) (bool, error) {
		return m.session.reserve(m.key, m), nil
	})
	if err != nil || !ok {
		return false, err
	}
	m.reserved = true

	if timeout != lock.WaitForever && timeout > 0 {
		timeout = max(timeout-time.Since(start), 0)
	}

	acquired, err := m.lock(ctx, session, timeout)
	if !acquired {
		m.unreserve()
	}
	return acquired, err
}

func (m *Mutex) lock(ctx context.Context, session *concurrency.Session, timeout time.Duration) (bool, error) {
	cm := concurrency.NewMutex(session, m.key)

	var err error
	if timeout == 0 {
		err = cm.TryLock(ctx)
		if errors.Is(err, concurrency.ErrLocked) {
			return false, nil
		}
	} else {
		waitCtx, cancel := lock.WithTimeout(ctx, timeout)
		err = cm.Lock(waitCtx)
		timedOut := waitCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err != nil && timedOut {
			return false, nil
		}
	}

	if errors.Is(err, concurrency.ErrSessionExpired) {
		return false, fmt.Errorf("%w: %v", lock.ErrNotConnected, err)
	}
	if err != nil {
		return false, err
	}

	m.held = cm
	m.lease = session.Lease()
	return true, nil
}

// Release deletes the lock key if it is still attached to the lease it was acquired under.
// On a transport error the mutex stays held so the release can be retried.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == nil {
		return lock.ErrLockNotHeld
	}
	key := m.held.Key()

	resp, err := m.session.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(key), "=", m.lease)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return err
	}

	m.held = nil
	m.unreserve()
	if !resp.Succeeded {
		return lock.ErrLockNotHeld
	}
	return nil
}

// Abandon deletes the key of a lost handle in the background.
func (m *Mutex) Abandon() {
	lock.ReleaseInBackground(m.Release, logging.LockLogger(m.session.logger, m.key, BackendName))
}

func (m *Mutex) unreserve() {
	if m.reserved {
		m.session.unreserve(m.key, m)
		m.reserved = false
	}
}
