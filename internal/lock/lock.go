// Package lock provides session-scoped distributed locks for coordinating
// work across multiple service instances.
//
// A Locker hands out Handles. A Handle stays acquired until it is released
// by its owner or until the coordination-service session it was acquired
// under becomes unreliable, in which case it is irreversibly marked lost.
package lock

import (
	"context"
	"math"
	"time"
)

// WaitForever makes an acquisition wait until it succeeds or its context is done.
const WaitForever time.Duration = math.MaxInt64

// Primitive is a mutual-exclusion object bound to a coordination-service session.
// Exclusivity is enforced remotely; a Primitive is owned by exactly one Handle
// once acquired and must not be released by anyone else.
type Primitive interface {
	// TryAcquire blocks until the lock is acquired, the timeout elapses or ctx is done.
	// Returns false with a nil error if the timeout elapsed without acquiring.
	TryAcquire(ctx context.Context, timeout time.Duration) (bool, error)

	// Release gives up the remote lock.
	// Returns ErrLockNotHeld if the remote side no longer considers it held.
	Release(ctx context.Context) error
}

// PrimitiveFunc builds a fresh Primitive for a lock key.
type PrimitiveFunc func(key string) Primitive

// WithTimeout derives a context bounded by timeout.
// A WaitForever or negative timeout only inherits the parent's deadline.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 || timeout == WaitForever {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
