package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/metrics"
)

// Locker acquires session-scoped locks by key.
// It builds one Primitive per acquisition and wraps a successful one in a Handle.
type Locker struct {
	notifier     Notifier
	newPrimitive PrimitiveFunc
	logger       zerolog.Logger
	lenient      bool
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithStrictLostRelease makes Release on a lost handle return a *LostLockError.
// This is the default.
func WithStrictLostRelease() LockerOption {
	return func(l *Locker) {
		l.lenient = false
	}
}

// WithLenientLostRelease makes Release on a lost handle a logged no-op.
// The primitive is still never called for a lost handle.
func WithLenientLostRelease() LockerOption {
	return func(l *Locker) {
		l.lenient = true
	}
}

// NewLocker creates a Locker that builds primitives with newPrimitive and
// watches the session through notifier.
func NewLocker(notifier Notifier, newPrimitive PrimitiveFunc, logger zerolog.Logger, opts ...LockerOption) *Locker {
	l := &Locker{
		notifier:     notifier,
		newPrimitive: newPrimitive,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire waits until the lock for key is acquired or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (*Handle, error) {
	return l.AcquireWithTimeout(ctx, key, WaitForever)
}

// AcquireWithTimeout waits up to timeout for the lock for key.
//
// It returns a *AcquisitionTimeoutError if the timeout elapsed and a
// *AcquisitionError if the primitive failed. A failed acquisition leaves
// no subscription behind.
func (l *Locker) AcquireWithTimeout(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if key == "" {
		metrics.RecordAcquisition(metrics.OutcomeError, 0)
		return nil, &AcquisitionError{Key: key, Err: ErrInvalidKey}
	}

	start := time.Now()
	p := l.newPrimitive(key)

	acquired, err := p.TryAcquire(ctx, timeout)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordAcquisition(metrics.OutcomeError, elapsed)
		l.logger.Error().Err(err).Str("key", key).Msg("failed to acquire lock")
		return nil, &AcquisitionError{Key: key, Err: err}
	}
	if !acquired {
		metrics.RecordAcquisition(metrics.OutcomeTimeout, elapsed)
		l.logger.Warn().Str("key", key).Dur("timeout", timeout).Msg("failed to acquire lock within timeout")
		return nil, &AcquisitionTimeoutError{Key: key, Timeout: timeout}
	}

	metrics.RecordAcquisition(metrics.OutcomeAcquired, elapsed)
	l.logger.Debug().Str("key", key).Msg("lock acquired")
	return newHandle(key, p, l.notifier, l.logger, l.lenient), nil
}

// WithLock runs fn while holding the lock for key.
//
// The context passed to fn is cancelled with a *LostLockError cause if the
// lock is lost. The lock is released on every return path; fn's error and
// the release error are joined.
func (l *Locker) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	h, err := l.AcquireWithTimeout(ctx, key, timeout)
	if err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-h.Done():
			if h.IsLost() {
				cancel(&LostLockError{Key: key})
			}
		case <-fnCtx.Done():
		}
	}()

	defer func() {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	return fn(fnCtx)
}
