package lock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/metrics"
)

// Handle represents one successful acquisition of a lock.
//
// A Handle starts acquired and moves exactly once to either released
// (its owner called Release) or lost (the session became unreliable).
// Both are terminal. The primitive is released at most once, only on the
// released path, and the notifier subscription is removed at most once,
// when the handle leaves the acquired state.
//
// A Handle is safe for concurrent use.
type Handle struct {
	key       string
	primitive Primitive
	notifier  Notifier
	logger    zerolog.Logger
	lenient   bool

	state atomic.Int32
	done  chan struct{}

	// Guards the subscription, which may be torn down by the loss
	// callback before newHandle has stored it.
	subMu      sync.Mutex
	sub        Subscription
	subscribed bool
	detached   bool
}

func newHandle(key string, p Primitive, n Notifier, logger zerolog.Logger, lenient bool) *Handle {
	h := &Handle{
		key:       key,
		primitive: p,
		notifier:  n,
		logger:    logger,
		lenient:   lenient,
		done:      make(chan struct{}),
	}
	h.state.Store(int32(stateAcquired))

	sub := n.Subscribe(h.onConnectionStateChange)

	h.subMu.Lock()
	h.sub = sub
	h.subscribed = true
	detached := h.detached
	h.subMu.Unlock()

	// The handle left the acquired state while Subscribe was running.
	if detached {
		n.Unsubscribe(sub)
		return h
	}

	// A state published between acquisition and Subscribe is not replayed.
	if r, ok := n.(StateReporter); ok {
		if state := r.State(); state != 0 && !state.IsConnected() {
			h.onConnectionStateChange(state)
		}
	}
	return h
}

// Key returns the lock key.
func (h *Handle) Key() string {
	return h.key
}

// IsAcquired reports whether the handle still holds the lock.
// Once it returns false it never returns true again.
func (h *Handle) IsAcquired() bool {
	return h.load() == stateAcquired
}

// IsLost reports whether the lock was lost to a connection-state change.
func (h *Handle) IsLost() bool {
	return h.load() == stateLost
}

// Done returns a channel closed when the handle stops being acquired,
// whether by Release or by loss.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Release gives up the lock.
//
// Releasing an already released handle is a no-op. Releasing a lost handle
// returns a *LostLockError unless the Locker was built WithLenientLostRelease.
// If the primitive fails, the handle is still released and a *ReleaseError
// carrying the cause is returned.
func (h *Handle) Release(ctx context.Context) error {
	if h.state.CompareAndSwap(int32(stateAcquired), int32(stateReleased)) {
		defer close(h.done)
		defer h.detach()

		err := h.primitive.Release(ctx)
		if err != nil {
			metrics.RecordRelease(metrics.OutcomeError)
			h.logger.Error().Err(err).Str("key", h.key).Msg("failed to release lock")
			return &ReleaseError{Key: h.key, Err: err}
		}
		metrics.RecordRelease(metrics.OutcomeReleased)
		h.logger.Debug().Str("key", h.key).Msg("lock released")
		return nil
	}

	if h.load() == stateLost {
		metrics.RecordRelease(metrics.OutcomeLost)
		if h.lenient {
			h.logger.Warn().Str("key", h.key).Msg("ignoring release of lost lock")
			return nil
		}
		return &LostLockError{Key: h.key}
	}

	metrics.RecordRelease(metrics.OutcomeNoop)
	h.logger.Debug().Str("key", h.key).Msg("lock already released")
	return nil
}

// Close releases the lock with a background context. It implements io.Closer
// so a Handle can be released with defer.
func (h *Handle) Close() error {
	return h.Release(context.Background())
}

func (h *Handle) onConnectionStateChange(state ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Str("key", h.key).
				Str("state", state.String()).
				Msg("lock loss bookkeeping failed")
		}
	}()

	if state.IsConnected() {
		return
	}

	h.logger.Debug().Str("key", h.key).Str("state", state.String()).Msg("connection state changed")

	if !h.state.CompareAndSwap(int32(stateAcquired), int32(stateLost)) {
		// Stale callback, the handle already left the acquired state.
		return
	}

	h.detach()
	close(h.done)
	metrics.RecordLockLost()
	h.logger.Warn().Str("key", h.key).Str("state", state.String()).Msg("lock is considered lost")

	if a, ok := h.primitive.(Abandoner); ok {
		a.Abandon()
	}
}

// detach removes the notifier subscription exactly once.
func (h *Handle) detach() {
	h.subMu.Lock()
	if h.detached {
		h.subMu.Unlock()
		return
	}
	h.detached = true
	if !h.subscribed {
		// newHandle unsubscribes once Subscribe returns.
		h.subMu.Unlock()
		return
	}
	sub := h.sub
	h.subMu.Unlock()

	h.notifier.Unsubscribe(sub)
}

func (h *Handle) load() handleState {
	return handleState(h.state.Load())
}

// String returns the key and current state, for logs.
func (h *Handle) String() string {
	return h.key + " (" + h.load().String() + ")"
}
