package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/metrics"
)

// LeaderElector manages leader election on top of a Locker.
// It keeps trying to acquire one key and holds it until the lock is lost
// or Stop is called.
type LeaderElector struct {
	locker *Locker
	key    string
	logger zerolog.Logger

	isLeader       atomic.Bool
	acquireTimeout time.Duration
	retryBackoff   time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithAcquireTimeout sets how long each acquisition attempt waits.
func WithAcquireTimeout(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.acquireTimeout = d
	}
}

// WithRetryBackoff sets how long to wait before retrying to acquire leadership.
func WithRetryBackoff(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.retryBackoff = d
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a new leader elector competing for key.
func NewLeaderElector(locker *Locker, key string, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		locker:         locker,
		key:            key,
		logger:         logger.With().Str("key", key).Logger(),
		acquireTimeout: 5 * time.Second,
		retryBackoff:   5 * time.Second,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the leader election loop.
// It will continuously try to acquire and maintain leadership until Stop is called.
func (e *LeaderElector) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the leader election loop and releases leadership if held.
func (e *LeaderElector) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		h := e.tryAcquire(ctx)
		if h != nil && e.lead(ctx, h) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-time.After(e.retryBackoff):
		}
	}
}

func (e *LeaderElector) tryAcquire(ctx context.Context) *Handle {
	h, err := e.locker.AcquireWithTimeout(ctx, e.key, e.acquireTimeout)
	if err != nil {
		if errors.Is(err, ErrAcquisitionTimeout) {
			e.logger.Debug().Msg("another instance is leader")
		} else {
			e.logger.Error().Err(err).Msg("failed to acquire leadership")
		}
		return nil
	}
	return h
}

// lead holds leadership until the handle is lost or the elector stops.
// It reports whether the elector should exit.
func (e *LeaderElector) lead(ctx context.Context, h *Handle) bool {
	e.logger.Info().Msg("acquired leadership")
	e.isLeader.Store(true)
	metrics.RecordLeadership("acquired")
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}

	stop := false
	select {
	case <-h.Done():
		e.logger.Warn().Msg("lost leadership")
	case <-ctx.Done():
		stop = true
	case <-e.stopCh:
		stop = true
	}

	if stop {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership on shutdown")
		} else {
			e.logger.Info().Msg("released leadership on shutdown")
		}
	}

	e.isLeader.Store(false)
	metrics.RecordLeadership("lost")
	if e.onLoseLeader != nil {
		e.onLoseLeader()
	}
	return stop
}
