package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Prober checks the health of a coordination session.
// Probe returns ErrSessionExpired once locks held under the session are gone.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// SessionMonitor polls a Prober and publishes the resulting connection
// states on a Broadcaster.
//
// The first successful probe publishes CONNECTED. A failed probe while
// connected publishes SUSPENDED. Failures lasting sessionTimeout, or a
// probe returning ErrSessionExpired, publish LOST. A successful probe after
// SUSPENDED or LOST publishes RECONNECTED.
type SessionMonitor struct {
	prober      Prober
	broadcaster *Broadcaster
	logger      zerolog.Logger

	interval       time.Duration
	sessionTimeout time.Duration
	probeTimeout   time.Duration
	onExpire       func()
	now            func() time.Time

	// Only touched by the monitor goroutine.
	current     ConnectionState
	suspendedAt time.Time

	// Last published state, for readers outside the monitor goroutine.
	state atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// SessionMonitorOption configures a SessionMonitor.
type SessionMonitorOption func(*SessionMonitor)

// WithProbeInterval sets how often the session is probed.
// Should be well below the session timeout (e.g., timeout/3).
func WithProbeInterval(d time.Duration) SessionMonitorOption {
	return func(m *SessionMonitor) {
		m.interval = d
	}
}

// WithSessionTimeout sets how long a suspended session may stay unreachable
// before it is considered lost.
func WithSessionTimeout(d time.Duration) SessionMonitorOption {
	return func(m *SessionMonitor) {
		m.sessionTimeout = d
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) SessionMonitorOption {
	return func(m *SessionMonitor) {
		m.probeTimeout = d
	}
}

// WithOnExpire sets a callback run on the monitor goroutine right after LOST
// is published, so the owner can start a new session.
func WithOnExpire(fn func()) SessionMonitorOption {
	return func(m *SessionMonitor) {
		m.onExpire = fn
	}
}

// NewSessionMonitor creates a monitor publishing to broadcaster.
func NewSessionMonitor(prober Prober, broadcaster *Broadcaster, logger zerolog.Logger, opts ...SessionMonitorOption) *SessionMonitor {
	m := &SessionMonitor{
		prober:         prober,
		broadcaster:    broadcaster,
		logger:         logger,
		interval:       time.Second, // Default: probe every 1s for a 10s session
		sessionTimeout: 10 * time.Second,
		probeTimeout:   time.Second,
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start probes once immediately and then every probe interval until Stop
// is called or ctx is done.
func (m *SessionMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop stops probing and waits for the monitor goroutine to exit.
func (m *SessionMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *SessionMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *SessionMonitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	switch {
	case err == nil:
		switch m.current {
		case 0:
			m.publish(StateConnected)
		case StateSuspended, StateLost:
			m.publish(StateReconnected)
		}

	case errors.Is(err, ErrSessionExpired):
		m.logger.Warn().Err(err).Msg("coordination session expired")
		m.expire()

	default:
		switch m.current {
		case StateConnected, StateReconnected:
			m.logger.Warn().Err(err).Msg("coordination session probe failed")
			m.suspendedAt = m.now()
			m.publish(StateSuspended)
		case StateSuspended:
			if m.now().Sub(m.suspendedAt) >= m.sessionTimeout {
				m.logger.Warn().Err(err).Dur("sessionTimeout", m.sessionTimeout).Msg("coordination session timed out")
				m.expire()
			}
		default:
			m.logger.Debug().Err(err).Msg("coordination session unavailable")
		}
	}
}

func (m *SessionMonitor) expire() {
	if m.current == StateLost {
		return
	}
	m.publish(StateLost)
	if m.onExpire != nil {
		m.onExpire()
	}
}

// State returns the last published connection state, or 0 before the first successful probe.
func (m *SessionMonitor) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

func (m *SessionMonitor) publish(state ConnectionState) {
	m.current = state
	m.state.Store(int32(state))
	m.broadcaster.Publish(state)
}
