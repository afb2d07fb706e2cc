// Package pglock implements session-scoped locks on PostgreSQL advisory locks.
//
// A Session owns one dedicated connection. Advisory locks taken with
// pg_try_advisory_lock live exactly as long as that connection, so a broken
// connection means every handle acquired on it is lost. The session then
// dials a new connection for later acquisitions.
package pglock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// BackendName identifies this backend in logs and configuration.
const BackendName = "postgres"

const (
	tryLockSQL = "SELECT pg_try_advisory_lock(hashtextextended($1, 0))"
	unlockSQL  = "SELECT pg_advisory_unlock(hashtextextended($1, 0))"

	defaultRetryInterval  = 100 * time.Millisecond
	defaultSessionTimeout = 10 * time.Second
)

// Conn is the subset of *pgx.Conn used by the session.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens a new dedicated connection.
type Dialer func(ctx context.Context) (Conn, error)

// Session is a PostgreSQL coordination session. It implements lock.Notifier.
type Session struct {
	dial   Dialer
	logger zerolog.Logger

	retryInterval  time.Duration
	probeInterval  time.Duration
	sessionTimeout time.Duration

	broadcaster *lock.Broadcaster
	monitor     *lock.SessionMonitor

	// Guards the connection, which is not safe for concurrent use,
	// and the locks held on it.
	mu     sync.Mutex
	conn   Conn
	held   map[string]*Mutex
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithRetryInterval sets how often a contended acquisition retries.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Session) {
		s.retryInterval = d
	}
}

// WithHeartbeatInterval sets how often the connection is pinged.
// Defaults to a third of the session timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		s.probeInterval = d
	}
}

// WithSessionTimeout sets how long the connection may stay unresponsive
// before its locks are given up.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.sessionTimeout = d
	}
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string, logger zerolog.Logger, opts ...Option) (*Session, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	dial := func(ctx context.Context) (Conn, error) {
		return pgx.ConnectConfig(ctx, config)
	}
	return NewSession(ctx, dial, logger, opts...)
}

// NewSession dials the first connection and starts the session heartbeat.
func NewSession(ctx context.Context, dial Dialer, logger zerolog.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		dial:           dial,
		logger:         logging.BackendLogger(logger, BackendName),
		retryInterval:  defaultRetryInterval,
		sessionTimeout: defaultSessionTimeout,
		held:           make(map[string]*Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probeInterval <= 0 {
		s.probeInterval = s.sessionTimeout / 3
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s.conn = conn

	s.broadcaster = lock.NewBroadcaster(s.logger)
	s.monitor = lock.NewSessionMonitor(s, s.broadcaster, s.logger,
		lock.WithProbeInterval(s.probeInterval),
		lock.WithProbeTimeout(s.probeInterval),
		lock.WithSessionTimeout(s.sessionTimeout),
		lock.WithOnExpire(s.reset),
	)
	s.monitor.Start(context.Background())

	s.logger.Info().Dur("sessionTimeout", s.sessionTimeout).Msg("postgres lock session started")
	return s, nil
}

// Subscribe implements lock.Notifier.
func (s *Session) Subscribe(l lock.Listener) lock.Subscription {
	return s.broadcaster.Subscribe(l)
}

// Unsubscribe implements lock.Notifier.
func (s *Session) Unsubscribe(sub lock.Subscription) {
	s.broadcaster.Unsubscribe(sub)
}

// State returns the session's current connection state.
func (s *Session) State() lock.ConnectionState {
	return s.monitor.State()
}

// NewMutex returns a fresh lock primitive for key bound to this session.
func (s *Session) NewMutex(key string) lock.Primitive {
	return &Mutex{session: s, key: key}
}

// Probe pings the connection, or dials a new one once it is gone.
// Returns lock.ErrSessionExpired when the connection holding the locks was lost.
func (s *Session) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lock.ErrClientNotStarted
	}

	if s.conn != nil {
		if !s.conn.IsClosed() {
			return s.conn.Ping(ctx)
		}
		s.dropLocked()
		return fmt.Errorf("%w: connection closed", lock.ErrSessionExpired)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info().Msg("postgres lock session reconnected")
	return nil
}

// Close stops the heartbeat and closes the connection, which releases every advisory lock.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.monitor.Stop()
	s.broadcaster.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.probeInterval)
		err = s.conn.Close(ctx)
		cancel()
		s.conn = nil
	}
	s.held = make(map[string]*Mutex)
	return err
}

// reset gives up a connection that stayed unresponsive for the session timeout.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.probeInterval)
	defer cancel()

	if err := s.conn.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close unresponsive connection")
	}
	s.dropLocked()
}

// dropLocked forgets the connection and the locks that went with it.
func (s *Session) dropLocked() {
	s.conn = nil
	s.held = make(map[string]*Mutex)
}

// tryLock takes the advisory lock for m once.
// A key already held within this session counts as contended.
func (s *Session) tryLock(ctx context.Context, m *Mutex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, lock.ErrClientNotStarted
	}
	if s.conn == nil || s.conn.IsClosed() {
		return false, lock.ErrNotConnected
	}
	if _, ok := s.held[m.key]; ok {
		return false, nil
	}

	var acquired bool
	if err := s.conn.QueryRow(ctx, tryLockSQL, m.key).Scan(&acquired); err != nil {
		return false, err
	}
	if acquired {
		s.held[m.key] = m
		m.conn = s.conn
	}
	return acquired, nil
}

// unlock releases the advisory lock held by m.
func (s *Session) unlock(ctx context.Context, m *Mutex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[m.key] != m || s.conn != m.conn {
		return lock.ErrLockNotHeld
	}
	if s.closed {
		return lock.ErrClientNotStarted
	}

	var released bool
	if err := s.conn.QueryRow(ctx, unlockSQL, m.key).Scan(&released); err != nil {
		return err
	}
	delete(s.held, m.key)

	if !released {
		return lock.ErrLockNotHeld
	}
	return nil
}

// NewLocker creates a Locker handing out PostgreSQL-backed handles.
func NewLocker(s *Session, logger zerolog.Logger, opts ...lock.LockerOption) *lock.Locker {
	return lock.NewLocker(s, s.NewMutex, logging.BackendLogger(logger, BackendName), opts...)
}
