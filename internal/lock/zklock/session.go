// Package zklock implements session-scoped locks on ZooKeeper.
//
// Locks follow the ephemeral-sequential recipe: every contender creates an
// ephemeral sequential node under the lock key and waits for its
// predecessor to disappear. Nodes die with the ZooKeeper session, so
// session events drive the handles' loss detection.
package zklock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// BackendName identifies this backend in logs and configuration.
const BackendName = "zookeeper"

// Conn is the subset of *zk.Conn used by the lock recipe.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	Close()
}

// Session is a ZooKeeper coordination session. It implements lock.Notifier.
type Session struct {
	conn   Conn
	logger zerolog.Logger
	acl    []zk.ACL

	broadcaster *lock.Broadcaster
	connected   chan struct{}
	state       atomic.Int32

	mu     sync.Mutex
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds connection settings for Connect.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	ACL            []zk.ACL
}

// zkLogger routes client library output through zerolog.
type zkLogger struct {
	logger zerolog.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Connect dials the ensemble and blocks until a session is established or ctx is done.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Session, error) {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}

	logger = logging.BackendLogger(logger, BackendName)
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{logger: logger}))
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}

	s := NewSession(conn, events, cfg.ACL, logger)

	select {
	case <-s.connected:
		logger.Info().Strs("servers", cfg.Servers).Dur("sessionTimeout", cfg.SessionTimeout).Msg("zookeeper lock session started")
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("connect to zookeeper: %w", ctx.Err())
	}
}

// NewSession wraps an existing connection and its session event channel.
// A nil acl means world-readable and writable nodes.
func NewSession(conn Conn, events <-chan zk.Event, acl []zk.ACL, logger zerolog.Logger) *Session {
	if acl == nil {
		acl = zk.WorldACL(zk.PermAll)
	}

	s := &Session{
		conn:        conn,
		logger:      logger,
		acl:         acl,
		broadcaster: lock.NewBroadcaster(logger),
		connected:   make(chan struct{}),
		stopCh:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.pump(events)
	return s
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
	return lock.ConnectionState(s.state.Load())
}

// NewMutex returns a fresh lock primitive for key bound to this session.
// Keys without a leading slash are rooted at "/".
func (s *Session) NewMutex(key string) lock.Primitive {
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return &Mutex{session: s, key: key}
}

// Close closes the ZooKeeper connection, which deletes every lock node of the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close()
	close(s.stopCh)
	s.wg.Wait()
	s.broadcaster.Close()
	return nil
}

// client returns the connection, or ErrClientNotStarted once the session is closed.
func (s *Session) client() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, lock.ErrClientNotStarted
	}
	return s.conn, nil
}

func (s *Session) pump(events <-chan zk.Event) {
	defer s.wg.Done()

	var current lock.ConnectionState
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}

			next, changed := nextState(current, ev.State)
			if !changed {
				continue
			}
			if next == lock.StateConnected {
				close(s.connected)
			}

			s.logger.Debug().
				Str("zkState", ev.State.String()).
				Str("state", next.String()).
				Msg("zookeeper session state changed")
			current = next
			s.state.Store(int32(next))
			s.broadcaster.Publish(next)
		}
	}
}

// nextState maps a ZooKeeper session event onto the connection-state machine.
func nextState(current lock.ConnectionState, zkState zk.State) (lock.ConnectionState, bool) {
	switch zkState {
	case zk.StateHasSession:
		switch current {
		case 0:
			return lock.StateConnected, true
		case lock.StateSuspended, lock.StateLost:
			return lock.StateReconnected, true
		}
	case zk.StateDisconnected:
		if current.IsConnected() {
			return lock.StateSuspended, true
		}
	case zk.StateExpired, zk.StateAuthFailed:
		if current != 0 && current != lock.StateLost {
			return lock.StateLost, true
		}
	}
	return current, false
}

// NewLocker creates a Locker handing out ZooKeeper-backed handles.
func NewLocker(s *Session, logger zerolog.Logger, opts ...lock.LockerOption) *lock.Locker {
	return lock.NewLocker(s, s.NewMutex, logging.BackendLogger(logger, BackendName), opts...)
}
