// Package etcdlock implements session-scoped locks on etcd.
//
// Locks are concurrency.Mutex keys attached to the lease of a
// concurrency.Session. When the lease expires every handle acquired under
// it is lost and a fresh lease session is created for later acquisitions.
// A gRPC channel in TransientFailure suspends the session.
package etcdlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// BackendName identifies this backend in logs and configuration.
const BackendName = "etcd"

const renewBackoff = time.Second

// Config holds connection settings for Connect.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTimeout is the lease TTL, rounded up to whole seconds.
	SessionTimeout time.Duration
}

// Session is an etcd coordination session. It implements lock.Notifier.
type Session struct {
	client *clientv3.Client
	ttl    int
	logger zerolog.Logger

	broadcaster *lock.Broadcaster
	tracker     *tracker

	mu       sync.Mutex
	session  *concurrency.Session
	reserved map[string]*Mutex
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect dials etcd and creates the first lease session.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Session, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:            cfg.Endpoints,
		DialTimeout:          cfg.DialTimeout,
		DialKeepAliveTime:    2 * time.Second,
		DialKeepAliveTimeout: 2 * time.Second,
		Logger:               zap.NewNop(),
	})
	if err != nil {
		return nil, fmt.Errorf("error building etcd client for %s: %w", cfg.Endpoints[0], err)
	}

	s, err := NewSession(ctx, client, cfg.SessionTimeout, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewSession creates a lease session on client and starts watching it.
// The session takes ownership of client and closes it on Close.
func NewSession(ctx context.Context, client *clientv3.Client, sessionTimeout time.Duration, logger zerolog.Logger) (*Session, error) {
	ttl := int((sessionTimeout + time.Second - 1) / time.Second)
	if ttl <= 0 {
		ttl = 10
	}

	logger = logging.BackendLogger(logger, BackendName)
	s := &Session{
		client:      client,
		ttl:         ttl,
		logger:      logger,
		broadcaster: lock.NewBroadcaster(logger),
		reserved:    make(map[string]*Mutex),
	}
	s.tracker = &tracker{publish: s.broadcaster.Publish}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	session, err := s.newLeaseSession(ctx)
	if err != nil {
		s.cancel()
		s.broadcaster.Close()
		return nil, fmt.Errorf("create etcd lease session: %w", err)
	}
	s.session = session
	s.tracker.connected()

	s.wg.Add(2)
	go s.watchSession()
	go s.watchConnection()

	logger.Info().Int("ttl", ttl).Str("lease", fmt.Sprintf("%x", session.Lease())).Msg("etcd lock session started")
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
	return s.tracker.state()
}

// NewMutex returns a fresh lock primitive for key bound to this session.
func (s *Session) NewMutex(key string) lock.Primitive {
	return &Mutex{session: s, key: key}
}

// Close revokes the current lease, which deletes every lock key of the session, and closes the client.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	session := s.session
	s.mu.Unlock()

	err := session.Close()
	s.cancel()
	s.wg.Wait()
	s.broadcaster.Close()

	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// current returns the live lease session, or an error if there is none.
func (s *Session) current() (*concurrency.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, lock.ErrClientNotStarted
	}
	select {
	case <-s.session.Done():
		return nil, lock.ErrNotConnected
	default:
		return s.session, nil
	}
}

// reserve marks key as taken by m within this session.
func (s *Session) reserve(key string, m *Mutex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[key]; ok {
		return false
	}
	s.reserved[key] = m
	return true
}

func (s *Session) unreserve(key string, m *Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reserved[key] == m {
		delete(s.reserved, key)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) newLeaseSession(ctx context.Context) (*concurrency.Session, error) {
	grantCtx, cancel := context.WithTimeout(ctx, time.Duration(s.ttl)*time.Second)
	defer cancel()

	lease, err := s.client.Grant(grantCtx, int64(s.ttl))
	if err != nil {
		return nil, err
	}

	// Keep-alives run until Close, not until the caller's ctx ends.
	return concurrency.NewSession(s.client,
		concurrency.WithLease(lease.ID),
		concurrency.WithTTL(s.ttl),
		concurrency.WithContext(s.ctx),
	)
}

func (s *Session) watchSession() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		case <-session.Done():
		}

		if s.isClosed() {
			return
		}
		s.logger.Warn().Str("lease", fmt.Sprintf("%x", session.Lease())).Msg("etcd lease session expired")
		s.tracker.sessionExpired()

		if !s.renew() {
			return
		}
		s.tracker.sessionRenewed()
	}
}

// renew replaces the expired lease session, retrying until it succeeds or the session is closed.
func (s *Session) renew() bool {
	for {
		session, err := s.newLeaseSession(s.ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = session.Close()
				return false
			}
			s.session = session
			// Keys of the expired lease are gone with it.
			s.reserved = make(map[string]*Mutex)
			s.mu.Unlock()

			s.logger.Info().Str("lease", fmt.Sprintf("%x", session.Lease())).Msg("etcd lease session renewed")
			return true
		}
		if errors.Is(err, context.Canceled) || s.isClosed() {
			return false
		}

		s.logger.Debug().Err(err).Msg("failed to renew etcd lease session")
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(renewBackoff):
		}
	}
}

func (s *Session) watchConnection() {
	defer s.wg.Done()

	conn := s.client.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(s.ctx, state) {
		state = conn.GetState()
		s.logger.Debug().Str("grpcState", state.String()).Msg("etcd connection state changed")
		s.tracker.connectivity(state)
	}
}

// NewLocker creates a Locker handing out etcd-backed handles.
func NewLocker(s *Session, logger zerolog.Logger, opts ...lock.LockerOption) *lock.Locker {
	return lock.NewLocker(s, s.NewMutex, logging.BackendLogger(logger, BackendName), opts...)
}
