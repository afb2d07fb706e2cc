// Package redislock implements session-scoped locks on Redis.
//
// A Session owns a random token. Every lock acquired through the session
// stores that token as its value with a TTL, and the session keeps the TTLs
// alive while Redis is reachable. If Redis stays unreachable for a whole TTL,
// or a held key no longer carries the token, the session is considered
// expired: a new token is issued and every handle acquired under the old one
// is lost.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// BackendName identifies this backend in logs and configuration.
const BackendName = "redis"

const (
	defaultTTL           = 10 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
)

// Lua script for atomic check-and-delete.
// Only delete if the value matches (we own the lock).
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Lua script for atomic check-and-extend.
// Only extend if the value matches (we own the lock).
var extendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// Session is a Redis coordination session. It implements lock.Notifier.
type Session struct {
	client redis.UniversalClient
	logger zerolog.Logger

	ttl           time.Duration
	retryInterval time.Duration
	probeInterval time.Duration

	broadcaster *lock.Broadcaster
	monitor     *lock.SessionMonitor

	mu     sync.Mutex
	token  string
	held   map[string]string // key -> token
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithTTL sets the expiration of lock keys, which is also the session timeout.
func WithTTL(ttl time.Duration) Option {
	return func(s *Session) {
		s.ttl = ttl
	}
}

// WithRetryInterval sets how often a contended acquisition retries SET NX.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Session) {
		s.retryInterval = d
	}
}

// WithHeartbeatInterval sets how often the session is probed and held keys extended.
// Defaults to a third of the TTL.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		s.probeInterval = d
	}
}

// Open verifies that Redis is reachable and starts the session heartbeat.
// The session takes ownership of client and closes it on Close.
func Open(ctx context.Context, client redis.UniversalClient, logger zerolog.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		client:        client,
		logger:        logging.BackendLogger(logger, BackendName),
		ttl:           defaultTTL,
		retryInterval: defaultRetryInterval,
		token:         uuid.NewString(),
		held:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probeInterval <= 0 {
		s.probeInterval = s.ttl / 3
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s.broadcaster = lock.NewBroadcaster(s.logger)
	s.monitor = lock.NewSessionMonitor(s, s.broadcaster, s.logger,
		lock.WithProbeInterval(s.probeInterval),
		lock.WithProbeTimeout(s.probeInterval),
		lock.WithSessionTimeout(s.ttl),
		lock.WithOnExpire(s.renew),
	)
	s.monitor.Start(context.Background())

	s.logger.Info().Dur("ttl", s.ttl).Msg("redis lock session started")
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

// Probe pings Redis and extends every held key.
// Returns lock.ErrSessionExpired if a held key no longer carries the session token.
func (s *Session) Probe(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return err
	}

	token, keys := s.snapshot()
	for _, key := range keys {
		result, err := extendScript.Run(ctx, s.client, []string{key}, token, s.ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		if result == 0 && s.holds(key, token) {
			return fmt.Errorf("key %s: %w", key, lock.ErrSessionExpired)
		}
	}
	return nil
}

// Close stops the heartbeat, releases keys still held and closes the client.
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

	token, keys := s.drain(false)
	s.cleanup(context.Background(), token, keys)

	return s.client.Close()
}

// renew issues a new token after the session expired. Keys still carrying
// the old token are deleted so other sessions do not wait for their TTL.
func (s *Session) renew() {
	ctx, cancel := context.WithTimeout(context.Background(), s.probeInterval)
	defer cancel()

	token, keys := s.drain(true)
	s.cleanup(ctx, token, keys)

	s.logger.Warn().Int("keys", len(keys)).Msg("redis lock session renewed")
}

// drain forgets every held key and returns them with the token they were
// acquired under, optionally issuing a new token in the same step.
func (s *Session) drain(rotate bool) (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.token
	keys := make([]string, 0, len(s.held))
	for key := range s.held {
		keys = append(keys, key)
	}
	s.held = make(map[string]string)
	if rotate {
		s.token = uuid.NewString()
	}
	return token, keys
}

func (s *Session) cleanup(ctx context.Context, token string, keys []string) {
	for _, key := range keys {
		if err := releaseScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("failed to clean up lock key")
		}
	}
}

func (s *Session) snapshot() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.held))
	for key := range s.held {
		keys = append(keys, key)
	}
	return s.token, keys
}

// currentToken returns the session token, or an error once the session is closed.
func (s *Session) currentToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", lock.ErrClientNotStarted
	}
	return s.token, nil
}

// track records key as held under token.
// Returns false if the session was renewed or closed in the meantime.
func (s *Session) track(key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.token != token {
		return false
	}
	s.held[key] = token
	return true
}

// holds reports whether key is still tracked under token.
func (s *Session) holds(key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.held[key] == token
}

// untrack forgets key unless it was acquired again under another token.
func (s *Session) untrack(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[key] == token {
		delete(s.held, key)
	}
}

// NewLocker creates a Locker handing out Redis-backed handles.
func NewLocker(s *Session, logger zerolog.Logger, opts ...lock.LockerOption) *lock.Locker {
	return lock.NewLocker(s, s.NewMutex, logging.BackendLogger(logger, BackendName), opts...)
}
