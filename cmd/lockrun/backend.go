package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/config"
	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/lock/etcdlock"
	"github.com/kneutral-org/sessionlock/internal/lock/pglock"
	"github.com/kneutral-org/sessionlock/internal/lock/redislock"
	"github.com/kneutral-org/sessionlock/internal/lock/zklock"
)

// backend is an open coordination session and the locker built on it.
type backend struct {
	name   string
	locker *lock.Locker
	state  func() lock.ConnectionState
	close  func() error
}

// openBackend opens a session on the configured coordination service.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	var opts []lock.LockerOption
	if cfg.LenientLostRelease {
		opts = append(opts, lock.WithLenientLostRelease())
	}

	switch cfg.Backend {
	case config.BackendZookeeper:
		s, err := zklock.Connect(ctx, zklock.Config{
			Servers:        cfg.ZKServers,
			SessionTimeout: cfg.SessionTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &backend{name: zklock.BackendName, locker: zklock.NewLocker(s, logger, opts...), state: s.State, close: s.Close}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		redisOpts := []redislock.Option{redislock.WithTTL(cfg.SessionTimeout)}
		if cfg.HeartbeatInterval > 0 {
			redisOpts = append(redisOpts, redislock.WithHeartbeatInterval(cfg.HeartbeatInterval))
		}
		s, err := redislock.Open(ctx, client, logger, redisOpts...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backend{name: redislock.BackendName, locker: redislock.NewLocker(s, logger, opts...), state: s.State, close: s.Close}, nil

	case config.BackendEtcd:
		s, err := etcdlock.Connect(ctx, etcdlock.Config{
			Endpoints:      cfg.EtcdEndpoints,
			SessionTimeout: cfg.SessionTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &backend{name: etcdlock.BackendName, locker: etcdlock.NewLocker(s, logger, opts...), state: s.State, close: s.Close}, nil

	case config.BackendPostgres:
		pgOpts := []pglock.Option{pglock.WithSessionTimeout(cfg.SessionTimeout)}
		if cfg.HeartbeatInterval > 0 {
			pgOpts = append(pgOpts, pglock.WithHeartbeatInterval(cfg.HeartbeatInterval))
		}
		s, err := pglock.Open(ctx, cfg.PostgresDSN, logger, pgOpts...)
		if err != nil {
			return nil, err
		}
		return &backend{name: pglock.BackendName, locker: pglock.NewLocker(s, logger, opts...), state: s.State, close: s.Close}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
