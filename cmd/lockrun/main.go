// Package main provides lockrun, which runs a command while holding a session-scoped lock.
//
// Usage:
//
//	lockrun <key> <command> [args...]
//
// The command is terminated and lockrun exits with status 75 if the lock is lost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/config"
	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

const serviceName = "lockrun"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: lockrun <key> <command> [args...]")
		return exitUsage
	}
	name, command, commandArgs := args[0], args[1], args[2:]

	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger(serviceName, cfg.LogLevel)
	} else {
		logger = logging.NewLogger(serviceName, cfg.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Backend).Msg("failed to open lock session")
		return exitUnavailable
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn().Err(err).Str("backend", b.name).Msg("failed to close lock session")
		}
	}()

	key := cfg.Key(name)
	r := newRunner(b.locker, key, waitTimeout(cfg.AcquireTimeout), logger)

	if cfg.StatusPort != "" {
		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := startStatusServer(cfg.StatusPort, newStatusRouter(key, b.name, cfg.MetricsPath, r.Status, b.state, logger), logger)
		defer shutdownStatusServer(srv, logger)
	}

	err = r.Run(ctx, command, commandArgs...)
	code := exitCode(err)
	if err != nil {
		logger.Info().Err(err).Int("exitCode", code).Msg("lockrun finished")
	}
	return code
}

// waitTimeout maps the configured acquire timeout to the locker's, where 0 waits forever.
func waitTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return lock.WaitForever
	}
	return d
}

func startStatusServer(port string, router *gin.Engine, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Msg("starting status server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()

	return srv
}

func shutdownStatusServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("status server forced to shutdown")
	}
}
