package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

// Exit codes follow sysexits(3) where one fits.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
	exitConfig      = 78
	exitNotFound    = 127
	exitInterrupted = 130
)

// defaultKillGrace is how long a command may run after SIGTERM before it is killed.
const defaultKillGrace = 10 * time.Second

// Lock status reported by the status server.
const (
	statusWaiting  = "waiting"
	statusHeld     = "held"
	statusLost     = "lost"
	statusReleased = "released"
)

// runner runs one command while holding one lock.
type runner struct {
	locker    *lock.Locker
	key       string
	timeout   time.Duration
	killGrace time.Duration
	logger    zerolog.Logger

	status atomic.Value
}

func newRunner(locker *lock.Locker, key string, timeout time.Duration, logger zerolog.Logger) *runner {
	r := &runner{
		locker:    locker,
		key:       key,
		timeout:   timeout,
		killGrace: defaultKillGrace,
		logger:    logger.With().Str("key", key).Logger(),
	}
	r.status.Store(statusWaiting)
	return r
}

// Status returns the lock status of the run.
func (r *runner) Status() string {
	return r.status.Load().(string)
}

// Run acquires the lock, runs name with args and releases the lock when the command exits.
// A lost lock terminates the command.
func (r *runner) Run(ctx context.Context, name string, args ...string) error {
	ctx = logging.ContextWithLogger(ctx, r.logger)

	return r.locker.WithLock(ctx, r.key, r.timeout, func(ctx context.Context) error {
		logger := logging.LoggerFromContext(ctx)

		r.status.Store(statusHeld)
		logger.Info().Str("command", name).Msg("lock acquired, starting command")

		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = r.killGrace

		err := cmd.Run()

		cause := context.Cause(ctx)
		if errors.Is(cause, lock.ErrLockLost) {
			r.status.Store(statusLost)
			logger.Warn().Msg("lock lost, command terminated")
			return cause
		}
		r.status.Store(statusReleased)
		if cause != nil {
			return errors.Join(err, cause)
		}
		return err
	})
}

// exitCode maps the outcome of Run to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	// A release failure after a failing command keeps the command's code.
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, lock.ErrLockLost), errors.Is(err, lock.ErrAcquisitionTimeout):
		return exitTempFail
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
		return exitFailure
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return exitNotFound
	case errors.Is(err, lock.ErrAcquisitionFailed):
		return exitUnavailable
	case errors.Is(err, lock.ErrReleaseFailed):
		return exitSoftware
	default:
		return exitFailure
	}
}
