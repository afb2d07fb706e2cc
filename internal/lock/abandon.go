package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Abandoner is implemented by primitives that can clean up the remote
// state of a lost handle. Abandon is called at most once, from the
// notifier's delivery goroutine, and must not block.
type Abandoner interface {
	Abandon()
}

const (
	defaultCleanupAttempts = 10
	defaultCleanupInterval = time.Second
)

// ReleaseInBackground retries release on its own goroutine until it
// succeeds, the remote lock turns out to be gone or the attempts run out.
// Backends use it to implement Abandon.
func ReleaseInBackground(release func(ctx context.Context) error, logger zerolog.Logger) {
	go retryRelease(release, defaultCleanupAttempts, defaultCleanupInterval, logger)
}

func retryRelease(release func(ctx context.Context) error, attempts int, interval time.Duration, logger zerolog.Logger) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := release(ctx)
		cancel()

		switch {
		case err == nil:
			logger.Debug().Int("attempt", attempt).Msg("cleaned up lost lock")
			return
		case errors.Is(err, ErrLockNotHeld), errors.Is(err, ErrClientNotStarted):
			return
		case attempt >= attempts:
			logger.Warn().Err(err).Int("attempts", attempt).Msg("giving up cleaning up lost lock")
			return
		}

		time.Sleep(interval)
	}
}
