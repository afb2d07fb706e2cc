package lock

import (
	"context"
	"time"
)

// Poll calls attempt every interval until it succeeds, the timeout elapses
// or ctx is done. An elapsed timeout returns false with a nil error; a done
// ctx returns its error. A zero timeout makes exactly one attempt.
func Poll(ctx context.Context, timeout, interval time.Duration, attempt func(ctx context.Context) (bool, error)) (bool, error) {
	if timeout == 0 {
		return attempt(ctx)
	}

	waitCtx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := attempt(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return false, nil
			}
			return false, err
		}
		if ok {
			return true, nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		case <-ticker.C:
		}
	}
}
