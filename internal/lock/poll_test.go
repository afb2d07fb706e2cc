package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	ok, err := Poll(context.Background(), time.Second, time.Millisecond, func(context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, attempts)
}

func TestPoll_TimesOut(t *testing.T) {
	start := time.Now()
	ok, err := Poll(context.Background(), 30*time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPoll_ZeroTimeoutAttemptsOnce(t *testing.T) {
	attempts := 0
	ok, err := Poll(context.Background(), 0, time.Millisecond, func(context.Context) (bool, error) {
		attempts++
		return false, nil
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, attempts)
}

func TestPoll_AttemptError(t *testing.T) {
	cause := errors.New("connection refused")
	_, err := Poll(context.Background(), time.Second, time.Millisecond, func(context.Context) (bool, error) {
		return false, cause
	})

	assert.ErrorIs(t, err, cause)
}

func TestPoll_AttemptAbortedByDeadline(t *testing.T) {
	ok, err := Poll(context.Background(), 10*time.Millisecond, time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoll_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	ok, err := Poll(ctx, WaitForever, time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})

	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout_WaitForever(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), WaitForever)
	defer cancel()

	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)

	ctx2, cancel2 := WithTimeout(context.Background(), time.Minute)
	defer cancel2()

	_, hasDeadline = ctx2.Deadline()
	assert.True(t, hasDeadline)
}
