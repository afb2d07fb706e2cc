package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/sessionlock/internal/lock"
)

type fakePrimitive struct {
	acquire  bool
	releases atomic.Int32
}

func (p *fakePrimitive) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return p.acquire, nil
}

func (p *fakePrimitive) Release(ctx context.Context) error {
	p.releases.Add(1)
	return nil
}

func newTestRunner(t *testing.T, acquire bool) (*runner, *fakePrimitive, *lock.Broadcaster) {
	t.Helper()
	return newTestRunnerWithLogger(t, acquire, zerolog.Nop())
}

func newTestRunnerWithLogger(t *testing.T, acquire bool, logger zerolog.Logger) (*runner, *fakePrimitive, *lock.Broadcaster) {
	t.Helper()

	p := &fakePrimitive{acquire: acquire}
	b := lock.NewBroadcaster(zerolog.Nop())
	t.Cleanup(b.Close)

	locker := lock.NewLocker(b, func(string) lock.Primitive { return p }, zerolog.Nop())
	r := newRunner(locker, "/sessionlock/job", time.Second, logger)
	r.killGrace = 100 * time.Millisecond
	return r, p, b
}

func TestRunner_CommandSucceeds(t *testing.T) {
	r, p, _ := newTestRunner(t, true)
	assert.Equal(t, statusWaiting, r.Status())

	err := r.Run(context.Background(), "true")

	require.NoError(t, err)
	assert.Equal(t, statusReleased, r.Status())
	assert.Equal(t, int32(1), p.releases.Load())
	assert.Equal(t, exitOK, exitCode(err))
}

func TestRunner_CommandLogsCarryKey(t *testing.T) {
	var buf bytes.Buffer
	r, _, _ := newTestRunnerWithLogger(t, true, zerolog.New(&buf))

	require.NoError(t, r.Run(context.Background(), "true"))

	output := buf.String()
	assert.Contains(t, output, "lock acquired, starting command")
	assert.Contains(t, output, `"key":"/sessionlock/job"`)
	assert.Contains(t, output, `"command":"true"`)
}

func TestRunner_CommandExitCodePassedThrough(t *testing.T) {
	r, p, _ := newTestRunner(t, true)

	err := r.Run(context.Background(), "sh", "-c", "exit 3")

	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
	assert.Equal(t, int32(1), p.releases.Load())
}

func TestRunner_CommandNotFound(t *testing.T) {
	r, p, _ := newTestRunner(t, true)

	err := r.Run(context.Background(), "lockrun-test-no-such-command")

	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCode(err))
	assert.Equal(t, int32(1), p.releases.Load(), "lock is released even if the command cannot start")
}

func TestRunner_AcquisitionTimeout(t *testing.T) {
	r, p, _ := newTestRunner(t, false)

	err := r.Run(context.Background(), "true")

	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrAcquisitionTimeout))
	assert.Equal(t, exitTempFail, exitCode(err))
	assert.Equal(t, statusWaiting, r.Status())
	assert.Equal(t, int32(0), p.releases.Load())
}

func TestRunner_LockLostTerminatesCommand(t *testing.T) {
	r, p, b := newTestRunner(t, true)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), "sleep", "30")
	}()

	require.Eventually(t, func() bool { return r.Status() == statusHeld }, time.Second, 5*time.Millisecond)
	b.Publish(lock.StateLost)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, lock.ErrLockLost))
		assert.Equal(t, exitTempFail, exitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("command was not terminated after the lock was lost")
	}

	assert.Equal(t, statusLost, r.Status())
	assert.Equal(t, int32(0), p.releases.Load(), "a lost lock is never released through the primitive")
}

func TestRunner_InterruptTerminatesCommand(t *testing.T) {
	r, p, _ := newTestRunner(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, "sleep", "30")
	}()

	require.Eventually(t, func() bool { return r.Status() == statusHeld }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, exitInterrupted, exitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("command was not terminated after interrupt")
	}
	assert.Equal(t, int32(1), p.releases.Load())
}

func TestExitCode(t *testing.T) {
	exitErr := exec.Command("sh", "-c", "exit 4").Run()
	require.Error(t, exitErr)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"lost", &lock.LostLockError{Key: "k"}, exitTempFail},
		{"timeout", &lock.AcquisitionTimeoutError{Key: "k", Timeout: time.Second}, exitTempFail},
		{"interrupted while waiting", &lock.AcquisitionError{Key: "k", Err: context.Canceled}, exitInterrupted},
		{"backend failure", &lock.AcquisitionError{Key: "k", Err: lock.ErrNotConnected}, exitUnavailable},
		{"command failed", exitErr, 4},
		{"command failed and release failed", errors.Join(exitErr, &lock.ReleaseError{Key: "k", Err: errors.New("boom")}), 4},
		{"release failed", &lock.ReleaseError{Key: "k", Err: errors.New("boom")}, exitSoftware},
		{"not found", fmt.Errorf("start: %w", exec.ErrNotFound), exitNotFound},
		{"other", errors.New("boom"), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestWaitTimeout(t *testing.T) {
	assert.Equal(t, lock.WaitForever, waitTimeout(0))
	assert.Equal(t, time.Minute, waitTimeout(time.Minute))
}
