package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
// The typed errors below match them through errors.Is.
var (
	ErrAcquisitionTimeout = errors.New("lock: acquisition timed out")
	ErrAcquisitionFailed  = errors.New("lock: acquisition failed")
	ErrReleaseFailed      = errors.New("lock: release failed")
	ErrLockLost           = errors.New("lock: lock was lost")

	// ErrLockNotHeld is returned by a Primitive whose remote lock is no longer held by this session.
	ErrLockNotHeld = errors.New("lock: lock not held by this session")

	// ErrClientNotStarted is returned when the coordination client is not started or already closed.
	ErrClientNotStarted = errors.New("lock: coordination client is not started")

	// ErrNotConnected is returned when the coordination session is currently unusable.
	ErrNotConnected = errors.New("lock: coordination session not connected")

	// ErrSessionExpired is returned by a Prober once the remote session is gone for good.
	ErrSessionExpired = errors.New("lock: coordination session expired")

	// ErrInvalidKey is returned for an empty lock key.
	ErrInvalidKey = errors.New("lock: invalid key")
)

// AcquisitionTimeoutError reports that the lock was not acquired within Timeout.
// The caller may retry.
type AcquisitionTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("failed to acquire lock for key: %s within timeout: %s", e.Key, e.Timeout)
}

func (e *AcquisitionTimeoutError) Is(target error) bool {
	return target == ErrAcquisitionTimeout
}

// AcquisitionError reports that the primitive failed while acquiring.
type AcquisitionError struct {
	Key string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire lock for key: %s: %v", e.Key, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func (e *AcquisitionError) Is(target error) bool {
	return target == ErrAcquisitionFailed
}

// ReleaseError reports that the primitive failed while releasing an acquired handle.
// The handle is released regardless.
type ReleaseError struct {
	Key string
	Err error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("failed to release lock for key: %s: %v", e.Key, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

func (e *ReleaseError) Is(target error) bool {
	return target == ErrReleaseFailed
}

// LostLockError reports a release attempted on a lost handle.
// No remote call was made, so exclusivity may not have held until the release.
type LostLockError struct {
	Key string
}

func (e *LostLockError) Error() string {
	return fmt.Sprintf("cannot release a lost lock for key: %s", e.Key)
}

func (e *LostLockError) Is(target error) bool {
	return target == ErrLockLost
}
