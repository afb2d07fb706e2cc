package etcdlock

import (
	"sync"

	"google.golang.org/grpc/connectivity"

	"github.com/kneutral-org/sessionlock/internal/lock"
)

// tracker merges lease-session and gRPC-connection events into one
// ordered stream of connection states.
type tracker struct {
	// pubMu orders publishes; mu guards current only, so state never
	// waits on a slow publish.
	pubMu   sync.Mutex
	mu      sync.Mutex
	current lock.ConnectionState
	publish func(lock.ConnectionState)
}

func (t *tracker) connected() {
	t.transition(func(current lock.ConnectionState) lock.ConnectionState {
		if current == 0 {
			return lock.StateConnected
		}
		return 0
	})
}

// connectivity handles a gRPC channel state change.
func (t *tracker) connectivity(state connectivity.State) {
	t.transition(func(current lock.ConnectionState) lock.ConnectionState {
		switch state {
		case connectivity.TransientFailure:
			if current.IsConnected() {
				return lock.StateSuspended
			}
		case connectivity.Ready:
			if current == lock.StateSuspended {
				return lock.StateReconnected
			}
		}
		return 0
	})
}

// sessionExpired handles the lease session ending.
func (t *tracker) sessionExpired() {
	t.transition(func(current lock.ConnectionState) lock.ConnectionState {
		if current != lock.StateLost {
			return lock.StateLost
		}
		return 0
	})
}

// sessionRenewed handles a new lease session replacing an expired one.
func (t *tracker) sessionRenewed() {
	t.transition(func(current lock.ConnectionState) lock.ConnectionState {
		if current == lock.StateLost {
			return lock.StateReconnected
		}
		return 0
	})
}

func (t *tracker) state() lock.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// transition records the state returned by next, if any, and publishes it
// after releasing mu. A zero result leaves the state unchanged.
func (t *tracker) transition(next func(lock.ConnectionState) lock.ConnectionState) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	state := next(t.current)
	if state != 0 {
		t.current = state
	}
	t.mu.Unlock()

	if state != 0 {
		t.publish(state)
	}
}
