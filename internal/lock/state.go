package lock

// ConnectionState is the local client's view of its coordination session.
type ConnectionState int

const (
	StateConnected ConnectionState = iota + 1
	StateSuspended
	StateLost
	StateReconnected
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateLost:
		return "LOST"
	case StateReconnected:
		return "RECONNECTED"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether locks held under the session can still be trusted.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateReconnected
}

// handleState is stored atomically in a Handle.
// acquired -> released and acquired -> lost are the only transitions.
type handleState int32

const (
	stateAcquired handleState = iota
	stateReleased
	stateLost
)

func (s handleState) String() string {
	switch s {
	case stateAcquired:
		return "ACQUIRED"
	case stateReleased:
		return "RELEASED"
	case stateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}
