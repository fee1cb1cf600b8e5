package sshtransport

import "time"

// State is the lifecycle state of a Transport.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateChange is pushed to listeners on every transport state transition.
type StateChange struct {
	TransportID string    `json:"transport_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// StateListener receives state changes. Listeners are invoked synchronously
// outside any transport lock; long-running handlers should spawn goroutines.
type StateListener func(StateChange)
