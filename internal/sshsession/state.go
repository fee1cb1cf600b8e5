package sshsession

import (
	"time"

	"github.com/chardonnay/korTTY/internal/errs"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

func (s State) String() string {
	return string(s)
}

// Settled reports whether the state only changes on an external event.
func (s State) Settled() bool {
	return s == StateActive || s == StateErrored || s == StateClosed
}

// allowed is the transition table. The edges into Closed from Idle,
// Connecting and Reconnecting let a disconnect abort connection setup.
var allowed = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateActive, StateErrored, StateClosed},
	StateActive:       {StateReconnecting, StateClosed, StateErrored},
	StateReconnecting: {StateActive, StateErrored, StateClosed},
	StateErrored:      {StateReconnecting, StateClosed},
	StateClosed:       nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change for debugging.
type Transition struct {
	From      State       `json:"from"`
	To        State       `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Cause     *errs.Cause `json:"cause,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Change is pushed to state listeners.
type Change struct {
	SessionID string
	Transition
}

// StateListener is called after every transition, outside the registry
// lock and in transition order. A listener may call back into the Manager;
// changes it causes are delivered after it returns. Long work should be
// handed off.
type StateListener func(Change)

// maxTransitionsPerSession limits the stored transition history.
const maxTransitionsPerSession = 50
