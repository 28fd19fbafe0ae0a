// Package session holds per-call state and the registry shared between the
// audio path and the hangup watcher.
package session

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a call session.
type State int

const (
	// StateActive - audio is being ingested and chunks processed.
	StateActive State = iota
	// StateTransferring - a transfer directive is being executed.
	StateTransferring
	// StateTerminated - resources released, registry entry removed.
	// This is a terminal state.
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateTransferring:
		return "TRANSFERRING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition")

// validTransitions lists the allowed moves.
//
//	ACTIVE ──→ TRANSFERRING ──→ TERMINATED
//	  │  ↑          │
//	  │  └──────────┘ transfer failed
//	  └───────────────────────→ TERMINATED
var validTransitions = map[State][]State{
	StateActive:       {StateTransferring, StateTerminated},
	StateTransferring: {StateActive, StateTerminated},
	StateTerminated:   {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
