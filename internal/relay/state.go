package relay

import (
	"errors"
	"fmt"
)

// State is a subscriber's connection lifecycle state.
type State string

const (
	// StatePending means registered with no transport attached yet.
	StatePending State = "pending"
	// StateActive means eligible for delivery.
	StateActive State = "active"
	// StateDraining means disconnect in progress; nothing new is sent.
	StateDraining State = "draining"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

var transitions = map[State][]State{
	StatePending:  {StateActive, StateDraining},
	StateActive:   {StateActive, StateDraining},
	StateDraining: {StateClosed},
}

// CanTransition reports whether moving from one state to another is allowed.
// active -> active is allowed so long-poll cycles re-enter the same state.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a state change is not in the transition table.
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscriber %s: no transition from %s to %s", e.ID, e.From, e.To)
}

func IsTransitionError(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}
