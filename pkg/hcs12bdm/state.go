package hcs12bdm

import (
	"fmt"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// State of the target connection.
type State uint8

const (
	StateClosed State = iota
	StateReset
	StateProbe
	StateInit
	StateReady
)

var stateNames = map[State]string{
	StateClosed: "Closed",
	StateReset:  "Reset",
	StateProbe:  "Probe",
	StateInit:   "Init",
	StateReady:  "Ready",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// transitions lists the states reachable from each state. Any state may
// fall back to Closed on failure.
var transitions = map[State][]State{
	StateClosed: {StateReset},
	StateReset:  {StateProbe},
	StateProbe:  {StateInit},
	StateInit:   {StateReady},
	StateReady:  {StateReset},
}

// NextValid reports whether the connection may move from current to next.
func NextValid(current, next State) bool {
	if next == StateClosed {
		return true
	}
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// StateMachine tracks the connection lifecycle. It performs no I/O.
type StateMachine struct {
	state State
}

// State reports the current state.
func (m *StateMachine) State() State {
	return m.state
}

// Advance moves to next, rejecting transitions the lifecycle forbids.
func (m *StateMachine) Advance(next State) error {
	if !NextValid(m.state, next) {
		return errors.Wrapf(target.ErrInvalid, "connection: %s -> %s not allowed", m.state, next)
	}
	m.state = next
	return nil
}

// Require fails unless the connection is in state s.
func (m *StateMachine) Require(s State) error {
	if m.state != s {
		return errors.Wrapf(target.ErrInvalid, "connection is %s, need %s", m.state, s)
	}
	return nil
}
