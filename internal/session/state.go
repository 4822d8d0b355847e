package session

import (
	"errors"
	"fmt"
)

// State is a session lifecycle state. Idle is both the initial state and
// the state every session returns to.
type State int32

const (
	Idle State = iota
	Connecting
	Authenticating
	Negotiating
	Active
	Resizing
	Closing
)

var stateNames = [...]string{
	Idle:           "idle",
	Connecting:     "connecting",
	Authenticating: "authenticating",
	Negotiating:    "negotiating",
	Active:         "active",
	Resizing:       "resizing",
	Closing:        "closing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// transitions lists the legal successors of every state.
var transitions = map[State][]State{
	Idle:           {Connecting},
	Connecting:     {Authenticating, Closing},
	Authenticating: {Negotiating, Closing},
	Negotiating:    {Active, Closing},
	Active:         {Resizing, Closing},
	Resizing:       {Active, Closing},
	Closing:        {Idle},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrBusy refuses a connection while another session holds the
	// admission slot.
	ErrBusy = errors.New("session: another client is connected")
	// ErrStopped refuses operations after Stop.
	ErrStopped = errors.New("session: orchestrator stopped")
	// ErrNoSession is returned by commands that need an active session.
	ErrNoSession = errors.New("session: no active session")
)
