package domain

import "fmt"

type SessionState int

const (
	StateIdle SessionState = iota
	StateJoining
	StateBlocked
	StateActive
	StateEnding
)

var stateNames = map[SessionState]string{
	StateIdle:    "idle",
	StateJoining: "joining",
	StateBlocked: "blocked",
	StateActive:  "active",
	StateEnding:  "ending",
}

var transitions = map[SessionState][]SessionState{
	StateIdle:    {StateJoining},
	StateJoining: {StateBlocked, StateActive, StateIdle},
	StateBlocked: {StateJoining},
	StateActive:  {StateEnding},
	StateEnding:  {StateIdle},
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
