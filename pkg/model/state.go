package model

import "fmt"

// State is a sandbox lifecycle state.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StatePausing      State = "pausing"
	StatePaused       State = "paused"
	StateResuming     State = "resuming"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// transitions lists the legal successor states for each state.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning, StateResuming, StateFailed},
	StateProvisioning: {StateReady, StateFailed},
	StateResuming:     {StateReady, StateFailed},
	StateReady:        {StatePausing, StateTerminating},
	StatePausing:      {StatePaused, StateReady, StateTerminated},
	StateTerminating:  {StateTerminated, StateReady},
}

// Terminal reports whether s is a terminal state. Paused ends a handle's
// lifecycle segment but the snapshot it produced lives on.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is legal, or an error describing the
// illegal move.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("illegal lifecycle transition %s -> %s", s, next)
	}
	return next, nil
}
