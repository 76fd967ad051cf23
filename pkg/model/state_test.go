package model

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateRequested, StateProvisioning, true},
		{StateRequested, StateResuming, true},
		{StateProvisioning, StateReady, true},
		{StateProvisioning, StateFailed, true},
		{StateResuming, StateFailed, true},
		{StateReady, StatePausing, true},
		{StatePausing, StatePaused, true},
		{StatePausing, StateReady, true},
		{StatePausing, StateTerminated, true},
		{StateReady, StateTerminating, true},
		{StateTerminating, StateTerminated, true},
		{StateRequested, StateReady, false},
		{StatePaused, StateReady, false},
		{StateTerminated, StateReady, false},
		{StateFailed, StateProvisioning, false},
		{StateReady, StatePaused, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v; want %v", tt.from, tt.to, got, tt.want)
			}
			_, err := tt.from.Transition(tt.to)
			if (err == nil) != tt.want {
				t.Errorf("Transition(%s, %s) err = %v; want ok=%v", tt.from, tt.to, err, tt.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateTerminated, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateRequested, StateProvisioning, StateReady, StatePausing, StatePaused, StateResuming, StateTerminating} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
