package session

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateOffered, StateActive, true},
		{StateOffered, StateTerminated, true},
		{StateActive, StateTerminated, true},
		{StateActive, StateOffered, false},
		{StateTerminated, StateOffered, false},
		{StateTerminated, StateActive, false},
		{StateTerminated, StateTerminated, false},
		{StateOffered, StateOffered, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOffered, "offered"},
		{StateActive, "active"},
		{StateTerminated, "terminated"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if StateOffered.IsTerminal() || StateActive.IsTerminal() {
		t.Error("non-terminal state reported terminal")
	}
	if !StateTerminated.IsTerminal() {
		t.Error("terminated state not reported terminal")
	}
}
