package session

// State represents the lifecycle state of a call session. A session is
// created directly in Offered; the pre-offer idle phase is never
// materialized.
type State int

const (
	StateOffered    State = iota // incoming_call seen, awaiting answer
	StateActive                  // answered, media may flow
	StateTerminated              // hung up, terminal
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// validTransitions defines the allowed state machine edges. Transitions
// are monotonic; nothing leaves Terminated.
var validTransitions = map[State][]State{
	StateOffered:    {StateActive, StateTerminated},
	StateActive:     {StateTerminated},
	StateTerminated: {},
}

// CanTransitionTo reports whether the edge from s to next is allowed.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the absorbing terminal state.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}
