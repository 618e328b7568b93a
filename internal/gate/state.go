// ABOUTME: Request lifecycle states for the gate and their legal transitions
// ABOUTME: Dispatched and Rejected are terminal

package gate

// State is where a request is in the gate.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateDecided
	StateValidated
	StateRejected
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateClassified:
		return "classified"
	case StateDecided:
		return "decided"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	case StateDispatched:
		return "dispatched"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateReceived:   {StateClassified, StateRejected},
	StateClassified: {StateDecided},
	StateDecided:    {StateValidated, StateRejected, StateDispatched},
	StateValidated:  {StateDispatched},
}

// CanTransition reports whether a request in s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateDispatched
}
