package domain

// State is the lifecycle stage of a generation job.
type State string

// Job state constants
const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// rank orders states for the monotonicity check. Both terminal states share a rank.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateProcessing:
		return 1
	case StateSucceeded, StateFailed:
		return 2
	default:
		return -1
	}
}

// ActiveStates are the states the poll loop still has to reconcile.
var ActiveStates = []State{StatePending, StateProcessing}
