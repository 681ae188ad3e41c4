package executor

// State is an engine's position in its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateAwaitingReady
	StateReady
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateAwaitingReady:
		return "awaiting ready"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
