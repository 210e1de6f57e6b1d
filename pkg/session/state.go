package session

// State tracks one turn's lifecycle. Terminal states are mutually exclusive
// and final; late timer or transport callbacks check the terminal flag and
// become no-ops.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}
