package supervise

// State is a supervised process's lifecycle position.
type State string

const (
	StateNotStarted    State = "not_started"
	StateLaunched      State = "launched"
	StateAwaitingStart State = "awaiting_start"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateTimedOut      State = "timed_out"
	StateFailed        State = "failed"
	StateInterrupted   State = "interrupted"
	StateIncomplete    State = "incomplete"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateFailed, StateInterrupted, StateIncomplete:
		return true
	}
	return false
}
