package astimoq

// State represents a source state
type State string

// States
const (
	StateConnecting  State = "connecting"
	StateFailed      State = "failed"
	StateIdle        State = "idle"
	StateStreaming   State = "streaming"
	StateSubscribing State = "subscribing"
)

// States returns all states
func States() []State {
	return []State{StateConnecting, StateFailed, StateIdle, StateStreaming, StateSubscribing}
}

// canTransitionTo returns whether the state machine allows moving from s to t
func (s State) canTransitionTo(t State) bool {
	switch t {
	case StateIdle:
		// Deactivation is always allowed
		return true
	case StateFailed:
		return s == StateConnecting || s == StateSubscribing || s == StateStreaming
	case StateConnecting:
		return s == StateIdle
	case StateSubscribing:
		return s == StateConnecting
	case StateStreaming:
		return s == StateSubscribing || s == StateStreaming
	}
	return false
}
