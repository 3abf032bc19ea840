package session

// State is the session lifecycle position.
type State int32

const (
	Idle State = iota
	Initializing
	Ready
	Listening
	Stopping
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}
