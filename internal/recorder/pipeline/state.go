package pipeline

// State is the lifecycle state of a Recorder.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRecording
	StateStopping
	StateDraining
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a session owns resources in this state.
func (s State) Active() bool {
	switch s {
	case StateConfiguring, StateRecording, StateStopping, StateDraining:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}
