package recorder

// State is the recorder lifecycle:
//
//	Idle -> Configured -> Capturing -> Stopping -> Idle
//
// Destroyed is reachable from every state and is terminal.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateCapturing
	StateStopping
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
