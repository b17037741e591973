package process

// State is the supervisor's view of the external decoder.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateConnecting
	StateWorking
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateWorking:
		return "working"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
