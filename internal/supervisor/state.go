package supervisor

// State is the supervisor's lifecycle position. It is owned exclusively by
// the Supervisor and mutated only behind its mutex; the former ad-hoc
// restarting/exiting booleans live next to it as guarded latches.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateHealthChecking
	StateRunning
	StateRestarting
	StateTerminating
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateHealthChecking:
		return "health-checking"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
