package bridge

// State is the lifecycle phase of a call session. Transitions are owned by
// the supervisor goroutine; other goroutines only read the current value.
type State int32

const (
	// StateInit is the zero state before the upstream handshake begins.
	StateInit State = iota

	// StateConfiguring means the upstream socket is open and the supervisor
	// is waiting for the far side to announce the session.
	StateConfiguring

	// StateReady means the session is configured and idle.
	StateReady

	// StateListening means caller speech is being forwarded upstream.
	StateListening

	// StateSpeaking means model audio is streaming back to the caller.
	StateSpeaking

	// StateToolRunning means a function call is being dispatched.
	StateToolRunning

	// StateTerminated is terminal; all resources are released.
	StateTerminated
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConfiguring:
		return "CONFIGURING"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateToolRunning:
		return "TOOL_RUNNING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the session has completed configuration and is not
// yet terminated. Reconnection is only attempted from an active state.
func (s State) Active() bool {
	switch s {
	case StateReady, StateListening, StateSpeaking, StateToolRunning:
		return true
	}
	return false
}
