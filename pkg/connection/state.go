package connection

// State is the lifecycle state of a Connection.
type State uint32

const (
	// StateDisconnected indicates no transport is open.
	StateDisconnected State = iota

	// StateConnecting indicates a dial is in progress.
	StateConnecting

	// StateConnected indicates the transport is open and the listener runs.
	StateConnected

	// StateDisconnecting indicates Disconnect is tearing the session down.
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ListenerState is the state of a session's listener loop.
type ListenerState uint32

const (
	// ListenerIdle indicates the loop has not started.
	ListenerIdle ListenerState = iota

	// ListenerRunning indicates the loop is reading.
	ListenerRunning

	// ListenerStopped indicates the loop has exited. It never restarts;
	// a reconnect runs a new loop.
	ListenerStopped
)

// String returns the state name.
func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "IDLE"
	case ListenerRunning:
		return "RUNNING"
	case ListenerStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
