package device

// State is a device lifecycle state. Error and Disposed are sinks: no
// transition leaves them.
type State uint8

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateRunning
	StateStopping
	StateError
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateError:
		return "Error"
	case StateDisposed:
		return "Disposed"
	}
	return "Unknown"
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	if from == StateError || from == StateDisposed {
		return false
	}
	if to == StateError || to == StateDisposed {
		return true
	}
	switch from {
	case StateCreated:
		return to == StateInitializing
	case StateInitializing:
		return to == StateReady
	case StateReady:
		// Initializing is reachable again so a stopped device can be
		// reinitialized during recovery.
		return to == StateRunning || to == StateInitializing
	case StateRunning:
		return to == StateStopping
	case StateStopping:
		return to == StateReady
	}
	return false
}
