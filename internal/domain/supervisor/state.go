package supervisor

// State is a worker's lifecycle position.
type State int

const (
	StateSpawned State = iota
	StateInitializing
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// allStates lists every state, for metrics that report zero counts too.
var allStates = []State{StateSpawned, StateInitializing, StateReady, StateTerminated}
