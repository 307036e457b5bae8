package mcp

// State is the lifecycle state of one server connection.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Initializing
	Connected
	ShuttingDown
	Error
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Initializing: "initializing",
	Connected:    "connected",
	ShuttingDown: "shutting_down",
	Error:        "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists the legal edges out of each state. Error is
// terminal until a fresh connect (or a disconnect that cleans up).
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Initializing, Error},
	Initializing: {Connected, Error},
	Connected:    {ShuttingDown, Error},
	ShuttingDown: {Disconnected},
	Error:        {Connecting, Disconnected},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
