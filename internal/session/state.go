package session

// State is the connection state of a Manager.
type State string

// Session states.
const (
	StateDisconnected     State = "disconnected"      // never connected, or closed
	StateConnecting       State = "connecting"        // a dial is in flight
	StateConnected        State = "connected"         // remote handle available
	StateInterrupted      State = "interrupted"       // connection lost, reconnect not yet armed
	StateReconnectPending State = "reconnect_pending" // backoff timer armed
)

// AllStates lists every state, for metrics.
var AllStates = []State{StateDisconnected, StateConnecting, StateConnected, StateInterrupted, StateReconnectPending}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
