package session

// State models the connection lifecycle of a session. Transitions only move
// forward through Connecting and Connected into Synced; any failure drops
// straight back to Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport is up, handshake not yet complete
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}
