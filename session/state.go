package session

// State is the connection lifecycle phase of a Session.
type State int

const (
	// StateDisconnected means no transport is attached.
	StateDisconnected State = iota
	// StateConnecting means a dial attempt is in flight.
	StateConnecting
	// StateAuthenticating means the credential handshake is in flight.
	StateAuthenticating
	// StateBound means the resource binding completed but presence has not
	// been announced yet.
	StateBound
	// StateReady means application stanzas may flow.
	StateReady
	// StateClosing means shutdown has begun; the session will not reconnect.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StateChange is published on the internal bus topic "session.state" on
// every transition.
type StateChange struct {
	From State
	To   State
}
