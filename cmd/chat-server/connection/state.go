package connection

// State is the lifecycle position of a single connection. Transitions are
// compare-and-swap on an atomic field; see legalTransitions.
type State uint32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// legalTransitions encodes the state machine:
//
//	Connecting → Connected | Error
//	Connected → Authenticated | Disconnecting | Error
//	Authenticated → Disconnecting | Error
//	Disconnecting → Disconnected
//	Error → Disconnected
//	any live state → Error
var legalTransitions = map[State][]State{
	StateConnecting:    {StateConnected, StateError},
	StateConnected:     {StateAuthenticated, StateDisconnecting, StateError},
	StateAuthenticated: {StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateError:         {StateDisconnected},
	StateDisconnected:  {},
}

func transitionAllowed(from State, to State) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// DisconnectReason is attached to teardown notifications so subscribers and
// clients can distinguish clean closes from faults.
type DisconnectReason string

const (
	ReasonSocketClosed         DisconnectReason = "SocketClosed"
	ReasonSocketError          DisconnectReason = "SocketError"
	ReasonOversizedFrame       DisconnectReason = "OversizedFrame"
	ReasonSupersededByNewLogin DisconnectReason = "SupersededByNewLogin"
	ReasonIdleTimeout          DisconnectReason = "IdleTimeout"
	ReasonServerShutdown       DisconnectReason = "ServerShutdown"
	ReasonAdminDrop            DisconnectReason = "AdminDrop"
)
