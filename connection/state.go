package connection

// State is the connection manager's lifecycle state. Exactly one holds at any instant.
type State int

const (
	Disconnected State = iota // Initial, and terminal until the next Connect
	Connecting                // A dial or bind is in flight
	Connected                 // A peer is attached; sends are permitted
	Listening                 // Server role: bound, waiting for a peer
	Error                     // Connection lost or attempt failed; a reconnect may be pending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Role selects whether the manager dials the target or waits for the target to dial in.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)
