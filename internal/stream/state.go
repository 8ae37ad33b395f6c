package stream

// State is the client's position in the connection/handshake lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateUninitialized // socket open, waiting for "initialized"
	StateReady
	StateBusy // one question in flight
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateUninitialized:
		return "connected(uninitialized)"
	case StateReady:
		return "connected(ready)"
	case StateBusy:
		return "connected(busy)"
	default:
		return "unknown"
	}
}

// Connected reports whether the socket is open, regardless of handshake
// progress.
func (s State) Connected() bool {
	return s == StateUninitialized || s == StateReady || s == StateBusy
}
