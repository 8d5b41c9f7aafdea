package transport

// State of the link to the coordinator.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	}
	return "unknown"
}
