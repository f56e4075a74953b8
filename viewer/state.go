package viewer

// State is the connection state of a viewer's change feed.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Degraded
	Reconnecting
	Offline
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Offline:
		return "offline"
	}
	return "unknown"
}

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Subscribed, Degraded, Disconnected},
	Subscribed:   {Degraded, Disconnected},
	Degraded:     {Reconnecting, Offline, Disconnected},
	Reconnecting: {Subscribed, Degraded, Disconnected},
	Offline:      {Reconnecting, Disconnected},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
