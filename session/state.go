// Package session implements both ends of the protocol state machine: the
// controller-side requester that drives a remote test host, and the host-side
// dispatcher that serves it. Both share one session lifecycle:
//
//	Idle -> AwaitingConnection -> Connected -> ActiveSession -> Ended
//
// Ended is terminal and always tears the channel down exactly once.
package session

// State is the protocol session state.
type State int

const (
	StateIdle State = iota
	StateAwaitingConnection
	StateConnected
	StateActiveSession
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConnection:
		return "awaiting-connection"
	case StateConnected:
		return "connected"
	case StateActiveSession:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
