package session

import "fmt"

// State is the lifecycle phase of a client session
type State int

const (
	StateConnecting State = iota
	StateUpstreamHandshake
	StateSessionInit
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUpstreamHandshake:
		return "upstream_handshake"
	case StateSessionInit:
		return "session_init"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// canTransition reports whether from -> to is a legal step. Every live state
// may fall through to Closing; Closed is only reachable from Closing.
func canTransition(from, to State) bool {
	switch to {
	case StateClosing:
		return from < StateClosing
	case StateClosed:
		return from == StateClosing
	default:
		return from < StateClosing && to == from+1
	}
}

// StateObserver is told about every accepted transition
type StateObserver func(cs *ClientSession, from, to State)
