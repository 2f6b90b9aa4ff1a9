package realtime

import "fmt"

// Phase is the coarse connection lifecycle phase.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// State is the connection state. Attempt is only meaningful (and >= 1) in
// the Reconnecting phase and is zero otherwise.
type State struct {
	Phase   Phase
	Attempt int
}

func (s State) String() string {
	if s.Phase == Reconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.Phase.String()
}

// StateEvent describes a single transition.
type StateEvent struct {
	Old State
	New State
	// Exhausted is set when New is a Reconnecting state that will not be
	// retried because the attempt budget ran out.
	Exhausted bool
	// Err is the transport error that caused the transition, if any.
	Err error
}
