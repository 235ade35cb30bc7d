package message

import "fmt"

// State is the lifecycle state of one MESSAGE exchange
type State int

const (
	// StateUnset is before Send or the inbound request
	StateUnset State = iota
	// StateSending is after MESSAGE was sent
	StateSending
	// StateChallenged is after MESSAGE was resent with credentials
	StateChallenged
	// StateSent is after a 1xx-2xx response (terminal)
	StateSent
	// StateSendFailed is after an error response or timeout (terminal)
	StateSendFailed
	// StateReceived is after an inbound MESSAGE was answered (terminal)
	StateReceived
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUnset:
		return "Unset"
	case StateSending:
		return "Sending"
	case StateChallenged:
		return "Challenged"
	case StateSent:
		return "Sent"
	case StateSendFailed:
		return "SendFailed"
	case StateReceived:
		return "Received"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateSendFailed || s == StateReceived
}
