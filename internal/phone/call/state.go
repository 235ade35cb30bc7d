package call

import "fmt"

// Role is fixed when the controller is created
type Role int

const (
	// RoleCaller - we sent the INVITE
	RoleCaller Role = iota
	// RoleCallee - we received the INVITE
	RoleCallee
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unknown"
	}
}

// State is the call-control state. Caller and callee use disjoint subsets
// that meet in the hang-up states.
type State int

const (
	StateInvitingInitial State = iota
	StateInviting
	StateInvitingChallenged
	StateInvitingAccepted
	StateInvitingCancelling
	StateInvitingError
	StateCancelled
	StateInvitedInitial
	StateInvitedAccepted
	StateLocalHangingUp
	StateLocalHangingUpChallenged
	StateHangup
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateInvitingInitial:
		return "InvitingInitial"
	case StateInviting:
		return "Inviting"
	case StateInvitingChallenged:
		return "InvitingChallenged"
	case StateInvitingAccepted:
		return "InvitingAccepted"
	case StateInvitingCancelling:
		return "InvitingCancelling"
	case StateInvitingError:
		return "InvitingError"
	case StateCancelled:
		return "Cancelled"
	case StateInvitedInitial:
		return "InvitedInitial"
	case StateInvitedAccepted:
		return "InvitedAccepted"
	case StateLocalHangingUp:
		return "LocalHangingUp"
	case StateLocalHangingUpChallenged:
		return "LocalHangingUpChallenged"
	case StateHangup:
		return "Hangup"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed. Every
// non-terminal state may also fall back to StateHangup through teardown.
var validTransitions = map[State][]State{
	StateInvitingInitial:          {StateInviting, StateInvitingError},
	StateInviting:                 {StateInvitingChallenged, StateInvitingAccepted, StateInvitingCancelling, StateInvitingError},
	StateInvitingChallenged:       {StateInvitingAccepted, StateInvitingCancelling, StateInvitingError},
	StateInvitingAccepted:         {StateLocalHangingUp},
	StateInvitingCancelling:       {StateCancelled},
	StateInvitedInitial:           {StateInvitedAccepted, StateCancelled},
	StateInvitedAccepted:          {StateLocalHangingUp},
	StateLocalHangingUp:           {StateLocalHangingUpChallenged},
	StateLocalHangingUpChallenged: {},
	StateInvitingError:            {},
	StateCancelled:                {},
	StateHangup:                   {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	if next == StateHangup {
		return !s.IsTerminal()
	}
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateHangup || s == StateCancelled || s == StateInvitingError
}

// Accepted reports whether the call is established.
func (s State) Accepted() bool {
	return s == StateInvitingAccepted || s == StateInvitedAccepted
}

// Inviting reports whether our INVITE awaits a final response.
func (s State) Inviting() bool {
	return s == StateInviting || s == StateInvitingChallenged
}

// HangingUp reports whether our BYE awaits a final response.
func (s State) HangingUp() bool {
	return s == StateLocalHangingUp || s == StateLocalHangingUpChallenged
}
