package registration

import "fmt"

// State is the registration lifecycle state
type State int

const (
	// StateUnregistered is both the initial and the terminal state
	StateUnregistered State = iota
	// StateRegistering is after the first REGISTER was sent
	StateRegistering
	// StateRegisteringChallenged is after REGISTER was resent with credentials
	StateRegisteringChallenged
	// StateRegistered is after a 2xx to REGISTER
	StateRegistered
	// StateRefreshing is after a refresh REGISTER was sent
	StateRefreshing
	// StateUnregistering is after the zero-expiry REGISTER was sent
	StateUnregistering
	// StateUnregisteringChallenged is after the zero-expiry REGISTER was resent with credentials
	StateUnregisteringChallenged
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateRegistering:
		return "Registering"
	case StateRegisteringChallenged:
		return "RegisteringChallenged"
	case StateRegistered:
		return "Registered"
	case StateRefreshing:
		return "Refreshing"
	case StateUnregistering:
		return "Unregistering"
	case StateUnregisteringChallenged:
		return "UnregisteringChallenged"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateUnregistered:            {StateRegistering},
	StateRegistering:             {StateRegisteringChallenged, StateRegistered, StateUnregistered},
	StateRegisteringChallenged:   {StateRegistered, StateUnregistered},
	StateRegistered:              {StateRefreshing, StateUnregistering, StateUnregistered},
	StateRefreshing:              {StateRegisteringChallenged, StateRegistered, StateUnregistered},
	StateUnregistering:           {StateUnregisteringChallenged, StateUnregistered},
	StateUnregisteringChallenged: {StateUnregistered},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// Challenged reports whether a request with credentials is in flight.
func (s State) Challenged() bool {
	return s == StateRegisteringChallenged || s == StateUnregisteringChallenged
}
