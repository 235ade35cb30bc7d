package call

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// current call state.
	ErrInvalidState = errors.New("invalid call state")
	// ErrInvalidRole is returned for a callee operation on a caller, or
	// the reverse.
	ErrInvalidRole = errors.New("operation not valid for call role")
	// ErrInvalidTone is returned by SendDTMF for a tone outside 0-9, *, #, A-D.
	ErrInvalidTone = errors.New("invalid DTMF tone")
)
