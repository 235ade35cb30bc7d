package client

import "errors"

var (
	// ErrClosed is returned once Close has begun or the loop has stopped.
	ErrClosed = errors.New("client closed")
	// ErrAlreadyOpen is returned by Open while a registration is active.
	ErrAlreadyOpen = errors.New("client already open")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("client already running")
)
