package client

import (
	"time"

	"github.com/sebas/webphone/internal/phone/call"
)

// Call is the application handle of one call. Its methods may be used from
// any goroutine; they run on the signaling goroutine and return once the
// controller has acted.
type Call struct {
	c    *Client
	ctrl *call.Controller
}

func newCallHandle(c *Client, ctrl *call.Controller) *Call {
	return &Call{c: c, ctrl: ctrl}
}

// CallID returns the Call-ID shared by every event of the call.
func (h *Call) CallID() string { return h.ctrl.CallID() }

// Role reports whether we placed or received the call.
func (h *Call) Role() call.Role { return h.ctrl.Role() }

// State returns the current call state.
func (h *Call) State() call.State {
	var s call.State
	if err := h.c.call(func() error {
		s = h.ctrl.State()
		return nil
	}); err != nil {
		return call.StateHangup
	}
	return s
}

// Remote returns the remote URI and display name.
func (h *Call) Remote() (uri, displayName string) {
	_ = h.c.call(func() error {
		uri, displayName = h.ctrl.Remote()
		return nil
	})
	return uri, displayName
}

// Accept answers a ringing call with sdpAnswer.
func (h *Call) Accept(sdpAnswer string) error {
	return h.c.call(func() error { return h.ctrl.Accept(sdpAnswer) })
}

// Reject declines a ringing call.
func (h *Call) Reject() error {
	return h.c.call(func() error { return h.ctrl.Reject() })
}

// Hangup ends the call whatever its state. Hanging up twice is harmless.
func (h *Call) Hangup() error {
	return h.c.call(func() error {
		h.ctrl.Close()
		return nil
	})
}

// SendMessage sends text inside the call.
func (h *Call) SendMessage(text string) error {
	return h.c.call(func() error { return h.ctrl.SendMessage(text) })
}

// SendDTMF sends a tone (0-9, *, #, A-D). A zero duration uses
// call.DefaultDTMFDuration.
func (h *Call) SendDTMF(tone string, duration time.Duration) error {
	if duration <= 0 {
		duration = call.DefaultDTMFDuration
	}
	return h.c.call(func() error { return h.ctrl.SendDTMF(tone, duration) })
}
