// Package registration implements the user-agent side of REGISTER: initial
// registration, digest retry, periodic refresh and unregistration.
package registration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/auth"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/session"
	"github.com/sebas/webphone/internal/phone/sipmsg"
)

// ErrInvalidState is returned by Open outside the initial state.
var ErrInvalidState = errors.New("invalid registration state")

const (
	reasonTimeout      = "Request Timeout"
	reasonAuthRequired = "Authentication Required"
)

// Options configure a Controller.
type Options struct {
	Identity    sipmsg.Identity
	Credentials auth.Credentials

	// Expires is the expiry requested in REGISTER.
	Expires time.Duration
	// Refresh and Policy derive the refresh interval.
	Refresh time.Duration
	Policy  config.RefreshPolicy

	Transport session.Transport
	Scheduler session.Scheduler
	Emitter   events.Emitter

	// OnDone runs once when the controller reaches its terminal state.
	OnDone func()
}

// Controller drives one registration lifecycle. It is not safe for
// concurrent use; every method runs on the client's signaling goroutine.
type Controller struct {
	opts Options

	state   State
	callID  string
	fromTag string
	cseq    uint32

	pending    *sip.Request
	tx         session.ClientTx
	expires    int
	minExpires int
	timer      session.Timer

	opened            bool
	finished          bool
	pendingUnregister bool
	intervalRetried   bool
}

// New creates a controller in StateUnregistered.
func New(opts Options) *Controller {
	return &Controller{
		opts:    opts,
		state:   StateUnregistered,
		callID:  sipmsg.NewCallID(opts.Identity.Domain),
		fromTag: sipmsg.NewTag(),
	}
}

// CallID returns the Call-ID shared by every REGISTER of this controller.
func (c *Controller) CallID() string { return c.callID }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Opened reports whether a registration ever succeeded.
func (c *Controller) Opened() bool { return c.opened }

// Finished reports whether the controller reached its terminal state.
func (c *Controller) Finished() bool { return c.finished }

// Open sends the initial REGISTER.
func (c *Controller) Open() error {
	if c.finished || c.state != StateUnregistered || c.pending != nil {
		return fmt.Errorf("%w: open in %s", ErrInvalidState, c.state)
	}

	aor := c.opts.Identity.AOR()
	slog.Info("[Register] Registering",
		"aor", aor.String(),
		"call_id", c.callID,
	)
	c.register(StateRegistering, nil)
	return nil
}

// Close unregisters now when registered, or as soon as the exchange in
// flight succeeds.
func (c *Controller) Close() {
	if c.finished {
		return
	}

	switch c.state {
	case StateRegistered:
		c.stopTimer()
		c.unregister(StateUnregistering, nil)
	case StateRegistering, StateRegisteringChallenged, StateRefreshing:
		slog.Debug("[Register] Unregister deferred until registered", "call_id", c.callID)
		c.pendingUnregister = true
	case StateUnregistering, StateUnregisteringChallenged:
	case StateUnregistered:
		// Never opened: nothing to report.
		c.finish("", "")
	}
}

// OnResponse handles a response to one of our REGISTER requests.
func (c *Controller) OnResponse(res *sip.Response) {
	if c.finished || !c.matches(res) {
		slog.Debug("[Register] Ignoring stale response",
			"call_id", c.callID,
			"status", res.StatusCode,
			"state", c.state.String(),
		)
		return
	}
	if res.IsProvisional() {
		return
	}

	code := res.StatusCode
	slog.Debug("[Register] Response",
		"call_id", c.callID,
		"status", code,
		"state", c.state.String(),
	)

	switch c.state {
	case StateRegistering, StateRefreshing:
		switch {
		case sipmsg.IsChallenge(code):
			if c.opts.Credentials.Empty() {
				c.fail(reasonAuthRequired)
				return
			}
			c.register(StateRegisteringChallenged, res)
		case code == sip.StatusCode(423):
			c.retryInterval(res)
		case res.IsSuccess():
			c.registered(res)
		default:
			c.fail(res.Reason)
		}

	case StateRegisteringChallenged:
		switch {
		case code == sip.StatusCode(423):
			c.retryInterval(res)
		case res.IsSuccess():
			c.registered(res)
		default:
			// A second challenge is an authentication failure.
			c.fail(res.Reason)
		}

	case StateUnregistering:
		if sipmsg.IsChallenge(code) && !c.opts.Credentials.Empty() {
			c.unregister(StateUnregisteringChallenged, res)
			return
		}
		c.finish(events.Closed, "")

	case StateUnregisteringChallenged:
		c.finish(events.Closed, "")

	case StateRegistered, StateUnregistered:
		slog.Warn("[Register] Response without request in flight",
			"call_id", c.callID,
			"status", code,
			"state", c.state.String(),
		)
	}
}

// OnTimeout handles a REGISTER transaction that ended without a final response.
func (c *Controller) OnTimeout(req *sip.Request) {
	if c.finished || c.pending == nil || req == nil {
		return
	}
	if seq, _ := sipmsg.CSeq(req); seq != c.cseq {
		return
	}

	slog.Warn("[Register] Request timeout", "call_id", c.callID, "state", c.state.String())
	switch c.state {
	case StateUnregistering, StateUnregisteringChallenged:
		c.finish(events.Closed, reasonTimeout)
	default:
		c.fail(reasonTimeout)
	}
}

func (c *Controller) matches(res *sip.Response) bool {
	seq, method := sipmsg.CSeq(res)
	return c.pending != nil && method == sip.REGISTER && seq == c.cseq
}

func (c *Controller) registered(res *sip.Response) {
	c.transition(StateRegistered)
	c.pending, c.tx = nil, nil
	c.intervalRetried = false

	if !c.opened {
		c.opened = true
		aor := c.opts.Identity.AOR()
		slog.Info("[Register] Registered", "aor", aor.String(), "call_id", c.callID)
		c.emit(events.Opened, "")
	}

	if c.pendingUnregister {
		c.pendingUnregister = false
		c.unregister(StateUnregistering, nil)
		return
	}

	interval := c.refreshInterval(res)
	slog.Debug("[Register] Refresh armed", "call_id", c.callID, "in", interval.String())
	c.timer = c.opts.Scheduler.AfterFunc(interval, c.refresh)
}

func (c *Controller) refresh() {
	c.timer = nil
	if c.finished || c.state != StateRegistered {
		return
	}
	slog.Debug("[Register] Refreshing", "call_id", c.callID)
	c.register(StateRefreshing, nil)
}

// refreshInterval applies the refresh policy to the expiry the registrar
// granted.
func (c *Controller) refreshInterval(res *sip.Response) time.Duration {
	if c.opts.Policy == config.RefreshFixed {
		return c.opts.Refresh
	}
	granted := c.grantedExpiry(res)
	if granted > 0 && granted < c.opts.Refresh {
		return granted
	}
	return c.opts.Refresh
}

// grantedExpiry reads the expires parameter of our Contact in res, then the
// Expires header, then falls back to what we asked for.
func (c *Controller) grantedExpiry(res *sip.Response) time.Duration {
	ours := c.opts.Identity.Contact().Address
	for _, h := range res.GetHeaders("Contact") {
		contact, ok := h.(*sip.ContactHeader)
		if !ok || contact.Address.User != ours.User || contact.Address.Host != ours.Host {
			continue
		}
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return time.Duration(n) * time.Second
			}
		}
	}
	if n, ok := sipmsg.HeaderInt(res, "Expires"); ok {
		return time.Duration(n) * time.Second
	}
	return time.Duration(c.expires) * time.Second
}

// retryInterval answers 423 Interval Too Brief once with the registrar minimum.
func (c *Controller) retryInterval(res *sip.Response) {
	minExpires, ok := sipmsg.HeaderInt(res, "Min-Expires")
	if c.intervalRetried || !ok || minExpires <= 0 {
		c.fail(res.Reason)
		return
	}
	c.intervalRetried = true
	c.minExpires = minExpires
	slog.Debug("[Register] Retrying with Min-Expires", "call_id", c.callID, "min_expires", minExpires)
	c.send(c.state, minExpires, nil)
}

func (c *Controller) register(next State, challenge *sip.Response) {
	expires := max(int(math.Ceil(c.opts.Expires.Seconds())), c.minExpires, 1)
	if next == StateRegisteringChallenged && c.expires > 0 {
		expires = c.expires
	}
	c.send(next, expires, challenge)
}

func (c *Controller) unregister(next State, challenge *sip.Response) {
	c.send(next, 0, challenge)
}

// send builds the next REGISTER and moves to next once it is handed to the
// transport. Failures end the registration.
func (c *Controller) send(next State, expires int, challenge *sip.Response) {
	c.cseq++
	c.expires = expires
	req := c.buildRegister(expires)

	if challenge != nil {
		if err := auth.Authorize(req, challenge, c.opts.Credentials); err != nil {
			slog.Warn("[Register] Cannot answer challenge", "call_id", c.callID, "error", err)
			c.failOrClose(reasonAuthRequired)
			return
		}
	}

	tx, err := c.opts.Transport.Request(req)
	if err != nil {
		slog.Error("[Register] Send failed", "call_id", c.callID, "error", err)
		c.failOrClose(err.Error())
		return
	}
	c.pending, c.tx = req, tx
	if next != c.state {
		c.transition(next)
	}
}

func (c *Controller) failOrClose(reason string) {
	switch c.state {
	case StateUnregistering, StateUnregisteringChallenged, StateRegistered:
		c.finish(events.Closed, reason)
	default:
		c.fail(reason)
	}
}

func (c *Controller) buildRegister(expires int) *sip.Request {
	id := c.opts.Identity
	req := sipmsg.NewRequest(sipmsg.Params{
		Method:    sip.REGISTER,
		Recipient: sip.Uri{Scheme: "sip", Host: id.Domain},
		From:      id.From(c.fromTag),
		To:        &sip.ToHeader{Address: id.AOR(), Params: sip.NewParams()},
		CallID:    c.callID,
		CSeq:      c.cseq,
		Contact:   id.Contact(),
		UserAgent: id.UserAgent,
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return req
}

// fail ends the registration with open-error before the first success and
// closed afterwards.
func (c *Controller) fail(reason string) {
	if c.opened {
		c.finish(events.Closed, reason)
		return
	}
	c.finish(events.OpenError, reason)
}

// finish ends the lifecycle, reporting t unless it is empty.
func (c *Controller) finish(t events.Type, reason string) {
	if c.finished {
		return
	}
	c.finished = true
	c.stopTimer()
	if c.state != StateUnregistered {
		c.transition(StateUnregistered)
	}
	c.pending, c.tx = nil, nil

	slog.Info("[Register] Finished", "call_id", c.callID, "event", string(t), "reason", reason)
	if t != "" {
		c.emit(t, reason)
	}
	if c.opts.OnDone != nil {
		c.opts.OnDone()
	}
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) transition(next State) {
	if !c.state.CanTransitionTo(next) {
		slog.Warn("[Register] Unexpected transition",
			"call_id", c.callID,
			"from", c.state.String(),
			"to", next.String(),
		)
	}
	c.state = next
}

func (c *Controller) emit(t events.Type, reason string) {
	e := events.New(t, events.SourceRegistration, c.callID)
	e.Reason = reason
	c.opts.Emitter.Emit(e)
}
