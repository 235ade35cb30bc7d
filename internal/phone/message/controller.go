// Package message implements SIP MESSAGE send and receive, standalone or
// inside a call.
package message

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/auth"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/session"
	"github.com/sebas/webphone/internal/phone/sipmsg"
)

// ContentType is the body type of messages we send.
const ContentType = "text/plain;charset=UTF-8"

// ErrInvalidState is returned by Send on a controller already used.
var ErrInvalidState = errors.New("invalid message state")

const (
	reasonTimeout = "timeout"
	reasonClosed  = "closed"
)

// RequestFactory builds a fresh MESSAGE, with its own CSeq, for each attempt.
type RequestFactory func() *sip.Request

// Options configure a Controller.
type Options struct {
	CallID string
	// Build is required for outbound messages.
	Build       RequestFactory
	Credentials auth.Credentials

	Transport session.Transport
	Emitter   events.Emitter

	// Source and ReceivedType select how events are reported: a standalone
	// message reports "received", a call-scoped one "message-received" on
	// the call.
	Source       events.Source
	ReceivedType events.Type

	// OnDone runs once on the terminal transition.
	OnDone func(*Controller)
}

// Controller drives one MESSAGE exchange.
type Controller struct {
	opts    Options
	state   State
	pending *sip.Request
	tx      session.ClientTx
}

// New creates a controller in StateUnset.
func New(opts Options) *Controller {
	if opts.Source == "" {
		opts.Source = events.SourceMessage
	}
	if opts.ReceivedType == "" {
		opts.ReceivedType = events.Received
	}
	return &Controller{opts: opts, state: StateUnset}
}

// CallID returns the session identifier.
func (c *Controller) CallID() string { return c.opts.CallID }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Terminated reports whether the exchange is over.
func (c *Controller) Terminated() bool { return c.state.IsTerminal() }

// CSeq returns the sequence number of the MESSAGE in flight.
func (c *Controller) CSeq() uint32 {
	if c.pending == nil {
		return 0
	}
	seq, _ := sipmsg.CSeq(c.pending)
	return seq
}

// Send sends the MESSAGE. It is valid once per controller.
func (c *Controller) Send() error {
	if c.state != StateUnset || c.opts.Build == nil {
		return fmt.Errorf("%w: send in %s", ErrInvalidState, c.state)
	}
	c.send(StateSending, nil)
	return nil
}

func (c *Controller) send(next State, challenge *sip.Response) {
	req := c.opts.Build()
	if challenge != nil {
		if err := auth.Authorize(req, challenge, c.opts.Credentials); err != nil {
			slog.Warn("[Message] Cannot answer challenge", "call_id", c.CallID(), "error", err)
			c.failed(challenge.Reason)
			return
		}
	}

	tx, err := c.opts.Transport.Request(req)
	if err != nil {
		slog.Error("[Message] Send failed", "call_id", c.CallID(), "error", err)
		c.failed(err.Error())
		return
	}
	c.pending, c.tx = req, tx
	c.state = next
	slog.Debug("[Message] Sent request", "call_id", c.CallID(), "state", c.state.String())
}

// OnResponse handles a response to our MESSAGE.
func (c *Controller) OnResponse(res *sip.Response) {
	if c.state.IsTerminal() || c.state == StateUnset {
		slog.Warn("[Message] Response in wrong state",
			"call_id", c.CallID(),
			"status", res.StatusCode,
			"state", c.state.String(),
		)
		return
	}
	if seq, _ := sipmsg.CSeq(res); seq != c.CSeq() {
		slog.Debug("[Message] Ignoring stale response", "call_id", c.CallID(), "status", res.StatusCode)
		return
	}

	code := res.StatusCode
	switch {
	case code == sip.StatusTrying:
		// Hop-by-hop, says nothing about delivery.
	case code < 300:
		c.finish(StateSent, events.Sent, "")
	case sipmsg.IsChallenge(code) && c.state == StateSending:
		if c.opts.Credentials.Empty() {
			c.failed(res.Reason)
			return
		}
		c.send(StateChallenged, res)
	default:
		c.failed(res.Reason)
	}
}

// OnRequest answers an inbound MESSAGE and reports it.
func (c *Controller) OnRequest(req *sip.Request, tx session.ServerTx) {
	if c.state != StateUnset {
		slog.Warn("[Message] Request in wrong state", "call_id", c.CallID(), "state", c.state.String())
		return
	}

	if tx != nil {
		if err := tx.Respond(sipmsg.NewResponse(req, sip.StatusOK, "OK", sipmsg.NewTag(), nil)); err != nil {
			slog.Warn("[Message] Failed to answer MESSAGE", "call_id", c.CallID(), "error", err)
		}
	}

	e := events.New(c.opts.ReceivedType, c.opts.Source, c.CallID())
	if from := req.From(); from != nil {
		e.From = from.Address.String()
		e.DisplayName = from.DisplayName
	}
	e.Body = string(req.Body())
	c.state = StateReceived

	slog.Debug("[Message] Received", "call_id", c.CallID(), "from", e.From)
	c.opts.Emitter.Emit(e)
	c.done()
}

// OnTimeout handles a MESSAGE transaction that ended without a final response.
func (c *Controller) OnTimeout(req *sip.Request) {
	if c.state != StateSending && c.state != StateChallenged {
		return
	}
	if req != nil {
		if seq, _ := sipmsg.CSeq(req); seq != c.CSeq() {
			return
		}
	}
	c.failed(reasonTimeout)
}

// Close abandons a MESSAGE still waiting for its final response and
// reports send-error.
func (c *Controller) Close() {
	switch c.state {
	case StateSending, StateChallenged:
		if c.tx != nil {
			c.tx.Terminate()
		}
		c.failed(reasonClosed)
	case StateUnset:
		c.state = StateSendFailed
		c.done()
	}
}

func (c *Controller) failed(reason string) {
	c.finish(StateSendFailed, events.SendError, reason)
}

func (c *Controller) finish(next State, t events.Type, reason string) {
	if c.state.IsTerminal() {
		return
	}
	c.state = next
	c.pending, c.tx = nil, nil

	e := events.New(t, c.opts.Source, c.CallID())
	e.Reason = reason
	slog.Debug("[Message] Finished", "call_id", c.CallID(), "state", next.String(), "reason", reason)
	c.opts.Emitter.Emit(e)
	c.done()
}

func (c *Controller) done() {
	if c.opts.OnDone != nil {
		c.opts.OnDone(c)
	}
}

// Standalone returns the factory of an out-of-dialog MESSAGE to target.
func Standalone(id sipmsg.Identity, target sip.Uri, callID, text string) RequestFactory {
	fromTag := sipmsg.NewTag()
	var seq uint32
	return func() *sip.Request {
		seq++
		req := sipmsg.NewRequest(sipmsg.Params{
			Method:    sip.MESSAGE,
			Recipient: target,
			From:      id.From(fromTag),
			To:        &sip.ToHeader{Address: target, Params: sip.NewParams()},
			CallID:    callID,
			CSeq:      seq,
			UserAgent: id.UserAgent,
		})
		sipmsg.SetBody(req, ContentType, []byte(text))
		return req
	}
}
