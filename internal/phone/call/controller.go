// Package call implements INVITE-based calls for both roles: outbound
// setup with digest retry and CANCEL, inbound ringing/accept/reject, BYE
// in either direction, DTMF over INFO and in-dialog MESSAGE.
package call

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/auth"
	"github.com/sebas/webphone/internal/phone/dialog"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/message"
	"github.com/sebas/webphone/internal/phone/session"
	"github.com/sebas/webphone/internal/phone/sipmsg"
)

// SDPContentType is the body type of offers and answers.
const SDPContentType = "application/sdp"

// DefaultCancelTimeout bounds the wait for the INVITE final after CANCEL.
const DefaultCancelTimeout = 32 * time.Second

const (
	reasonTimeout     = "Request Timeout"
	reasonNoSDP       = "No SDP in answer"
	reasonNoDialog    = "Invalid 2xx response"
	reasonAckFailed   = "ACK failed"
	reasonAuthFailure = "Authentication Failed"
)

// Options configure a Controller.
type Options struct {
	CallID   string
	Role     Role
	Identity sipmsg.Identity

	Credentials auth.Credentials

	// Target and Headers are used by the caller only. Headers are added to
	// the INVITE as is.
	Target  sip.Uri
	Headers map[string]string

	CancelTimeout time.Duration
	// RejectUnexpected answers requests the current state cannot handle
	// (481) instead of ignoring them.
	RejectUnexpected bool

	Transport session.Transport
	Scheduler session.Scheduler
	Emitter   events.Emitter

	// OnDone runs once, at teardown.
	OnDone func(*Controller)
}

// Controller drives one call. It is not safe for concurrent use; every
// method runs on the client's signaling goroutine.
type Controller struct {
	opts  Options
	state State

	localTag string
	contact  *sip.ContactHeader
	cseq     uint32

	// invite is our latest INVITE (caller) or the received one (callee).
	invite   *sip.Request
	inviteTx session.ClientTx
	serverTx session.ServerTx
	bye      *sip.Request
	dlg      *dialog.Dialog

	remoteID   string
	remoteName string
	headers    map[string]string
	localSDP   string
	remoteSDP  string

	messages    []*message.Controller
	cancelTimer session.Timer

	tornDown       bool
	closedReported bool
}

// New creates a caller controller in StateInvitingInitial or a callee
// controller in StateInvitedInitial.
func New(opts Options) *Controller {
	if opts.CallID == "" {
		opts.CallID = sipmsg.NewCallID(opts.Identity.Domain)
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	c := &Controller{
		opts:     opts,
		state:    StateInvitingInitial,
		localTag: sipmsg.NewTag(),
		contact:  opts.Identity.Contact(),
	}
	if opts.Role == RoleCallee {
		c.state = StateInvitedInitial
	}
	return c
}

// CallID returns the session identifier.
func (c *Controller) CallID() string { return c.opts.CallID }

// Role returns the role fixed at creation.
func (c *Controller) Role() Role { return c.opts.Role }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Terminated reports whether teardown ran.
func (c *Controller) Terminated() bool { return c.tornDown }

// Remote returns the remote party URI and display name.
func (c *Controller) Remote() (string, string) { return c.remoteID, c.remoteName }

// Headers returns the custom headers of the received INVITE.
func (c *Controller) Headers() map[string]string { return c.headers }

// LocalSDP returns the offer or answer we sent.
func (c *Controller) LocalSDP() string { return c.localSDP }

// RemoteSDP returns the offer or answer we received.
func (c *Controller) RemoteSDP() string { return c.remoteSDP }

// Dialog returns the dialog once established, or nil.
func (c *Controller) Dialog() *dialog.Dialog { return c.dlg }

func (c *Controller) setState(next State) {
	if c.state == next {
		return
	}
	if !c.state.CanTransitionTo(next) {
		slog.Warn("[Call] Unexpected state transition",
			"call_id", c.CallID(),
			"from", c.state.String(),
			"to", next.String(),
		)
	}
	slog.Debug("[Call] State changed",
		"call_id", c.CallID(),
		"from", c.state.String(),
		"to", next.String(),
	)
	c.state = next
}

// Invite sends the initial INVITE carrying the SDP offer.
func (c *Controller) Invite(sdpOffer string) error {
	if c.opts.Role != RoleCaller {
		return fmt.Errorf("%w: invite as %s", ErrInvalidRole, c.opts.Role)
	}
	if c.state != StateInvitingInitial {
		return fmt.Errorf("%w: invite in %s", ErrInvalidState, c.state)
	}

	c.localSDP = sdpOffer
	c.remoteID = c.opts.Target.String()

	slog.Info("[Call] Inviting",
		"call_id", c.CallID(),
		"target", c.remoteID,
	)
	if err := c.sendInvite(nil); err != nil {
		c.openFailed(err.Error())
		return nil
	}
	c.setState(StateInviting)
	return nil
}

func (c *Controller) sendInvite(challenge *sip.Response) error {
	c.cseq++
	req := sipmsg.NewRequest(sipmsg.Params{
		Method:    sip.INVITE,
		Recipient: c.opts.Target,
		From:      c.opts.Identity.From(c.localTag),
		To:        &sip.ToHeader{Address: c.opts.Target, Params: sip.NewParams()},
		CallID:    c.CallID(),
		CSeq:      c.cseq,
		Contact:   c.contact,
		UserAgent: c.opts.Identity.UserAgent,
	})
	for name, value := range c.opts.Headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	sipmsg.SetBody(req, SDPContentType, []byte(c.localSDP))

	if challenge != nil {
		if err := auth.Authorize(req, challenge, c.opts.Credentials); err != nil {
			return err
		}
	}

	tx, err := c.opts.Transport.Request(req)
	if err != nil {
		return err
	}
	c.invite, c.inviteTx = req, tx
	return nil
}

// Accept answers the received INVITE with 200 and the SDP answer.
func (c *Controller) Accept(sdpAnswer string) error {
	if c.opts.Role != RoleCallee {
		return fmt.Errorf("%w: accept as %s", ErrInvalidRole, c.opts.Role)
	}
	if c.state != StateInvitedInitial || c.serverTx == nil {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, c.state)
	}

	c.localSDP = sdpAnswer
	res := sipmsg.NewResponse(c.invite, sip.StatusOK, "OK", c.localTag, []byte(sdpAnswer))
	res.AppendHeader(c.contact)
	if sdpAnswer != "" {
		ct := sip.ContentTypeHeader(SDPContentType)
		res.AppendHeader(&ct)
	}

	if err := c.serverTx.Respond(res); err != nil {
		slog.Error("[Call] Failed to send 200 OK", "call_id", c.CallID(), "error", err)
		c.emit(events.OpenError, func(e *events.Event) { e.Reason = err.Error() })
		c.teardown()
		return nil
	}

	c.setState(StateInvitedAccepted)
	slog.Info("[Call] Accepted", "call_id", c.CallID(), "from", c.remoteID)
	c.emit(events.Opened, func(e *events.Event) { e.Body = c.remoteSDP })
	return nil
}

// Reject declines the received INVITE with 486 Busy Here.
func (c *Controller) Reject() error {
	if c.opts.Role != RoleCallee {
		return fmt.Errorf("%w: reject as %s", ErrInvalidRole, c.opts.Role)
	}
	if c.state != StateInvitedInitial {
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, c.state)
	}
	c.respondInvite(sip.StatusBusyHere, "Busy Here")
	c.teardown()
	return nil
}

// Close ends the call from the local side: CANCEL while inviting, BYE once
// accepted, 480 while ringing. It is safe to call more than once.
func (c *Controller) Close() {
	if c.tornDown {
		return
	}

	switch c.state {
	case StateInviting, StateInvitingChallenged:
		c.cancel()
	case StateInvitingAccepted, StateInvitedAccepted:
		c.hangup()
	case StateInvitedInitial:
		c.respondInvite(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		c.teardown()
	case StateInvitingCancelling, StateLocalHangingUp, StateLocalHangingUpChallenged:
		// Already closing.
	default:
		c.teardown()
	}
}

func (c *Controller) cancel() {
	slog.Info("[Call] Cancelling", "call_id", c.CallID())
	if err := c.sendRequest(sipmsg.NewCancel(c.invite)); err != nil {
		slog.Error("[Call] Failed to send CANCEL", "call_id", c.CallID(), "error", err)
		c.cancelled()
		return
	}
	c.setState(StateInvitingCancelling)
	c.cancelTimer = c.opts.Scheduler.AfterFunc(c.opts.CancelTimeout, c.onCancelTimeout)
}

func (c *Controller) onCancelTimeout() {
	if c.state != StateInvitingCancelling {
		return
	}
	slog.Warn("[Call] No final response after CANCEL", "call_id", c.CallID())
	if c.inviteTx != nil {
		c.inviteTx.Terminate()
	}
	c.cancelled()
}

func (c *Controller) hangup() {
	caller := c.opts.Role == RoleCaller
	slog.Info("[Call] Hanging up", "call_id", c.CallID(), "role", c.opts.Role.String())

	if err := c.sendBye(nil); err != nil {
		slog.Error("[Call] Failed to send BYE", "call_id", c.CallID(), "error", err)
		c.teardown()
		return
	}
	c.setState(StateLocalHangingUp)

	// The caller does not wait for the BYE outcome.
	if caller {
		c.reportClosed()
	}
}

func (c *Controller) sendBye(challenge *sip.Response) error {
	req := c.dlg.NewRequest(sip.BYE)
	if ua := c.opts.Identity.UserAgent; ua != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", ua))
	}
	if challenge != nil {
		if err := auth.Authorize(req, challenge, c.opts.Credentials); err != nil {
			return err
		}
	}
	if err := c.sendRequest(req); err != nil {
		return err
	}
	c.bye = req
	return nil
}

func (c *Controller) sendRequest(req *sip.Request) error {
	_, err := c.opts.Transport.Request(req)
	return err
}

// SendDTMF sends tone as an in-dialog INFO.
func (c *Controller) SendDTMF(tone string, duration time.Duration) error {
	t, err := normalizeTone(tone)
	if err != nil {
		return err
	}
	if !c.state.Accepted() {
		return fmt.Errorf("%w: dtmf in %s", ErrInvalidState, c.state)
	}

	req := c.dlg.NewRequest(sip.INFO)
	sipmsg.SetBody(req, DTMFContentType, dtmfBody(t, duration))
	if err := c.sendRequest(req); err != nil {
		return fmt.Errorf("send INFO: %w", err)
	}
	slog.Debug("[Call] Sent DTMF", "call_id", c.CallID(), "tone", t)
	return nil
}

// SendMessage sends text as an in-dialog MESSAGE. The outcome is reported
// as sent or send-error on the call.
func (c *Controller) SendMessage(text string) error {
	if !c.state.Accepted() {
		return fmt.Errorf("%w: message in %s", ErrInvalidState, c.state)
	}
	m := c.newMessage(func() *sip.Request {
		req := c.dlg.NewRequest(sip.MESSAGE)
		sipmsg.SetBody(req, message.ContentType, []byte(text))
		return req
	})
	c.messages = append(c.messages, m)
	return m.Send()
}

func (c *Controller) newMessage(build message.RequestFactory) *message.Controller {
	return message.New(message.Options{
		CallID:       c.CallID(),
		Build:        build,
		Credentials:  c.opts.Credentials,
		Transport:    c.opts.Transport,
		Emitter:      c.opts.Emitter,
		Source:       events.SourceCall,
		ReceivedType: events.MessageReceived,
		OnDone:       c.removeMessage,
	})
}

func (c *Controller) removeMessage(m *message.Controller) {
	for i, cur := range c.messages {
		if cur == m {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

func (c *Controller) messageFor(seq uint32) *message.Controller {
	for _, m := range c.messages {
		if m.CSeq() == seq {
			return m
		}
	}
	return nil
}

// OnRequest handles a request addressed to this call.
func (c *Controller) OnRequest(req *sip.Request, tx session.ServerTx) {
	if c.dlg != nil && !c.dlg.Accept(req) {
		slog.Debug("[Call] Ignoring stale request", "call_id", c.CallID(), "method", req.Method.String())
		return
	}

	switch req.Method {
	case sip.INVITE:
		if c.state == StateInvitedInitial && c.invite == nil {
			c.onInvite(req, tx)
			return
		}
	case sip.CANCEL:
		if c.state == StateInvitedInitial {
			c.onCancel(req, tx)
			return
		}
	case sip.ACK:
		if c.state == StateInvitedAccepted {
			c.dlg.UpdateFromACK(req)
			return
		}
	case sip.BYE:
		if c.state.Accepted() || c.state.HangingUp() {
			c.onBye(req, tx)
			return
		}
	case sip.INFO:
		if c.state.Accepted() {
			c.onInfo(req, tx)
			return
		}
	case sip.MESSAGE:
		if c.state.Accepted() {
			c.newMessage(nil).OnRequest(req, tx)
			return
		}
	}

	slog.Warn("[Call] Request ignored in current state",
		"call_id", c.CallID(),
		"method", req.Method.String(),
		"state", c.state.String(),
	)
	if tx == nil || req.Method == sip.ACK {
		return
	}
	if c.dlg != nil {
		c.onUnsupportedInDialog(req, tx)
		return
	}
	if c.opts.RejectUnexpected {
		c.respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", "")
	}
}

// onUnsupportedInDialog answers requests we do not act on inside a live
// dialog without ending it.
func (c *Controller) onUnsupportedInDialog(req *sip.Request, tx session.ServerTx) {
	switch req.Method {
	case sip.OPTIONS:
		c.respond(req, tx, sip.StatusOK, "OK", "")
	case sip.INVITE, sip.UPDATE:
		if c.state.Accepted() {
			c.respond(req, tx, sip.StatusNotAcceptableHere, "Not Acceptable Here", "")
		}
	}
}

func (c *Controller) onInvite(req *sip.Request, tx session.ServerTx) {
	c.invite, c.serverTx = req, tx
	c.remoteSDP = string(req.Body())
	c.headers = sipmsg.CustomHeaders(req)
	if from := req.From(); from != nil {
		c.remoteID = from.Address.String()
		c.remoteName = from.DisplayName
	}

	dlg, err := dialog.NewInbound(req, c.localTag, c.contact)
	if err != nil {
		slog.Error("[Call] Malformed INVITE", "call_id", c.CallID(), "error", err)
		c.respond(req, tx, sip.StatusBadRequest, "Bad Request", "")
		c.teardown()
		return
	}
	c.dlg = dlg

	c.respond(req, tx, sip.StatusTrying, "Trying", "")
	c.respondInvite(sip.StatusRinging, "Ringing")

	slog.Info("[Call] Incoming call",
		"call_id", c.CallID(),
		"from", c.remoteID,
		"display_name", c.remoteName,
	)
	c.emit(events.Ringing, func(e *events.Event) {
		e.From = c.remoteID
		e.DisplayName = c.remoteName
		e.Headers = c.headers
		e.Body = c.remoteSDP
	})
}

func (c *Controller) onCancel(req *sip.Request, tx session.ServerTx) {
	slog.Info("[Call] Cancelled by caller", "call_id", c.CallID())
	c.respond(req, tx, sip.StatusOK, "OK", "")
	c.respondInvite(sip.StatusRequestTerminated, "Request Terminated")

	c.setState(StateCancelled)
	c.emit(events.Cancelled, nil)
	c.emit(events.Hangup, nil)
	c.teardown()
}

func (c *Controller) onBye(req *sip.Request, tx session.ServerTx) {
	slog.Info("[Call] Remote hangup", "call_id", c.CallID())
	c.respond(req, tx, sip.StatusOK, "OK", "")

	c.setState(StateHangup)
	c.emit(events.Hangup, nil)
	c.teardown()
}

func (c *Controller) onInfo(req *sip.Request, tx session.ServerTx) {
	c.respond(req, tx, sip.StatusOK, "OK", "")

	var ct string
	if h := req.ContentType(); h != nil {
		ct = h.Value()
	}
	tone, ok := parseDTMF(ct, req.Body())
	if !ok {
		slog.Debug("[Call] INFO without DTMF", "call_id", c.CallID(), "content_type", ct)
		return
	}
	slog.Debug("[Call] Received DTMF", "call_id", c.CallID(), "tone", tone)
	c.emit(events.DTMF, func(e *events.Event) { e.Body = tone })
}

// respondInvite answers the stored INVITE server transaction.
func (c *Controller) respondInvite(code sip.StatusCode, reason string) {
	if c.invite == nil || c.serverTx == nil {
		return
	}
	res := sipmsg.NewResponse(c.invite, code, reason, c.localTag, nil)
	if code < 300 {
		res.AppendHeader(c.contact)
	}
	if err := c.serverTx.Respond(res); err != nil {
		slog.Warn("[Call] Failed to answer INVITE",
			"call_id", c.CallID(),
			"status", int(code),
			"error", err,
		)
	}
}

func (c *Controller) respond(req *sip.Request, tx session.ServerTx, code sip.StatusCode, reason, body string) {
	if tx == nil {
		return
	}
	res := sipmsg.NewResponse(req, code, reason, c.localTag, []byte(body))
	if err := tx.Respond(res); err != nil {
		slog.Warn("[Call] Failed to respond",
			"call_id", c.CallID(),
			"method", req.Method.String(),
			"status", int(code),
			"error", err,
		)
	}
}

// OnResponse handles a response to one of our requests.
func (c *Controller) OnResponse(res *sip.Response) {
	seq, method := sipmsg.CSeq(res)

	switch method {
	case sip.INVITE:
		if c.invite == nil || c.opts.Role != RoleCaller || seq != c.cseq {
			break
		}
		c.onInviteResponse(res)
		return
	case sip.CANCEL:
		if c.state == StateInvitingCancelling && seq == c.cseq {
			c.onCancelResponse(res)
			return
		}
	case sip.BYE:
		if c.bye != nil && c.state.HangingUp() {
			if byeSeq, _ := sipmsg.CSeq(c.bye); byeSeq == seq {
				c.onByeResponse(res)
				return
			}
		}
	case sip.INFO:
		if res.StatusCode >= 300 {
			slog.Warn("[Call] INFO rejected", "call_id", c.CallID(), "status", int(res.StatusCode))
		}
		return
	case sip.MESSAGE:
		if m := c.messageFor(seq); m != nil {
			m.OnResponse(res)
			return
		}
	}

	slog.Debug("[Call] Ignoring response",
		"call_id", c.CallID(),
		"method", string(method),
		"status", int(res.StatusCode),
		"state", c.state.String(),
	)
}

func (c *Controller) onInviteResponse(res *sip.Response) {
	code := res.StatusCode

	switch c.state {
	case StateInviting, StateInvitingChallenged:
		switch {
		case code == sip.StatusRinging:
			c.emit(events.RingingBack, nil)
		case code == sip.StatusSessionInProgress:
			c.emit(events.InProgress, func(e *events.Event) { e.Body = string(res.Body()) })
		case res.IsProvisional():
		case res.IsSuccess():
			c.onInviteAccepted(res)
		case sipmsg.IsChallenge(code) && c.state == StateInviting:
			c.retryInvite(res)
		default:
			slog.Warn("[Call] INVITE failed",
				"call_id", c.CallID(),
				"status", int(code),
				"reason", res.Reason,
			)
			c.openFailed(res.Reason)
		}

	case StateInvitingCancelling:
		switch {
		case res.IsProvisional():
		case res.IsSuccess():
			// Answered before the CANCEL took effect; release it.
			if dlg, err := dialog.NewOutbound(c.invite, res); err == nil {
				c.dlg = dlg
				if err := c.opts.Transport.Write(dlg.BuildACK()); err != nil {
					slog.Warn("[Call] Failed to ACK", "call_id", c.CallID(), "error", err)
				}
				if err := c.sendBye(nil); err != nil {
					slog.Warn("[Call] Failed to release answered call", "call_id", c.CallID(), "error", err)
				}
			}
			c.cancelled()
		default:
			c.cancelled()
		}

	case StateInvitingAccepted, StateLocalHangingUp, StateLocalHangingUpChallenged:
		if res.IsSuccess() && c.dlg != nil {
			// 2xx retransmission: our ACK was lost.
			if err := c.opts.Transport.Write(c.dlg.BuildACK()); err != nil {
				slog.Warn("[Call] Failed to re-ACK", "call_id", c.CallID(), "error", err)
			}
		}

	default:
		slog.Debug("[Call] INVITE response in wrong state",
			"call_id", c.CallID(),
			"status", int(code),
			"state", c.state.String(),
		)
	}
}

func (c *Controller) retryInvite(res *sip.Response) {
	if c.opts.Credentials.Empty() {
		slog.Warn("[Call] Challenged without credentials", "call_id", c.CallID())
		c.openFailed(res.Reason)
		return
	}
	if err := c.sendInvite(res); err != nil {
		slog.Error("[Call] Failed to resend INVITE", "call_id", c.CallID(), "error", err)
		c.openFailed(reasonAuthFailure)
		return
	}
	c.setState(StateInvitingChallenged)
}

func (c *Controller) onInviteAccepted(res *sip.Response) {
	dlg, err := dialog.NewOutbound(c.invite, res)
	if err != nil {
		slog.Error("[Call] Cannot build dialog", "call_id", c.CallID(), "error", err)
		c.openFailed(reasonNoDialog)
		return
	}
	c.dlg = dlg
	c.setState(StateInvitingAccepted)

	if err := c.opts.Transport.Write(dlg.BuildACK()); err != nil {
		slog.Error("[Call] Failed to send ACK", "call_id", c.CallID(), "error", err)
		c.emit(events.OpenError, func(e *events.Event) { e.Reason = reasonAckFailed })
		c.Close()
		return
	}

	c.remoteSDP = string(res.Body())
	if c.remoteSDP == "" {
		slog.Error("[Call] 2xx without SDP answer", "call_id", c.CallID())
		c.emit(events.OpenError, func(e *events.Event) { e.Reason = reasonNoSDP })
		c.Close()
		return
	}

	if to := res.To(); to != nil && to.DisplayName != "" {
		c.remoteName = to.DisplayName
	}
	slog.Info("[Call] Call established", "call_id", c.CallID(), "target", c.remoteID)
	c.emit(events.Opened, func(e *events.Event) { e.Body = c.remoteSDP })
}

func (c *Controller) onCancelResponse(res *sip.Response) {
	if res.IsProvisional() {
		return
	}
	if res.IsSuccess() {
		slog.Debug("[Call] CANCEL accepted, waiting for INVITE final", "call_id", c.CallID())
		return
	}
	slog.Warn("[Call] CANCEL rejected", "call_id", c.CallID(), "status", int(res.StatusCode))
	c.cancelled()
}

func (c *Controller) onByeResponse(res *sip.Response) {
	if res.IsProvisional() {
		return
	}
	if sipmsg.IsChallenge(res.StatusCode) && c.state == StateLocalHangingUp && !c.opts.Credentials.Empty() {
		if err := c.sendBye(res); err == nil {
			c.setState(StateLocalHangingUpChallenged)
			return
		}
	}
	if !res.IsSuccess() {
		slog.Warn("[Call] BYE failed", "call_id", c.CallID(), "status", int(res.StatusCode))
	}
	c.teardown()
}

// OnTimeout handles a transaction that ended without a final response.
func (c *Controller) OnTimeout(req *sip.Request) {
	seq, method := sipmsg.CSeq(req)
	switch method {
	case sip.MESSAGE:
		if m := c.messageFor(seq); m != nil {
			m.OnTimeout(req)
		}
		return
	case sip.INFO:
		slog.Warn("[Call] INFO timed out", "call_id", c.CallID())
		return
	}

	if c.tornDown {
		return
	}
	slog.Warn("[Call] Transaction timed out",
		"call_id", c.CallID(),
		"method", string(method),
		"state", c.state.String(),
	)
	switch {
	case c.state.Inviting():
		c.openFailed(reasonTimeout)
	case c.state == StateInvitingCancelling:
		c.cancelled()
	default:
		c.teardown()
	}
}

func (c *Controller) openFailed(reason string) {
	c.setState(StateInvitingError)
	c.emit(events.OpenError, func(e *events.Event) { e.Reason = reason })
	c.teardown()
}

func (c *Controller) cancelled() {
	c.setState(StateCancelled)
	c.emit(events.Cancelled, nil)
	c.teardown()
}

func (c *Controller) reportClosed() {
	if c.closedReported {
		return
	}
	c.closedReported = true
	c.emit(events.Closed, nil)
}

// teardown releases the call exactly once: terminal state, timers stopped,
// closed reported, registry hook invoked.
func (c *Controller) teardown() {
	if c.tornDown {
		return
	}
	c.tornDown = true

	if !c.state.IsTerminal() {
		c.setState(StateHangup)
	}
	if c.cancelTimer != nil {
		c.cancelTimer.Stop()
		c.cancelTimer = nil
	}
	pending := c.messages
	c.messages = nil
	for _, m := range pending {
		m.Close()
	}
	c.reportClosed()

	slog.Debug("[Call] Torn down", "call_id", c.CallID(), "state", c.state.String())
	if c.opts.OnDone != nil {
		c.opts.OnDone(c)
	}
}

func (c *Controller) emit(t events.Type, fill func(*events.Event)) {
	e := events.New(t, events.SourceCall, c.CallID())
	if fill != nil {
		fill(&e)
	}
	c.opts.Emitter.Emit(e)
}
