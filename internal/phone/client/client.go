// Package client is the application facade of the phone. It owns the
// signaling goroutine, the session registry and the registration, routes
// engine events to controllers and creates controllers for new sessions.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/auth"
	"github.com/sebas/webphone/internal/phone/call"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/message"
	"github.com/sebas/webphone/internal/phone/registration"
	"github.com/sebas/webphone/internal/phone/session"
	"github.com/sebas/webphone/internal/phone/sipmsg"
)

// Allow lists the methods we answer, for OPTIONS responses.
const Allow = "INVITE, ACK, BYE, CANCEL, OPTIONS, MESSAGE, INFO"

// Option customizes a Client.
type Option func(*Client)

// WithDispatcher delivers events through d instead of a private dispatcher.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithScheduler replaces the timer source of every controller.
func WithScheduler(s session.Scheduler) Option {
	return func(c *Client) { c.scheduler = s }
}

// networker is implemented by transports that know their network name.
type networker interface {
	Network() string
}

// Client is safe for concurrent use. Controllers only ever run on the
// goroutine executing Run.
type Client struct {
	cfg      *config.Config
	identity sipmsg.Identity
	creds    auth.Credentials

	transport  session.Transport
	dispatcher *events.Dispatcher
	scheduler  session.Scheduler
	registry   *session.Registry

	tasks    chan func()
	stopped  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once

	runMu   sync.Mutex
	running bool

	// Owned by the signaling goroutine.
	reg     *registration.Controller
	regDone chan struct{}
	closing bool
}

// New validates cfg and creates a client. Run must be called for the
// client to do anything.
func New(cfg *config.Config, tr session.Transport, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: transport", config.ErrMissingOption)
	}

	network := "udp"
	if n, ok := tr.(networker); ok {
		network = n.Network()
	}

	c := &Client{
		cfg: cfg,
		identity: sipmsg.Identity{
			User:          cfg.Username,
			Domain:        cfg.Domain,
			DisplayName:   cfg.DisplayName,
			UserAgent:     cfg.UserAgent,
			ContactHost:   cfg.AdvertiseAddr,
			ContactPort:   cfg.Port,
			Transport:     network,
			ContactParams: cfg.ContactParams,
		},
		creds:     auth.Credentials{Username: cfg.AuthUser(), Password: cfg.Password},
		transport: tr,
		registry:  session.NewRegistry(),
		tasks:     make(chan func(), taskQueueSize),
		stopped:   make(chan struct{}),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = events.NewDispatcher()
	}
	if c.scheduler == nil {
		c.scheduler = loopScheduler{c: c}
	}
	return c, nil
}

// Identity returns the local party used in requests.
func (c *Client) Identity() sipmsg.Identity { return c.identity }

// Subscribe adds an application listener.
func (c *Client) Subscribe(l events.Listener) {
	c.dispatcher.Subscribe(l)
}

// Sessions returns the number of live calls and messages.
func (c *Client) Sessions() int { return c.registry.Len() }

// Run executes the signaling loop until ctx is done or Close completes.
func (c *Client) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	select {
	case <-c.stopped:
		c.runMu.Unlock()
		return ErrClosed
	default:
	}
	c.running = true
	c.runMu.Unlock()

	defer c.stopOnce.Do(func() { close(c.stopped) })

	aor := c.identity.AOR()
	slog.Info("[Client] Signaling loop started", "aor", aor.String())
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.quit:
			slog.Info("[Client] Signaling loop stopped")
			return nil
		case <-ctx.Done():
			slog.Info("[Client] Signaling loop cancelled")
			return nil
		}
	}
}

func (c *Client) emit(t events.Type, src events.Source, callID string) {
	c.dispatcher.Emit(events.New(t, src, callID))
}

// Open starts the registration, or reports opened right away when
// registration is disabled.
func (c *Client) Open() error {
	return c.call(func() error {
		if c.closing {
			return ErrClosed
		}
		if !c.cfg.RegisterMode {
			c.emit(events.Opened, events.SourceClient, "")
			return nil
		}
		if c.reg != nil && !c.reg.Finished() {
			return ErrAlreadyOpen
		}

		var reg *registration.Controller
		reg = registration.New(registration.Options{
			Identity:    c.identity,
			Credentials: c.creds,
			Expires:     c.cfg.RegisterExpires,
			Refresh:     c.cfg.SessionRefresh,
			Policy:      c.cfg.RefreshPolicy,
			Transport:   c.transport,
			Scheduler:   c.scheduler,
			Emitter:     c.dispatcher,
			OnDone:      func() { c.registrationDone(reg) },
		})
		c.reg = reg
		return reg.Open()
	})
}

func (c *Client) registrationDone(reg *registration.Controller) {
	if reg != c.reg || c.regDone == nil {
		return
	}
	close(c.regDone)
	c.regDone = nil
}

// Dial places a call to target ("bob", "bob@host" or a SIP URI) with the
// given SDP offer and extra headers.
func (c *Client) Dial(target, sdpOffer string, headers map[string]string) (*Call, error) {
	uri, err := sipmsg.ParseTarget(target, c.cfg.Domain)
	if err != nil {
		return nil, err
	}

	var handle *Call
	err = c.call(func() error {
		if c.closing {
			return ErrClosed
		}
		ctrl := c.newCall(call.Options{
			Role:    call.RoleCaller,
			Target:  uri,
			Headers: headers,
		})
		if err := c.registry.Add(ctrl); err != nil {
			return err
		}
		handle = newCallHandle(c, ctrl)
		return ctrl.Invite(sdpOffer)
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// newCall fills the client-wide options of a call controller.
func (c *Client) newCall(opts call.Options) *call.Controller {
	opts.Identity = c.identity
	opts.Credentials = c.creds
	opts.CancelTimeout = c.cfg.CancelTimeout
	opts.RejectUnexpected = c.cfg.RejectUnmatched
	opts.Transport = c.transport
	opts.Scheduler = c.scheduler
	opts.Emitter = c.dispatcher
	opts.OnDone = c.removeCall
	return call.New(opts)
}

func (c *Client) removeCall(ctrl *call.Controller) { c.registry.Remove(ctrl) }

func (c *Client) removeMessage(ctrl *message.Controller) { c.registry.Remove(ctrl) }

// Call returns the handle of a live call, typically one announced by a
// ringing event.
func (c *Client) Call(callID string) (*Call, bool) {
	s, ok := c.registry.Get(callID)
	if !ok {
		return nil, false
	}
	ctrl, ok := s.(*call.Controller)
	if !ok {
		return nil, false
	}
	return newCallHandle(c, ctrl), true
}

// SendMessage sends text to target outside any call and returns the
// Call-ID its sent or send-error event will carry.
func (c *Client) SendMessage(target, text string) (string, error) {
	uri, err := sipmsg.ParseTarget(target, c.cfg.Domain)
	if err != nil {
		return "", err
	}

	callID := sipmsg.NewCallID(c.cfg.Domain)
	err = c.call(func() error {
		if c.closing {
			return ErrClosed
		}
		ctrl := message.New(message.Options{
			CallID:      callID,
			Build:       message.Standalone(c.identity, uri, callID, text),
			Credentials: c.creds,
			Transport:   c.transport,
			Emitter:     c.dispatcher,
			OnDone:      c.removeMessage,
		})
		if err := c.registry.Add(ctrl); err != nil {
			return err
		}
		return ctrl.Send()
	})
	if err != nil {
		return "", err
	}
	return callID, nil
}

// HandleRequest implements transport.Handler. It returns once the
// request has been processed on the signaling goroutine.
func (c *Client) HandleRequest(req *sip.Request, tx session.ServerTx) {
	err := c.call(func() error {
		c.dispatchRequest(req, tx)
		return nil
	})
	if err != nil {
		slog.Warn("[Client] Dropping request", "method", req.Method.String(), "error", err)
	}
}

// HandleResponse implements transport.Handler.
func (c *Client) HandleResponse(res *sip.Response) {
	if err := c.post(func() { c.dispatchResponse(res) }); err != nil {
		slog.Debug("[Client] Dropping response", "status", int(res.StatusCode), "error", err)
	}
}

// HandleTimeout implements transport.Handler.
func (c *Client) HandleTimeout(req *sip.Request) {
	if err := c.post(func() { c.dispatchTimeout(req) }); err != nil {
		slog.Debug("[Client] Dropping timeout", "method", req.Method.String(), "error", err)
	}
}

func (c *Client) dispatchRequest(req *sip.Request, tx session.ServerTx) {
	callID := sipmsg.CallID(req)
	if s, ok := c.registry.Get(callID); ok {
		s.OnRequest(req, tx)
		return
	}

	switch req.Method {
	case sip.INVITE:
		if c.closing {
			respond(req, tx, sip.StatusServiceUnavailable, "Service Unavailable")
			return
		}
		ctrl := c.newCall(call.Options{CallID: callID, Role: call.RoleCallee})
		if err := c.registry.Add(ctrl); err != nil {
			slog.Error("[Client] Cannot register call", "call_id", callID, "error", err)
			respond(req, tx, sip.StatusBadRequest, "Bad Request")
			return
		}
		ctrl.OnRequest(req, tx)

	case sip.MESSAGE:
		ctrl := message.New(message.Options{
			CallID:  callID,
			Emitter: c.dispatcher,
			OnDone:  c.removeMessage,
		})
		if err := c.registry.Add(ctrl); err != nil {
			slog.Error("[Client] Cannot register message", "call_id", callID, "error", err)
			respond(req, tx, sip.StatusBadRequest, "Bad Request")
			return
		}
		ctrl.OnRequest(req, tx)

	case sip.OPTIONS:
		res := sipmsg.NewResponse(req, sip.StatusOK, "OK", sipmsg.NewTag(), nil)
		res.AppendHeader(sip.NewHeader("Allow", Allow))
		res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
		if c.cfg.UserAgent != "" {
			res.AppendHeader(sip.NewHeader("User-Agent", c.cfg.UserAgent))
		}
		if tx != nil {
			if err := tx.Respond(res); err != nil {
				slog.Warn("[Client] Failed to answer OPTIONS", "error", err)
			}
		}

	case sip.ACK:
		slog.Debug("[Client] ACK for unknown session", "call_id", callID)

	default:
		slog.Warn("[Client] Unmatched request",
			"method", req.Method.String(),
			"call_id", callID,
		)
		if !c.cfg.RejectUnmatched {
			return
		}
		if inDialog(req) {
			respond(req, tx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		} else {
			respond(req, tx, sip.StatusNotImplemented, "Not Implemented")
		}
	}
}

// inDialog reports requests that only make sense inside an existing
// dialog or transaction.
func inDialog(req *sip.Request) bool {
	switch req.Method {
	case sip.BYE, sip.CANCEL, sip.INFO, sip.UPDATE, sip.PRACK, sip.NOTIFY, sip.REFER:
		return true
	}
	if to := req.To(); to != nil && sipmsg.Tag(to.Params) != "" {
		return true
	}
	return false
}

func respond(req *sip.Request, tx session.ServerTx, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	if err := tx.Respond(sipmsg.NewResponse(req, code, reason, sipmsg.NewTag(), nil)); err != nil {
		slog.Warn("[Client] Failed to respond",
			"method", req.Method.String(),
			"status", int(code),
			"error", err,
		)
	}
}

func (c *Client) dispatchResponse(res *sip.Response) {
	callID := sipmsg.CallID(res)
	if _, method := sipmsg.CSeq(res); method == sip.REGISTER {
		if c.reg != nil && c.reg.CallID() == callID {
			c.reg.OnResponse(res)
		}
		return
	}
	if s, ok := c.registry.Get(callID); ok {
		s.OnResponse(res)
		return
	}
	slog.Debug("[Client] Response for unknown session",
		"call_id", callID,
		"status", int(res.StatusCode),
	)
}

func (c *Client) dispatchTimeout(req *sip.Request) {
	callID := sipmsg.CallID(req)
	if req.Method == sip.REGISTER {
		if c.reg != nil && c.reg.CallID() == callID {
			c.reg.OnTimeout(req)
		}
		return
	}
	if s, ok := c.registry.Get(callID); ok {
		s.OnTimeout(req)
	}
}

// Close hangs up every call, abandons pending messages, waits for them to
// finish, unregisters and stops the loop. ctx bounds each wait.
func (c *Client) Close(ctx context.Context) error {
	defer c.dispatcher.Close()

	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()
	if !running {
		c.stop(ctx)
		return nil
	}

	drained := make(chan struct{})
	var drainOnce sync.Once
	err := c.call(func() error {
		if c.closing {
			return ErrClosed
		}
		c.closing = true

		signal := func() { drainOnce.Do(func() { close(drained) }) }
		c.registry.OnEmpty(signal)
		sessions := c.registry.List()
		if len(sessions) == 0 {
			signal()
		}
		slog.Info("[Client] Closing", "sessions", len(sessions))
		for _, s := range sessions {
			s.Close()
		}
		return nil
	})
	if err != nil {
		c.stop(ctx)
		if err == ErrClosed {
			return nil
		}
		return err
	}

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}

	unregistered := make(chan struct{})
	_ = c.call(func() error {
		if c.reg == nil || c.reg.Finished() {
			close(unregistered)
			return nil
		}
		c.regDone = unregistered
		c.reg.Close()
		return nil
	})

	if waitErr == nil {
		select {
		case <-unregistered:
		case <-ctx.Done():
			waitErr = fmt.Errorf("waiting for unregistration: %w", ctx.Err())
		case <-c.stopped:
		}
	}

	c.stop(ctx)
	return waitErr
}

func (c *Client) stop(ctx context.Context) {
	c.quitOnce.Do(func() { close(c.quit) })

	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()
	if !running {
		c.stopOnce.Do(func() { close(c.stopped) })
		return
	}
	select {
	case <-c.stopped:
	case <-ctx.Done():
	}
}
