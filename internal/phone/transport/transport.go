// Package transport connects the phone controllers to the sipgo protocol
// engine: client transactions, out-of-transaction writes and the inbound
// request server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/session"
)

// ErrClosed is returned by Request and Write after Close.
var ErrClosed = errors.New("transport closed")

// Methods are the request methods the server routes to the handler.
// Anything else reaches it through the no-route handler.
var Methods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL,
	sip.MESSAGE, sip.INFO, sip.OPTIONS,
}

// discoveryTimeout bounds the SRV lookup done by New.
const discoveryTimeout = 5 * time.Second

// Handler receives everything the engine produces. HandleRequest must not
// return before the request has been processed; the server transaction
// ends when it does.
type Handler interface {
	HandleRequest(req *sip.Request, tx session.ServerTx)
	HandleResponse(res *sip.Response)
	HandleTimeout(req *sip.Request)
}

// Transport implements session.Transport on a sipgo user agent.
type Transport struct {
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	network  string
	proxy    string
	bindAddr string
	port     int

	mu      sync.RWMutex
	handler Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the user agent, its server and client. When cfg has no proxy
// the outbound proxy is discovered through DNS SRV for the domain; if that
// fails requests go straight to their Request-URI.
func New(ctx context.Context, cfg *config.Config, resolver *Resolver) (*Transport, error) {
	network, proxy := "udp", ""
	if cfg.Proxy != "" {
		var err error
		network, proxy, err = config.ParseProxy(cfg.Proxy)
		if err != nil {
			return nil, err
		}
	} else if cfg.Domain != "" && resolver != nil {
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		addr, err := resolver.Discover(dctx, cfg.Domain, network)
		cancel()
		if err != nil {
			slog.Warn("[Transport] Proxy discovery failed, sending direct",
				"domain", cfg.Domain,
				"error", err,
			)
		} else {
			slog.Info("[Transport] Discovered outbound proxy", "domain", cfg.Domain, "proxy", addr)
			proxy = addr
		}
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.AdvertiseAddr))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	tctx, tcancel := context.WithCancel(context.Background())
	t := &Transport{
		ua:       ua,
		srv:      srv,
		client:   client,
		network:  network,
		proxy:    proxy,
		bindAddr: cfg.BindAddr,
		port:     cfg.Port,
		ctx:      tctx,
		cancel:   tcancel,
	}

	for _, m := range Methods {
		srv.OnRequest(m, t.onRequest)
	}
	srv.OnNoRoute(t.onRequest)
	return t, nil
}

// Network returns the transport used towards the proxy: udp, tcp, tls, ws
// or wss.
func (t *Transport) Network() string { return t.network }

// Proxy returns the outbound proxy host:port, or "" when sending direct.
func (t *Transport) Proxy() string { return t.proxy }

// SetHandler installs the receiver of engine events.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Serve listens for inbound requests until ctx is done.
func (t *Transport) Serve(ctx context.Context) error {
	listenNet := "udp"
	if t.network == "tcp" {
		listenNet = "tcp"
	}
	listenAddr := net.JoinHostPort(t.bindAddr, strconv.Itoa(t.port))
	slog.Info("[Transport] Starting SIP server",
		"listen_addr", listenAddr,
		"network", listenNet,
		"proxy", t.proxy,
	)

	if err := t.srv.ListenAndServe(ctx, listenNet, listenAddr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("listen %s %s: %w", listenNet, listenAddr, err)
	}
	return nil
}

// Request implements session.Transport. The outcome of the transaction is
// delivered to the handler as responses and, when no final response
// arrives, a timeout.
func (t *Transport) Request(req *sip.Request) (session.ClientTx, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.route(req)

	tx, err := t.client.TransactionRequest(t.ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	slog.Debug("[Transport] Request sent",
		"method", req.Method.String(),
		"call_id", callID(req),
		"destination", req.Destination(),
	)

	t.wg.Add(1)
	go t.watch(req, tx)
	return tx, nil
}

// Write implements session.Transport.
func (t *Transport) Write(req *sip.Request) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.route(req)
	if err := t.client.WriteRequest(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

func (t *Transport) route(req *sip.Request) {
	if t.proxy != "" {
		req.SetDestination(t.proxy)
	}
	req.SetTransport(strings.ToUpper(t.network))
}

func (t *Transport) watch(req *sip.Request, tx sip.ClientTransaction) {
	defer t.wg.Done()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if h := t.getHandler(); h != nil {
				h.HandleResponse(res)
			}
			if !res.IsProvisional() {
				return
			}
		case <-tx.Done():
			slog.Debug("[Transport] Transaction ended without final response",
				"method", req.Method.String(),
				"call_id", callID(req),
				"error", tx.Err(),
			)
			if h := t.getHandler(); h != nil {
				h.HandleTimeout(req)
			}
			return
		case <-t.ctx.Done():
			tx.Terminate()
			return
		}
	}
}

func (t *Transport) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	h := t.getHandler()
	if h == nil || t.isClosed() {
		if tx != nil {
			res := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil)
			if err := tx.Respond(res); err != nil {
				slog.Warn("[Transport] Failed to respond", "error", err)
			}
		}
		return
	}

	h.HandleRequest(req, tx)

	// The INVITE transaction lives until the user answers it.
	if req.IsInvite() && tx != nil {
		select {
		case <-tx.Done():
		case <-t.ctx.Done():
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close stops every transaction watcher and closes the user agent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return t.ua.Close()
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
