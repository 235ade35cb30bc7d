// Package sessiontest provides in-memory engine fakes for controller tests.
package sessiontest

import (
	"errors"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/session"
)

// ErrSendFailed is returned by Transport when FailNext is set.
var ErrSendFailed = errors.New("send failed")

// Transport records every request handed to it.
type Transport struct {
	mu       sync.Mutex
	requests []*sip.Request
	writes   []*sip.Request
	txs      []*ClientTx

	// FailNext makes the next Request or Write return ErrSendFailed.
	FailNext bool
}

// Request implements session.Transport.
func (t *Transport) Request(req *sip.Request) (session.ClientTx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext {
		t.FailNext = false
		return nil, ErrSendFailed
	}
	t.requests = append(t.requests, req)
	tx := &ClientTx{Req: req}
	t.txs = append(t.txs, tx)
	return tx, nil
}

// Write implements session.Transport.
func (t *Transport) Write(req *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext {
		t.FailNext = false
		return ErrSendFailed
	}
	t.writes = append(t.writes, req)
	return nil
}

// Requests returns the requests sent in transactions.
func (t *Transport) Requests() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.requests...)
}

// Writes returns the requests sent outside transactions.
func (t *Transport) Writes() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.writes...)
}

// Last returns the last request sent in a transaction, or nil.
func (t *Transport) Last() *sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.requests) == 0 {
		return nil
	}
	return t.requests[len(t.requests)-1]
}

// Methods returns the methods of the requests sent in transactions.
func (t *Transport) Methods() []sip.RequestMethod {
	t.mu.Lock()
	defer t.mu.Unlock()
	methods := make([]sip.RequestMethod, len(t.requests))
	for i, r := range t.requests {
		methods[i] = r.Method
	}
	return methods
}

// Transactions returns the client transactions handed out, in order.
func (t *Transport) Transactions() []*ClientTx {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ClientTx(nil), t.txs...)
}

// Count returns how many transaction requests used method.
func (t *Transport) Count(method sip.RequestMethod) int {
	n := 0
	for _, m := range t.Methods() {
		if m == method {
			n++
		}
	}
	return n
}

// ClientTx is a fake outbound transaction.
type ClientTx struct {
	Req        *sip.Request
	Terminated bool
}

// Terminate implements session.ClientTx.
func (c *ClientTx) Terminate() { c.Terminated = true }

// ServerTx records responses.
type ServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	// Err is returned by Respond.
	Err error
}

// Respond implements session.ServerTx.
func (s *ServerTx) Respond(res *sip.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.responses = append(s.responses, res)
	return nil
}

// Responses returns the responses sent.
func (s *ServerTx) Responses() []*sip.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Response(nil), s.responses...)
}

// Codes returns the status codes sent.
func (s *ServerTx) Codes() []sip.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]sip.StatusCode, len(s.responses))
	for i, r := range s.responses {
		codes[i] = r.StatusCode
	}
	return codes
}

// Scheduler keeps timers until Fire is called.
type Scheduler struct {
	mu     sync.Mutex
	timers []*Timer
}

// Timer is a fake timer.
type Timer struct {
	Delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// Stop implements session.Timer.
func (t *Timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool {
	return !t.stopped && !t.fired
}

// AfterFunc implements session.Scheduler.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) session.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Timer{Delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Pending returns the timers not yet fired or stopped.
func (s *Scheduler) Pending() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Timer
	for _, t := range s.timers {
		if t.Active() {
			pending = append(pending, t)
		}
	}
	return pending
}

// FireAll runs every pending timer once and returns how many fired.
func (s *Scheduler) FireAll() int {
	pending := s.Pending()
	for _, t := range pending {
		t.fired = true
		t.fn()
	}
	return len(pending)
}
