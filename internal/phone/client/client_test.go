package client

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/call"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/session/sessiontest"
	"github.com/sebas/webphone/internal/phone/sipmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	offer  = "v=0\r\no=alice 1 1 IN IP4 10.0.0.1\r\ns=-\r\n"
	answer = "v=0\r\no=bob 2 2 IN IP4 10.0.0.2\r\ns=-\r\n"
)

type fixture struct {
	c   *Client
	tr  *sessiontest.Transport
	rec *events.Recorder
	run chan error
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Domain = "sip.net"
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.AdvertiseAddr = "10.0.0.1"
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		tr:  &sessiontest.Transport{},
		rec: &events.Recorder{},
		run: make(chan error, 1),
	}
	c, err := New(cfg, f.tr, WithScheduler(&sessiontest.Scheduler{}))
	require.NoError(t, err)
	c.Subscribe(f.rec.Emit)
	f.c = c

	go func() { f.run <- c.Run(context.Background()) }()
	f.sync(t)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_ = c.Close(ctx)
		select {
		case <-f.run:
		case <-time.After(time.Second):
			t.Error("signaling loop did not stop")
		}
	})
	return f
}

// sync waits until the loop has processed everything queued so far and
// the resulting events were delivered.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.c.call(func() error { return nil }))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.c.dispatcher.Flush(ctx))
}

func (f *fixture) respond(t *testing.T, req *sip.Request, code sip.StatusCode, reason string, body []byte) {
	t.Helper()
	f.c.HandleResponse(sessiontest.Response(req, code, reason, body))
	f.sync(t)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Domain = ""
	_, err := New(cfg, &sessiontest.Transport{})
	assert.ErrorIs(t, err, config.ErrMissingOption)

	_, err = New(testConfig(), nil)
	assert.ErrorIs(t, err, config.ErrMissingOption)
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.c.Run(context.Background()), ErrAlreadyRunning)
}

func TestOpenRegisters(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.c.Open())
	reg := f.tr.Last()
	require.NotNil(t, reg)
	assert.Equal(t, sip.REGISTER, reg.Method)
	assert.ErrorIs(t, f.c.Open(), ErrAlreadyOpen)

	f.respond(t, reg, sip.StatusOK, "OK", nil)

	e, ok := f.rec.Last(events.Opened)
	require.True(t, ok)
	assert.Equal(t, events.SourceRegistration, e.Source)
	assert.Equal(t, sipmsg.CallID(reg), e.CallID)
}

func TestOpenWithoutRegistration(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.RegisterMode = false })

	require.NoError(t, f.c.Open())
	f.sync(t)

	assert.Empty(t, f.tr.Requests())
	require.Equal(t, []events.Type{events.Opened}, f.rec.Types())
	assert.Equal(t, events.SourceClient, f.rec.Events()[0].Source)
}

func TestDialAndHangup(t *testing.T) {
	f := newFixture(t, nil)

	h, err := f.c.Dial("bob", offer, map[string]string{"X-Room": "7"})
	require.NoError(t, err)
	assert.Equal(t, call.RoleCaller, h.Role())
	assert.Equal(t, 1, f.c.Sessions())

	invite := f.tr.Last()
	require.NotNil(t, invite)
	assert.Equal(t, sip.INVITE, invite.Method)
	assert.Equal(t, "sip:bob@sip.net", invite.Recipient.String())
	assert.Equal(t, h.CallID(), sipmsg.CallID(invite))
	require.NotNil(t, invite.GetHeader("X-Room"))

	f.respond(t, invite, sip.StatusRinging, "Ringing", nil)
	f.respond(t, invite, sip.StatusOK, "OK", []byte(answer))
	assert.Equal(t, call.StateInvitingAccepted, h.State())
	require.Len(t, f.tr.Writes(), 1)
	assert.Equal(t, sip.ACK, f.tr.Writes()[0].Method)

	got, ok := f.c.Call(h.CallID())
	require.True(t, ok)
	assert.Equal(t, h.CallID(), got.CallID())

	require.NoError(t, h.Hangup())
	bye := f.tr.Last()
	assert.Equal(t, sip.BYE, bye.Method)
	f.respond(t, bye, sip.StatusOK, "OK", nil)

	assert.Equal(t, []events.Type{events.RingingBack, events.Opened, events.Closed}, f.rec.Types())
	assert.Equal(t, 0, f.c.Sessions())
	_, ok = f.c.Call(h.CallID())
	assert.False(t, ok)
	require.NoError(t, h.Hangup())
}

func TestDialInvalidTarget(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.c.Dial("", offer, nil)
	assert.ErrorIs(t, err, sipmsg.ErrInvalidTarget)
	assert.Equal(t, 0, f.c.Sessions())
}

func TestInboundCall(t *testing.T) {
	f := newFixture(t, nil)
	inviteTx := &sessiontest.ServerTx{}

	f.c.HandleRequest(sessiontest.InboundRequest(sip.INVITE, "in-1", 1, []byte(offer)), inviteTx)
	f.sync(t)

	assert.Equal(t, []sip.StatusCode{sip.StatusTrying, sip.StatusRinging}, inviteTx.Codes())
	ringing, ok := f.rec.Last(events.Ringing)
	require.True(t, ok)
	assert.Equal(t, "in-1", ringing.CallID)

	h, ok := f.c.Call("in-1")
	require.True(t, ok)
	assert.Equal(t, call.RoleCallee, h.Role())
	uri, name := h.Remote()
	assert.Equal(t, "sip:bob@sip.net", uri)
	assert.Equal(t, "Bob", name)

	require.NoError(t, h.Accept(answer))
	assert.Equal(t, sip.StatusOK, inviteTx.Codes()[2])
	assert.ErrorIs(t, h.Reject(), call.ErrInvalidState)

	byeTx := &sessiontest.ServerTx{}
	f.c.HandleRequest(sessiontest.InboundRequest(sip.BYE, "in-1", 2, nil), byeTx)
	f.sync(t)

	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, byeTx.Codes())
	assert.Equal(t, []events.Type{events.Ringing, events.Opened, events.Hangup, events.Closed}, f.rec.Types())
	assert.Equal(t, 0, f.c.Sessions())
}

func TestInboundMessage(t *testing.T) {
	f := newFixture(t, nil)
	tx := &sessiontest.ServerTx{}

	f.c.HandleRequest(sessiontest.InboundRequest(sip.MESSAGE, "msg-1", 1, []byte("hello")), tx)
	f.sync(t)

	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, tx.Codes())
	e, ok := f.rec.Last(events.Received)
	require.True(t, ok)
	assert.Equal(t, "hello", e.Body)
	assert.Equal(t, 0, f.c.Sessions())
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, nil)

	callID, err := f.c.SendMessage("bob@sip.net", "hi")
	require.NoError(t, err)
	req := f.tr.Last()
	require.NotNil(t, req)
	assert.Equal(t, sip.MESSAGE, req.Method)
	assert.Equal(t, callID, sipmsg.CallID(req))
	assert.Equal(t, "hi", string(req.Body()))

	f.respond(t, req, sip.StatusOK, "OK", nil)

	e, ok := f.rec.Last(events.Sent)
	require.True(t, ok)
	assert.Equal(t, callID, e.CallID)
	assert.Equal(t, 0, f.c.Sessions())
}

func TestOptionsAnswered(t *testing.T) {
	f := newFixture(t, nil)
	tx := &sessiontest.ServerTx{}

	f.c.HandleRequest(sessiontest.InboundRequest(sip.OPTIONS, "opt-1", 1, nil), tx)

	require.Equal(t, []sip.StatusCode{sip.StatusOK}, tx.Codes())
	allow := tx.Responses()[0].GetHeader("Allow")
	require.NotNil(t, allow)
	assert.Equal(t, Allow, allow.Value())
}

func TestUnmatchedRequests(t *testing.T) {
	tests := []struct {
		name   string
		reject bool
		method sip.RequestMethod
		want   []sip.StatusCode
	}{
		{"bye", true, sip.BYE, []sip.StatusCode{sip.StatusCallTransactionDoesNotExists}},
		{"info", true, sip.INFO, []sip.StatusCode{sip.StatusCallTransactionDoesNotExists}},
		{"subscribe", true, sip.SUBSCRIBE, []sip.StatusCode{sip.StatusNotImplemented}},
		{"ignored", false, sip.BYE, []sip.StatusCode{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *config.Config) { cfg.RejectUnmatched = tt.reject })
			tx := &sessiontest.ServerTx{}

			f.c.HandleRequest(sessiontest.InboundRequest(tt.method, "unknown", 1, nil), tx)

			assert.Equal(t, tt.want, tx.Codes())
			assert.Equal(t, 0, f.c.Sessions())
		})
	}
}

func TestUnknownResponseIgnored(t *testing.T) {
	f := newFixture(t, nil)
	req := sessiontest.InboundRequest(sip.INVITE, "ghost", 1, nil)

	f.respond(t, req, sip.StatusOK, "OK", nil)
	f.c.HandleTimeout(req)
	f.sync(t)

	assert.Empty(t, f.rec.Events())
}

func TestCloseHangsUpAndUnregisters(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.c.Open())
	f.respond(t, f.tr.Last(), sip.StatusOK, "OK", nil)

	h, err := f.c.Dial("bob", offer, nil)
	require.NoError(t, err)
	invite := f.tr.Last()
	f.respond(t, invite, sip.StatusOK, "OK", []byte(answer))
	require.Equal(t, call.StateInvitingAccepted, h.State())

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- f.c.Close(ctx)
	}()

	require.Eventually(t, func() bool {
		return f.tr.Last().Method == sip.BYE
	}, time.Second, 5*time.Millisecond)
	f.c.HandleResponse(sessiontest.Response(f.tr.Last(), sip.StatusOK, "OK", nil))

	require.Eventually(t, func() bool {
		return f.tr.Count(sip.REGISTER) == 2
	}, time.Second, 5*time.Millisecond)
	unregister := f.tr.Last()
	expires, ok := sipmsg.HeaderInt(unregister, "Expires")
	require.True(t, ok)
	assert.Equal(t, 0, expires)
	f.c.HandleResponse(sessiontest.Response(unregister, sip.StatusOK, "OK", nil))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 0, f.c.Sessions())
	assert.Equal(t, 2, f.rec.Count(events.Closed))
	_, err = f.c.Dial("bob", offer, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.c.Close(context.Background()))
}

func TestCloseTimesOut(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.c.Dial("bob", offer, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, sip.CANCEL, f.tr.Last().Method)
}
