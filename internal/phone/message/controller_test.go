package message

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/auth"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/session"
	"github.com/sebas/webphone/internal/phone/session/sessiontest"
	"github.com/sebas/webphone/internal/phone/sipmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctrl     *Controller
	tr       *sessiontest.Transport
	rec      *events.Recorder
	registry *session.Registry
}

func newOutbound(t *testing.T, creds auth.Credentials) *harness {
	t.Helper()
	h := &harness{
		tr:       &sessiontest.Transport{},
		rec:      &events.Recorder{},
		registry: session.NewRegistry(),
	}
	id := sipmsg.Identity{User: "alice", Domain: "sip.net"}
	target := sip.Uri{Scheme: "sip", User: "bob", Host: "sip.net"}
	callID := sipmsg.NewCallID("sip.net")

	h.ctrl = New(Options{
		CallID:      callID,
		Build:       Standalone(id, target, callID, "hello bob"),
		Credentials: creds,
		Transport:   h.tr,
		Emitter:     h.rec,
		OnDone:      func(c *Controller) { h.registry.Remove(c) },
	})
	require.NoError(t, h.registry.Add(h.ctrl))
	return h
}

var alice = auth.Credentials{Username: "alice", Password: "secret"}

func TestSendWithProxyChallenge(t *testing.T) {
	h := newOutbound(t, alice)

	require.NoError(t, h.ctrl.Send())
	assert.Equal(t, StateSending, h.ctrl.State())
	first := h.tr.Last()
	assert.Equal(t, "hello bob", string(first.Body()))
	assert.Equal(t, ContentType, first.ContentType().Value())

	h.ctrl.OnResponse(sessiontest.Challenge(first, sip.StatusProxyAuthRequired))
	assert.Equal(t, StateChallenged, h.ctrl.State())
	require.Len(t, h.tr.Requests(), 2)
	second := h.tr.Last()
	assert.NotNil(t, second.GetHeader("Proxy-Authorization"))
	firstSeq, _ := sipmsg.CSeq(first)
	secondSeq, _ := sipmsg.CSeq(second)
	assert.Equal(t, firstSeq+1, secondSeq)

	h.ctrl.OnResponse(sessiontest.Response(second, sip.StatusOK, "OK", nil))
	assert.Equal(t, StateSent, h.ctrl.State())
	assert.Equal(t, []events.Type{events.Sent}, h.rec.Types())
	_, ok := h.registry.Get(h.ctrl.CallID())
	assert.False(t, ok)
}

func TestSendSecondChallengeFails(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())

	h.ctrl.OnResponse(sessiontest.Challenge(h.tr.Last(), sip.StatusUnauthorized))
	h.ctrl.OnResponse(sessiontest.Challenge(h.tr.Last(), sip.StatusUnauthorized))

	assert.Equal(t, StateSendFailed, h.ctrl.State())
	assert.Len(t, h.tr.Requests(), 2)
	assert.Equal(t, []events.Type{events.SendError}, h.rec.Types())
	assert.Equal(t, 0, h.registry.Len())
}

func TestSendOnlyOnce(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())
	assert.ErrorIs(t, h.ctrl.Send(), ErrInvalidState)
	assert.Len(t, h.tr.Requests(), 1)
}

func TestSendErrorResponse(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())

	h.ctrl.OnResponse(sessiontest.Response(h.tr.Last(), sip.StatusNotFound, "Not Found", nil))
	e, ok := h.rec.Last(events.SendError)
	require.True(t, ok)
	assert.Equal(t, "Not Found", e.Reason)

	// A late response after the terminal state is ignored.
	h.ctrl.OnResponse(sessiontest.Response(h.tr.Last(), sip.StatusOK, "OK", nil))
	assert.Len(t, h.rec.Events(), 1)
}

func TestProvisionalCountsAsSent(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())

	h.ctrl.OnResponse(sessiontest.Response(h.tr.Last(), sip.StatusTrying, "Trying", nil))
	assert.Equal(t, StateSending, h.ctrl.State())

	h.ctrl.OnResponse(sessiontest.Response(h.tr.Last(), sip.StatusCode(182), "Queued", nil))
	assert.Equal(t, StateSent, h.ctrl.State())
}

func TestSendTimeout(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())

	h.ctrl.OnTimeout(h.tr.Last())
	e, ok := h.rec.Last(events.SendError)
	require.True(t, ok)
	assert.Equal(t, "timeout", e.Reason)
	assert.Equal(t, 0, h.registry.Len())
}

func TestSendTransportFailure(t *testing.T) {
	h := newOutbound(t, alice)
	h.tr.FailNext = true

	require.NoError(t, h.ctrl.Send())
	assert.Equal(t, StateSendFailed, h.ctrl.State())
	assert.Equal(t, 1, h.rec.Count(events.SendError))
}

func TestReceive(t *testing.T) {
	rec := &events.Recorder{}
	done := 0
	req := sessiontest.InboundRequest(sip.MESSAGE, "msg-1", 1, []byte("hi alice"))
	ctrl := New(Options{
		CallID:  "msg-1",
		Emitter: rec,
		OnDone:  func(*Controller) { done++ },
	})

	tx := &sessiontest.ServerTx{}
	ctrl.OnRequest(req, tx)

	assert.Equal(t, []sip.StatusCode{sip.StatusOK}, tx.Codes())
	assert.Equal(t, StateReceived, ctrl.State())
	require.Equal(t, []events.Type{events.Received}, rec.Types())
	e := rec.Events()[0]
	assert.Equal(t, "sip:bob@sip.net", e.From)
	assert.Equal(t, "Bob", e.DisplayName)
	assert.Equal(t, "hi alice", e.Body)
	assert.Equal(t, 1, done)

	ctrl.OnRequest(req, tx)
	assert.Len(t, tx.Codes(), 1)
}

func TestCloseAbandonsInFlight(t *testing.T) {
	h := newOutbound(t, alice)
	require.NoError(t, h.ctrl.Send())

	h.ctrl.Close()
	h.ctrl.Close()

	assert.Equal(t, StateSendFailed, h.ctrl.State())
	assert.True(t, h.tr.Transactions()[0].Terminated)
	e, ok := h.rec.Last(events.SendError)
	require.True(t, ok)
	assert.Equal(t, "closed", e.Reason)
	assert.Equal(t, 1, h.rec.Count(events.SendError))
	assert.Equal(t, 0, h.registry.Len())
}

func TestCloseUnsent(t *testing.T) {
	h := newOutbound(t, alice)

	h.ctrl.Close()

	assert.True(t, h.ctrl.Terminated())
	assert.Empty(t, h.rec.Types())
	assert.Equal(t, 0, h.registry.Len())
}
