package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/session/sessiontest"
	"github.com/sebas/webphone/internal/phone/sipmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contact = &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5070}}

func outboundInvite() *sip.Request {
	id := sipmsg.Identity{User: "alice", Domain: "sip.net", DisplayName: "Alice"}
	bob := sip.Uri{Scheme: "sip", User: "bob", Host: "sip.net"}
	return sipmsg.NewRequest(sipmsg.Params{
		Method:    sip.INVITE,
		Recipient: bob,
		From:      id.From("localtag"),
		To:        &sip.ToHeader{Address: bob, Params: sip.NewParams()},
		CallID:    "dlg-1",
		CSeq:      1,
		Contact:   contact,
	})
}

func routes(req *sip.Request) []string {
	var out []string
	for _, h := range req.GetHeaders("Route") {
		out = append(out, h.Value())
	}
	return out
}

func TestOutboundDialog(t *testing.T) {
	invite := outboundInvite()
	res := sessiontest.Response(invite, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.sip.net;lr>"))
	res.AppendHeader(sip.NewHeader("Record-Route", "<sip:p2.sip.net;lr>"))

	d, err := NewOutbound(invite, res)
	require.NoError(t, err)

	assert.Equal(t, "dlg-1", d.CallID)
	assert.Equal(t, DirectionOutbound, d.Direction)
	assert.Equal(t, "localtag", d.Local.Tag)
	assert.Equal(t, sessiontest.RemoteTag, d.Remote.Tag)
	assert.Equal(t, "10.0.0.2", d.RemoteTarget.Host)
	assert.Equal(t, []string{"<sip:p2.sip.net;lr>", "<sip:p1.sip.net;lr>"}, d.RouteSet)
	assert.Same(t, invite, d.Invite())

	bye := d.NewRequest(sip.BYE)
	seq, method := sipmsg.CSeq(bye)
	assert.Equal(t, uint32(2), seq)
	assert.Equal(t, sip.BYE, method)
	assert.Equal(t, uint32(2), d.LocalCSeq())
	assert.Nil(t, bye.Contact())
	assert.Equal(t, d.RouteSet, routes(bye))
	assert.Equal(t, sessiontest.RemoteTag, sipmsg.Tag(bye.To().Params))
	assert.Equal(t, "localtag", sipmsg.Tag(bye.From().Params))

	ack := d.BuildACK()
	seq, method = sipmsg.CSeq(ack)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, sip.ACK, method)
	assert.NotNil(t, ack.Contact())
}

func TestOutboundWithoutRemoteTag(t *testing.T) {
	invite := outboundInvite()
	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	res.To().Params = sip.NewParams()

	_, err := NewOutbound(invite, res)
	assert.ErrorIs(t, err, ErrNoRemoteTag)
}

func TestInboundDialog(t *testing.T) {
	invite := sessiontest.InboundRequest(sip.INVITE, "dlg-2", 5, nil)
	invite.AppendHeader(sip.NewHeader("Record-Route", "<sip:p1.sip.net;lr>"))

	d, err := NewInbound(invite, "mytag", contact)
	require.NoError(t, err)

	assert.Equal(t, DirectionInbound, d.Direction)
	assert.Equal(t, "mytag", d.Local.Tag)
	assert.Equal(t, "callertag", d.Remote.Tag)
	assert.Equal(t, "Bob", d.Remote.DisplayName)
	assert.Equal(t, "10.0.0.2", d.RemoteTarget.Host)
	assert.Equal(t, []string{"<sip:p1.sip.net;lr>"}, d.RouteSet)

	info := d.NewRequest(sip.INFO)
	seq, _ := sipmsg.CSeq(info)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, "mytag", sipmsg.Tag(info.From().Params))
	assert.Equal(t, "callertag", sipmsg.Tag(info.To().Params))
	assert.NotNil(t, info.Contact())
}

func TestAcceptRejectsStaleCSeq(t *testing.T) {
	invite := sessiontest.InboundRequest(sip.INVITE, "dlg-3", 5, nil)
	d, err := NewInbound(invite, "mytag", contact)
	require.NoError(t, err)

	tests := []struct {
		method sip.RequestMethod
		seq    uint32
		want   bool
	}{
		{sip.ACK, 5, true},
		{sip.INFO, 4, false},
		{sip.INFO, 6, true},
		{sip.MESSAGE, 6, true},
		{sip.BYE, 5, false},
		{sip.CANCEL, 1, true},
		{sip.BYE, 7, true},
	}
	for _, tt := range tests {
		req := sessiontest.InboundRequest(tt.method, "dlg-3", tt.seq, nil)
		assert.Equal(t, tt.want, d.Accept(req), "%s %d", tt.method, tt.seq)
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "inbound", DirectionInbound.String())
	assert.Equal(t, "outbound", DirectionOutbound.String())
	assert.Equal(t, "unknown", Direction(9).String())
}
