package dialog

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/webphone/internal/phone/sipmsg"
)

// ErrNoRemoteTag is returned when a 2xx to an INVITE carries no To tag.
var ErrNoRemoteTag = errors.New("response has no To tag")

// Direction indicates whether we initiated or received the dialog
type Direction int

const (
	// DirectionInbound - we received the INVITE (UAS role)
	DirectionInbound Direction = iota
	// DirectionOutbound - we sent the INVITE (UAC role)
	DirectionOutbound
)

// String returns the string representation of the direction
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Party is one end of the dialog as it appears in From/To.
type Party struct {
	DisplayName string
	Address     sip.Uri
	Tag         string
}

// Dialog is the state shared by every request sent inside one call
// (RFC 3261 Section 12). It is owned by a single call controller and is not
// safe for concurrent use.
type Dialog struct {
	CallID    string
	Direction Direction

	Local  Party
	Remote Party

	// RemoteTarget is the Request-URI of in-dialog requests.
	RemoteTarget sip.Uri
	RouteSet     []string

	// invite is our INVITE (outbound) or the received one (inbound).
	invite     *sip.Request
	contact    *sip.ContactHeader
	localCSeq  uint32
	remoteCSeq uint32
}

// NewOutbound creates the caller-side dialog from our INVITE and the 2xx
// that established it.
func NewOutbound(invite *sip.Request, res *sip.Response) (*Dialog, error) {
	from, to := invite.From(), res.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("build dialog: missing From/To")
	}
	remoteTag := sipmsg.Tag(to.Params)
	if remoteTag == "" {
		return nil, ErrNoRemoteTag
	}

	d := &Dialog{
		CallID:    sipmsg.CallID(invite),
		Direction: DirectionOutbound,
		Local: Party{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Tag:         sipmsg.Tag(from.Params),
		},
		Remote: Party{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Tag:         remoteTag,
		},
		RemoteTarget: invite.Recipient,
		invite:       invite,
		contact:      invite.Contact(),
	}
	if contact := res.Contact(); contact != nil {
		d.RemoteTarget = contact.Address
	}

	// Caller route set is the Record-Route of the 2xx, reversed.
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		d.RouteSet = append(d.RouteSet, rr[i].Value())
	}

	d.localCSeq, _ = sipmsg.CSeq(invite)
	return d, nil
}

// NewInbound creates the callee-side dialog for a received INVITE. localTag
// is the To tag we answer with.
func NewInbound(invite *sip.Request, localTag string, contact *sip.ContactHeader) (*Dialog, error) {
	from, to := invite.From(), invite.To()
	if from == nil || to == nil {
		return nil, fmt.Errorf("build dialog: missing From/To")
	}

	d := &Dialog{
		CallID:    sipmsg.CallID(invite),
		Direction: DirectionInbound,
		Local: Party{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Tag:         localTag,
		},
		Remote: Party{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Tag:         sipmsg.Tag(from.Params),
		},
		RemoteTarget: from.Address,
		invite:       invite,
		contact:      contact,
	}
	if c := invite.Contact(); c != nil {
		d.RemoteTarget = c.Address
	}
	for _, h := range invite.GetHeaders("Record-Route") {
		d.RouteSet = append(d.RouteSet, h.Value())
	}
	d.remoteCSeq, _ = sipmsg.CSeq(invite)
	return d, nil
}

// Invite returns the INVITE that created the dialog.
func (d *Dialog) Invite() *sip.Request {
	return d.invite
}

// LocalCSeq returns the sequence number of the last request we built.
func (d *Dialog) LocalCSeq() uint32 {
	return d.localCSeq
}

// NewRequest builds an in-dialog request with the next local CSeq
func (d *Dialog) NewRequest(method sip.RequestMethod) *sip.Request {
	d.localCSeq++
	return d.build(method, d.localCSeq)
}

// BuildACK builds the ACK for a 2xx to our INVITE. It reuses the INVITE
// CSeq number.
func (d *Dialog) BuildACK() *sip.Request {
	seq, _ := sipmsg.CSeq(d.invite)
	return d.build(sip.ACK, seq)
}

func (d *Dialog) build(method sip.RequestMethod, seq uint32) *sip.Request {
	req := sip.NewRequest(method, d.RemoteTarget)

	for _, route := range d.RouteSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	fromParams := sip.NewParams()
	if d.Local.Tag != "" {
		fromParams.Add("tag", d.Local.Tag)
	}
	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.Local.DisplayName,
		Address:     d.Local.Address,
		Params:      fromParams,
	})

	toParams := sip.NewParams()
	if d.Remote.Tag != "" {
		toParams.Add("tag", d.Remote.Tag)
	}
	req.AppendHeader(&sip.ToHeader{
		DisplayName: d.Remote.DisplayName,
		Address:     d.Remote.Address,
		Params:      toParams,
	})

	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(sipmsg.MaxForwards)
	req.AppendHeader(&maxFwd)

	if d.contact != nil && method != sip.BYE {
		req.AppendHeader(d.contact)
	}
	return req
}

// Accept records an in-dialog request from the remote party. It returns
// false for a CSeq lower than one already seen, which is a retransmission
// or a stale request.
func (d *Dialog) Accept(req *sip.Request) bool {
	seq, method := sipmsg.CSeq(req)
	if method == sip.ACK || method == sip.CANCEL {
		return true
	}
	if d.remoteCSeq != 0 && seq < d.remoteCSeq {
		return false
	}
	d.remoteCSeq = seq
	return true
}

// UpdateFromACK refreshes the remote target from the ACK that confirmed
// the dialog.
func (d *Dialog) UpdateFromACK(ack *sip.Request) {
	if c := ack.Contact(); c != nil {
		d.RemoteTarget = c.Address
	}
	if from := ack.From(); from != nil && d.Remote.Tag == "" {
		d.Remote.Tag = sipmsg.Tag(from.Params)
	}
}
