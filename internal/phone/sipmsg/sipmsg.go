// Package sipmsg builds and inspects the SIP messages exchanged by the phone.
package sipmsg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// MaxForwards is the Max-Forwards value of every request we originate.
const MaxForwards = 70

// ErrInvalidTarget is returned when a destination cannot be parsed as a SIP URI.
var ErrInvalidTarget = errors.New("invalid target")

// Identity is the local party: address of record and listening point.
type Identity struct {
	User        string
	Domain      string
	DisplayName string
	UserAgent   string

	// Contact is built from these.
	ContactHost   string
	ContactPort   int
	Transport     string
	ContactParams []string
}

// AOR returns the address of record, sip:user@domain.
func (id Identity) AOR() sip.Uri {
	return sip.Uri{Scheme: "sip", User: id.User, Host: id.Domain}
}

// From returns a From header for the AOR carrying tag.
func (id Identity) From(tag string) *sip.FromHeader {
	params := sip.NewParams()
	params.Add("tag", tag)
	return &sip.FromHeader{
		DisplayName: id.DisplayName,
		Address:     id.AOR(),
		Params:      params,
	}
}

// Contact returns the Contact header for our listening point.
func (id Identity) Contact() *sip.ContactHeader {
	uri := sip.Uri{
		Scheme: "sip",
		User:   id.User,
		Host:   id.ContactHost,
		Port:   id.ContactPort,
	}
	if t := strings.ToLower(id.Transport); t != "" && t != "udp" {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("transport", t)
	}

	params := sip.NewParams()
	for _, p := range id.ContactParams {
		name, value, _ := strings.Cut(p, "=")
		params.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return &sip.ContactHeader{Address: uri, Params: params}
}

// NewCallID returns a time-based Call-ID scoped to domain.
func NewCallID(domain string) string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	if domain == "" {
		return id.String()
	}
	return id.String() + "@" + domain
}

// NewTag returns a random From/To tag.
func NewTag() string {
	return uuid.New().String()[:8]
}

// ParseTarget turns "bob", "bob@host" or "sip:bob@host" into a URI.
func ParseTarget(target, domain string) (sip.Uri, error) {
	var uri sip.Uri
	s := strings.TrimSpace(target)
	if s == "" {
		return uri, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(s, "@") {
			s += "@" + domain
		}
		s = "sip:" + s
	}
	if err := sip.ParseUri(s, &uri); err != nil {
		return uri, fmt.Errorf("%w %q: %v", ErrInvalidTarget, target, err)
	}
	if uri.Host == "" {
		return uri, fmt.Errorf("%w %q: no host", ErrInvalidTarget, target)
	}
	return uri, nil
}

// Params are the dialog-forming values of an out-of-dialog request.
type Params struct {
	Method    sip.RequestMethod
	Recipient sip.Uri
	From      *sip.FromHeader
	To        *sip.ToHeader
	CallID    string
	CSeq      uint32
	Contact   *sip.ContactHeader
	UserAgent string
}

// NewRequest builds a request with the mandatory headers set. Via is left
// to the transaction layer.
func NewRequest(p Params) *sip.Request {
	req := sip.NewRequest(p.Method, p.Recipient)

	maxFwd := sip.MaxForwardsHeader(MaxForwards)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(p.From)
	req.AppendHeader(p.To)

	callID := sip.CallIDHeader(p.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.CSeq, MethodName: p.Method})

	if p.Contact != nil {
		req.AppendHeader(p.Contact)
	}
	if p.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", p.UserAgent))
	}
	return req
}

// NewCancel builds the CANCEL for a sent INVITE: same Via, From, To, Call-ID
// and CSeq number.
func NewCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("Route", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)

	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(MaxForwards)
	cancel.AppendHeader(&maxFwd)
	return cancel
}

// SetBody sets body and its Content-Type.
func SetBody(req *sip.Request, contentType string, body []byte) {
	if len(body) == 0 {
		return
	}
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody(body)
}

// NewResponse builds a response to req. Responses other than 100 to a
// request without To tag carry localTag, replacing the one sipgo generates.
func NewResponse(req *sip.Request, code sip.StatusCode, reason, localTag string, body []byte) *sip.Response {
	inDialog := false
	if to := req.To(); to != nil {
		inDialog = Tag(to.Params) != ""
	}
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if code == sip.StatusTrying || localTag == "" || inDialog {
		return res
	}
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", localTag)
	}
	return res
}

type callIDer interface {
	CallID() *sip.CallIDHeader
}

// CallID returns the Call-ID of a request or response, or "".
func CallID(msg callIDer) string {
	h := msg.CallID()
	if h == nil {
		return ""
	}
	return string(*h)
}

type cseqer interface {
	CSeq() *sip.CSeqHeader
}

// CSeq returns the sequence number and method of a message.
func CSeq(msg cseqer) (uint32, sip.RequestMethod) {
	h := msg.CSeq()
	if h == nil {
		return 0, ""
	}
	return h.SeqNo, h.MethodName
}

// Tag returns the tag parameter, or "".
func Tag(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}

// CustomHeaders returns the X- headers of req by name.
func CustomHeaders(req *sip.Request) map[string]string {
	headers := make(map[string]string)
	for _, h := range req.Headers() {
		name := h.Name()
		if len(name) > 2 && strings.EqualFold(name[:2], "x-") {
			headers[name] = h.Value()
		}
	}
	return headers
}

// HeaderInt reads a numeric header value.
func HeaderInt(msg interface{ GetHeader(string) sip.Header }, name string) (int, bool) {
	h := msg.GetHeader(name)
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsChallenge reports a 401 or 407.
func IsChallenge(code sip.StatusCode) bool {
	return code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired
}
