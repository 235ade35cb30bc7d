package sessiontest

import (
	"github.com/emiago/sipgo/sip"
)

// RemoteTag is the To tag fake responses carry.
const RemoteTag = "rem0te"

// Response builds a response to req as the remote party would.
func Response(req *sip.Request, code sip.StatusCode, reason string, body []byte) *sip.Response {
	hasTag := false
	if to := req.To(); to != nil {
		_, hasTag = to.Params.Get("tag")
	}
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if code > 100 && !hasTag {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", RemoteTag)
		}
	}
	if code >= 200 && code < 300 && req.Method == sip.INVITE {
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}})
	}
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	return res
}

// Challenge builds a 401 or 407 digest challenge to req.
func Challenge(req *sip.Request, code sip.StatusCode) *sip.Response {
	name, reason := "WWW-Authenticate", "Unauthorized"
	if code == sip.StatusProxyAuthRequired {
		name, reason = "Proxy-Authenticate", "Proxy Authentication Required"
	}
	res := Response(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(name, `Digest realm="sip.net", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", algorithm=MD5, qop="auth"`))
	return res
}

// InboundRequest builds a request sent to alice@sip.net by bob.
func InboundRequest(method sip.RequestMethod, callID string, seq uint32, body []byte) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5070})
	viaParams := sip.NewParams()
	viaParams.Add("branch", "z9hG4bK-"+callID)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.2",
		Port:            5060,
		Params:          viaParams,
	})

	fromParams := sip.NewParams()
	fromParams.Add("tag", "callertag")
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Bob",
		Address:     sip.Uri{Scheme: "sip", User: "bob", Host: "sip.net"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "sip.net"},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}})
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		if method == sip.MESSAGE {
			ct = sip.ContentTypeHeader("text/plain")
		}
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}
