// Package auth answers digest challenges (RFC 2617 / RFC 8760).
package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	// ErrNoCredentials is returned when a challenge arrives and no password is configured.
	ErrNoCredentials = errors.New("no credentials for challenge")
	// ErrNoChallenge is returned when a 401/407 carries no usable authenticate header.
	ErrNoChallenge = errors.New("no challenge in response")
)

// Credentials are the digest user and password.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether a challenge cannot be answered.
func (c Credentials) Empty() bool {
	return c.Password == ""
}

// HeaderNames returns the challenge header read from res and the
// credentials header written to the retried request.
func HeaderNames(code sip.StatusCode) (challenge, authorization string) {
	if code == sip.StatusProxyAuthRequired {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// Authorize computes the digest answer to the challenge in res and adds it
// to req, which must be the request about to be resent.
func Authorize(req *sip.Request, res *sip.Response, creds Credentials) error {
	if creds.Empty() {
		return ErrNoCredentials
	}

	challengeName, authName := HeaderNames(res.StatusCode)
	hdr := res.GetHeader(challengeName)
	if hdr == nil {
		return fmt.Errorf("%w: %s missing", ErrNoChallenge, challengeName)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrNoChallenge, challengeName, err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return fmt.Errorf("compute digest: %w", err)
	}

	req.RemoveHeader(authName)
	req.AppendHeader(sip.NewHeader(authName, cred.String()))
	return nil
}
