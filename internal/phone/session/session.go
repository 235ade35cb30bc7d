// Package session holds the pieces shared by every signaling controller:
// the engine-facing interfaces and the Call-ID registry.
package session

import (
	"time"

	"github.com/emiago/sipgo/sip"
)

// Controller is a call or message state machine keyed by Call-ID.
type Controller interface {
	CallID() string
	// OnRequest handles an inbound request. tx is nil for ACK.
	OnRequest(req *sip.Request, tx ServerTx)
	OnResponse(res *sip.Response)
	// OnTimeout reports that the transaction for req ended without a final
	// response.
	OnTimeout(req *sip.Request)
	// Close ends the session from the local side. It is idempotent.
	Close()
	Terminated() bool
}

// Transport sends requests on behalf of controllers. Outcomes of Request
// come back asynchronously as responses or timeouts.
type Transport interface {
	Request(req *sip.Request) (ClientTx, error)
	// Write sends req outside any transaction (ACK for 2xx).
	Write(req *sip.Request) error
}

// ClientTx is an outbound transaction handle.
type ClientTx interface {
	Terminate()
}

// ServerTx is an inbound transaction handle. sip.ServerTransaction
// satisfies it.
type ServerTx interface {
	Respond(res *sip.Response) error
}

// Timer is a cancellable deferred callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn after d on the signaling goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}
