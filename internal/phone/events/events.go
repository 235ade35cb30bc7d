package events

import (
	"fmt"
	"time"
)

// Type identifies an application event.
type Type string

const (
	Opened          Type = "opened"
	OpenError       Type = "open-error"
	Closed          Type = "closed"
	Ringing         Type = "ringing"
	RingingBack     Type = "ringing-back"
	InProgress      Type = "in-progress"
	Hangup          Type = "hangup"
	Cancelled       Type = "cancelled"
	MessageReceived Type = "message-received"
	DTMF            Type = "dtmf"
	Sent            Type = "sent"
	SendError       Type = "send-error"
	Received        Type = "received"
)

// Terminal reports whether t ends the lifecycle of its source.
func (t Type) Terminal() bool {
	switch t {
	case OpenError, Closed, Cancelled, SendError:
		return true
	default:
		return false
	}
}

// Source identifies the controller kind that emitted an event.
type Source string

const (
	SourceClient       Source = "client"
	SourceRegistration Source = "registration"
	SourceCall         Source = "call"
	SourceMessage      Source = "message"
)

// Event is delivered to application listeners after the transition that
// produced it has completed.
type Event struct {
	Type   Type      `json:"type"`
	Source Source    `json:"source"`
	CallID string    `json:"call_id"`
	Time   time.Time `json:"time"`

	// Reason is the response reason phrase for error events.
	Reason string `json:"reason,omitempty"`

	// From and DisplayName identify the remote party for ringing and
	// received messages.
	From        string `json:"from,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Body is the SDP for opened/ringing, the text of a message or the
	// DTMF tone.
	Body string `json:"body,omitempty"`

	// Headers are the custom (X-) headers of an inbound INVITE.
	Headers map[string]string `json:"headers,omitempty"`
}

// New creates an event stamped with the current time.
func New(t Type, source Source, callID string) Event {
	return Event{Type: t, Source: source, CallID: callID, Time: time.Now()}
}

// String returns a short representation for logs.
func (e Event) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s(%s) %s", e.Source, e.Type, e.CallID, e.Reason)
	}
	return fmt.Sprintf("%s/%s(%s)", e.Source, e.Type, e.CallID)
}

// Emitter receives events from controllers.
type Emitter interface {
	Emit(Event)
}

// Listener handles delivered events.
type Listener func(Event)

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }
