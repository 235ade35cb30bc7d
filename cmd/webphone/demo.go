package main

import (
	"log/slog"
	"sync"

	"github.com/sebas/webphone/internal/phone/client"
	"github.com/sebas/webphone/internal/phone/config"
	"github.com/sebas/webphone/internal/phone/events"
	"github.com/sebas/webphone/internal/phone/media"
)

// demo dials the configured target once the phone is open and answers
// incoming calls when asked to. Listeners run on the dispatcher goroutine,
// so calling into the client from here is fine.
type demo struct {
	cfg   *config.Config
	phone *client.Client

	dialOnce sync.Once
}

func newDemo(cfg *config.Config, phone *client.Client) *demo {
	return &demo{cfg: cfg, phone: phone}
}

func (d *demo) onEvent(e events.Event) {
	switch {
	case e.Type == events.Opened && (e.Source == events.SourceRegistration || e.Source == events.SourceClient):
		if d.cfg.Dial != "" {
			d.dialOnce.Do(d.dial)
		}
	case e.Type == events.Ringing:
		d.answer(e)
	case e.Type == events.Received || e.Type == events.MessageReceived:
		slog.Info("Message", "call_id", e.CallID, "from", e.From, "text", e.Body)
	case e.Type == events.DTMF:
		slog.Info("DTMF", "call_id", e.CallID, "tone", e.Body)
	case e.Type == events.OpenError || e.Type == events.SendError:
		slog.Warn("Failure", "source", string(e.Source), "call_id", e.CallID, "reason", e.Reason)
	}
}

func (d *demo) dial() {
	offer, err := media.Offer(d.cfg.AdvertiseAddr, d.cfg.MediaPort, nil)
	if err != nil {
		slog.Error("Failed to build offer", "error", err)
		return
	}
	call, err := d.phone.Dial(d.cfg.Dial, offer, nil)
	if err != nil {
		slog.Error("Failed to dial", "target", d.cfg.Dial, "error", err)
		return
	}
	slog.Info("Dialing", "target", d.cfg.Dial, "call_id", call.CallID())
}

func (d *demo) answer(e events.Event) {
	call, ok := d.phone.Call(e.CallID)
	if !ok {
		return
	}
	slog.Info("Incoming call", "call_id", e.CallID, "from", e.From, "display_name", e.DisplayName)
	if !d.cfg.AutoAnswer {
		return
	}

	sdpAnswer, err := media.Answer(e.Body, d.cfg.AdvertiseAddr, d.cfg.MediaPort, nil)
	if err != nil {
		slog.Warn("Cannot answer offer, rejecting", "call_id", e.CallID, "error", err)
		if err := call.Reject(); err != nil {
			slog.Error("Failed to reject", "call_id", e.CallID, "error", err)
		}
		return
	}
	if err := call.Accept(sdpAnswer); err != nil {
		slog.Error("Failed to accept", "call_id", e.CallID, "error", err)
	}
}
