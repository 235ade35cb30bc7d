// Package media builds the placeholder SDP offers and answers the demo
// binary puts in its calls. No media is sent.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	// PayloadPCMU and friends are the static payload types we know.
	PayloadPCMU           = "0"
	PayloadPCMA           = "8"
	PayloadTelephoneEvent = "101"
)

// ErrNoCommonCodec is returned by Answer when the offer shares no codec
// with ours.
var ErrNoCommonCodec = errors.New("no common codec")

// DefaultCodecs are offered when none are given.
var DefaultCodecs = []string{PayloadPCMU, PayloadPCMA, PayloadTelephoneEvent}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"9":   "G722/8000",
	"18":  "G729/8000",
	"96":  "opus/48000/2",
	"101": "telephone-event/8000",
}

// Endpoint is the audio address and codecs of a session description.
type Endpoint struct {
	Addr   string
	Port   int
	Codecs []string
}

// Offer returns an audio offer for addr:port.
func Offer(addr string, port int, codecs []string) (string, error) {
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	return build(Endpoint{Addr: addr, Port: port, Codecs: codecs})
}

// Answer returns the answer to offer, keeping the first offered codec we
// support plus telephone-event when both sides have it.
func Answer(offer string, addr string, port int, supported []string) (string, error) {
	remote, err := Parse(offer)
	if err != nil {
		return "", err
	}
	if len(supported) == 0 {
		supported = DefaultCodecs
	}

	var selected []string
	for _, c := range remote.Codecs {
		if c != PayloadTelephoneEvent && slices.Contains(supported, c) {
			selected = append(selected, c)
			break
		}
	}
	if len(selected) == 0 {
		return "", fmt.Errorf("%w in %v", ErrNoCommonCodec, remote.Codecs)
	}
	if slices.Contains(remote.Codecs, PayloadTelephoneEvent) && slices.Contains(supported, PayloadTelephoneEvent) {
		selected = append(selected, PayloadTelephoneEvent)
	}
	return build(Endpoint{Addr: addr, Port: port, Codecs: selected})
}

// Parse extracts the first audio stream of body.
func Parse(body string) (Endpoint, error) {
	var ep Endpoint
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return ep, fmt.Errorf("failed to parse SDP: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		ep.Port = md.MediaName.Port.Value
		ep.Codecs = md.MediaName.Formats
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			ep.Addr = md.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			ep.Addr = desc.ConnectionInformation.Address.Address
		}
		return ep, nil
	}
	return ep, fmt.Errorf("no audio media in SDP")
}

func build(ep Endpoint) (string, error) {
	session := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "webphone",
			SessionID:      session,
			SessionVersion: session,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ep.Addr,
		},
		SessionName: "webphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ep.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: ep.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: ep.Codecs,
				},
				Attributes: codecAttributes(ep.Codecs),
			},
		},
	}

	out, err := desc.Marshal()
	if err != nil {
		slog.Error("[Media] Failed to build SDP", "error", err)
		return "", fmt.Errorf("marshal SDP: %w", err)
	}
	return string(out), nil
}

func codecAttributes(formats []string) []sdp.Attribute {
	var attrs []sdp.Attribute
	for _, f := range formats {
		if rtpmap, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + rtpmap})
		}
	}
	if slices.Contains(formats, PayloadTelephoneEvent) {
		attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: PayloadTelephoneEvent + " 0-15"})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}
