package call

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DTMFContentType is the INFO body type for tones (SIP INFO DTMF relay).
	DTMFContentType = "application/dtmf-relay"
	// DefaultDTMFDuration is used when SendDTMF is given no duration.
	DefaultDTMFDuration = 160 * time.Millisecond

	dtmfTones = "0123456789*#ABCD"
)

func normalizeTone(tone string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(tone))
	if len(t) != 1 || !strings.Contains(dtmfTones, t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTone, tone)
	}
	return t, nil
}

func dtmfBody(tone string, d time.Duration) []byte {
	if d <= 0 {
		d = DefaultDTMFDuration
	}
	return []byte("Signal=" + tone + "\r\nDuration=" + strconv.FormatInt(d.Milliseconds(), 10) + "\r\n")
}

// parseDTMF extracts the tone of an INFO body. application/dtmf-relay
// carries "Signal=<tone>" lines, application/dtmf the bare tone.
func parseDTMF(contentType string, body []byte) (string, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, DTMFContentType):
		for _, line := range strings.Split(string(body), "\n") {
			name, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(name), "signal") {
				continue
			}
			if tone, err := normalizeTone(value); err == nil {
				return tone, true
			}
		}
	case strings.HasPrefix(ct, "application/dtmf"):
		if tone, err := normalizeTone(string(body)); err == nil {
			return tone, true
		}
	}
	return "", false
}
