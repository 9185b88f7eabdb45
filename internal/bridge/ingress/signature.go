// Package ingress receives run-completion webhooks from the agent runtime:
// signature verification, assistant-content extraction, per-agent rate
// limiting, and handoff to the delivery arbiter.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReplayWindow is how far a signature timestamp may drift from now.
const ReplayWindow = 5 * time.Minute

// Sign computes the signature header value for a body at time t. Shared with
// tests and with peer bridges posting into our ingress.
func Sign(secret, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s", ts, body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a header of form "t=<unix>,v1=<hex>" where v1 is
// HMAC-SHA256(secret, "<t>.<raw-body>"). The timestamp must be within
// ReplayWindow of now. Comparison is constant-time.
func VerifySignature(secret, body []byte, header string, now time.Time) error {
	var ts string
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return fmt.Errorf("malformed v1 signature")
			}
			sig = decoded
		}
	}
	if ts == "" || sig == nil {
		return fmt.Errorf("signature header missing t or v1")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp")
	}
	drift := now.Sub(time.Unix(unix, 0))
	if drift > ReplayWindow || drift < -ReplayWindow {
		return fmt.Errorf("signature timestamp outside replay window")
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s.%s", ts, body)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
