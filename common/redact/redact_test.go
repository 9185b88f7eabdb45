package redact_test

import (
	"strings"
	"testing"

	"github.com/kmoroz/tsunagi/common/redact"
)

func TestStringRedactsValues(t *testing.T) {
	msg := "login with token syt_abcdef failed"
	got := redact.String(msg, "syt_abcdef")
	if strings.Contains(got, "syt_abcdef") {
		t.Errorf("token leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("placeholder missing: %q", got)
	}
}

func TestStringSkipsShortValues(t *testing.T) {
	msg := "a b c"
	if got := redact.String(msg, "a"); got != msg {
		t.Errorf("short value should not be redacted: %q", got)
	}
}

func TestMapRedactsSensitiveKeys(t *testing.T) {
	m := map[string]any{
		"access_token":  "syt_secret",
		"password_seed": "deadbeef",
		"agent_id":      "agent-1",
		"count":         3,
	}
	got := redact.Map(m)
	if got["access_token"] != "[REDACTED]" {
		t.Errorf("access_token not redacted: %v", got["access_token"])
	}
	if got["password_seed"] != "[REDACTED]" {
		t.Errorf("password_seed not redacted: %v", got["password_seed"])
	}
	if got["agent_id"] != "agent-1" {
		t.Errorf("agent_id changed: %v", got["agent_id"])
	}
	if got["count"] != 3 {
		t.Errorf("non-string value changed: %v", got["count"])
	}
}
