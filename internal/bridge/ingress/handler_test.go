package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kmoroz/tsunagi/internal/bridge/arbiter"
	"github.com/kmoroz/tsunagi/internal/bridge/config"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

type fakeDir struct {
	idents map[string]*store.Identity
}

func (f *fakeDir) GetIdentity(ctx context.Context, agentID string) (*store.Identity, error) {
	if ident, ok := f.idents[agentID]; ok {
		return ident, nil
	}
	return nil, store.ErrNotFound
}

type fakeSubmitter struct {
	subs []arbiter.Submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub arbiter.Submission) (*arbiter.Result, error) {
	f.subs = append(f.subs, sub)
	if len(f.subs) > 1 && f.subs[0].RunID == sub.RunID {
		return &arbiter.Result{EventID: "$first", Suppressed: true}, nil
	}
	return &arbiter.Result{EventID: "$first"}, nil
}

const testSecret = "whsec_test"

func newTestHandler(mode config.VerifyMode, limit int) (*Handler, *fakeSubmitter) {
	dir := &fakeDir{idents: map[string]*store.Identity{
		"agent-1": {AgentID: "agent-1", MXID: "@agent_1:example.org", RoomID: "!r1:example.org"},
	}}
	sub := &fakeSubmitter{}
	h := New(Config{Verify: mode, Secret: testSecret, RatePerMinute: limit}, dir, sub)
	return h, sub
}

func validBody(agentID, runID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"agent_id": agentID,
		"run_id":   runID,
		"messages": []map[string]any{
			{"role": "user", "content": "question"},
			{"role": "assistant", "content": "answer"},
		},
	})
	return raw
}

func deliver(h *Handler, body []byte, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, Sign([]byte(testSecret), body, time.Now()))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookDelivers(t *testing.T) {
	h, sub := newTestHandler(config.VerifyEnforce, 0)

	w := deliver(h, validBody("agent-1", "run-1"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body)
	}
	if len(sub.subs) != 1 {
		t.Fatalf("submissions: got %d", len(sub.subs))
	}
	got := sub.subs[0]
	if got.AgentID != "agent-1" || got.RunID != "run-1" || got.Content != "answer" ||
		got.RoomID != "!r1:example.org" || got.Source != arbiter.SourceWebhook {
		t.Errorf("submission: %+v", got)
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, _ := newTestHandler(config.VerifyEnforce, 0)
	w := deliver(h, validBody("agent-1", "run-1"), false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", w.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(config.VerifyEnforce, 0)
	body := validBody("agent-1", "run-1")
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte("wrong-secret"), body, time.Now()))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", w.Code)
	}
}

func TestWebhookBypassAcceptsUnsigned(t *testing.T) {
	h, sub := newTestHandler(config.VerifyBypass, 0)
	w := deliver(h, validBody("agent-1", "run-1"), false)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if len(sub.subs) != 1 {
		t.Errorf("submissions: got %d", len(sub.subs))
	}
}

func TestWebhookRejectsMissingFields(t *testing.T) {
	h, _ := newTestHandler(config.VerifyBypass, 0)

	for _, body := range [][]byte{
		[]byte(`{`),
		[]byte(`{"run_id":"run-1"}`),
		[]byte(`{"agent_id":"agent-1"}`),
	} {
		if w := deliver(h, body, false); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: got %d, want 400", body, w.Code)
		}
	}
}

func TestWebhookEmptyExtractionIsNoop(t *testing.T) {
	h, sub := newTestHandler(config.VerifyBypass, 0)
	raw, _ := json.Marshal(map[string]any{
		"agent_id": "agent-1",
		"run_id":   "run-1",
		"messages": []map[string]any{{"role": "user", "content": "no reply yet"}},
	})
	w := deliver(h, raw, false)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if len(sub.subs) != 0 {
		t.Errorf("no-op posted %d submissions", len(sub.subs))
	}
}

func TestWebhookUnknownAgent(t *testing.T) {
	h, _ := newTestHandler(config.VerifyBypass, 0)
	w := deliver(h, validBody("agent-x", "run-1"), false)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

func TestWebhookDuplicateSuppressed(t *testing.T) {
	h, _ := newTestHandler(config.VerifyBypass, 0)

	first := deliver(h, validBody("agent-1", "run-1"), false)
	second := deliver(h, validBody("agent-1", "run-1"), false)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses: %d, %d", first.Code, second.Code)
	}

	var resp struct {
		Suppressed bool `json:"suppressed"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Suppressed {
		t.Error("second delivery was not suppressed")
	}
}

func TestWebhookRateLimit(t *testing.T) {
	h, _ := newTestHandler(config.VerifyBypass, 2)

	for i := 0; i < 2; i++ {
		if w := deliver(h, validBody("agent-1", "run-1"), false); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: got %d", i, w.Code)
		}
	}
	if w := deliver(h, validBody("agent-1", "run-1"), false); w.Code != http.StatusTooManyRequests {
		t.Errorf("status: got %d, want 429", w.Code)
	}
}

func TestWebhookRejectsGet(t *testing.T) {
	h, _ := newTestHandler(config.VerifyBypass, 0)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d", w.Code)
	}
}
