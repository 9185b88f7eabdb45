package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kmoroz/tsunagi/internal/bridge/arbiter"
	"github.com/kmoroz/tsunagi/internal/bridge/config"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Signature"

// maxBodySize bounds webhook payloads.
const maxBodySize = 1 << 20

// requestDeadline is the per-delivery processing budget; past it the runtime
// gets a 504 and retries by its own policy.
const requestDeadline = 10 * time.Second

// Directory resolves the target agent, implemented by the store.
type Directory interface {
	GetIdentity(ctx context.Context, agentID string) (*store.Identity, error)
}

// Submitter is the delivery arbiter.
type Submitter interface {
	Submit(ctx context.Context, sub arbiter.Submission) (*arbiter.Result, error)
}

// Config tunes the webhook handler.
type Config struct {
	Verify config.VerifyMode
	Secret string
	// RatePerMinute caps deliveries per agent per minute; zero disables.
	RatePerMinute int
}

// Handler is the webhook ingress endpoint.
type Handler struct {
	cfg     Config
	dir     Directory
	arbiter Submitter
	limiter *rateLimiter

	now func() time.Time
}

// New creates a Handler.
func New(cfg Config, dir Directory, submitter Submitter) *Handler {
	return &Handler{
		cfg:     cfg,
		dir:     dir,
		arbiter: submitter,
		limiter: newRateLimiter(cfg.RatePerMinute, time.Minute),
		now:     time.Now,
	}
}

// payload is the run-completion delivery body.
type payload struct {
	AgentID  string           `json:"agent_id"`
	RunID    string           `json:"run_id"`
	Messages []map[string]any `json:"messages"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if h.cfg.Verify == config.VerifyEnforce {
		header := r.Header.Get(SignatureHeader)
		if header == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing signature"})
			return
		}
		if err := VerifySignature([]byte(h.cfg.Secret), body, header, h.now()); err != nil {
			slog.Warn("webhook signature rejected", "err", err)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
		return
	}
	if p.AgentID == "" || p.RunID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id and run_id are required"})
		return
	}

	if !h.limiter.Allow(p.AgentID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	content := ExtractAssistantContent(p.Messages)
	if content == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ident, err := h.dir.GetIdentity(ctx, p.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}
	if err != nil {
		slog.Error("webhook identity lookup failed", "agent_id", p.AgentID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if ident.RoomID == "" || ident.Removed() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent has no active room"})
		return
	}

	result, err := h.arbiter.Submit(ctx, arbiter.Submission{
		AgentID: p.AgentID,
		RunID:   p.RunID,
		Source:  arbiter.SourceWebhook,
		RoomID:  ident.RoomID,
		Content: content,
	})
	if err != nil {
		if ctx.Err() != nil {
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "deadline exceeded"})
			return
		}
		slog.Error("webhook delivery failed", "agent_id", p.AgentID, "run_id", p.RunID, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "delivery failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "delivered",
		"event_id":   result.EventID,
		"suppressed": result.Suppressed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
