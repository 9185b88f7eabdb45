// Package runtime is the connector to the agent-runtime API: agent listing,
// webhook configuration, and streamed message sends with per-conversation
// concurrency control.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kmoroz/tsunagi/common/retry"
)

// ErrTransientUpstream is returned when the runtime stayed unavailable
// through the whole retry budget.
var ErrTransientUpstream = errors.New("agent runtime transiently unavailable")

// Agent is one runtime-managed agent.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Config tunes the connector.
type Config struct {
	BaseURL string
	Token   string
	// MaxConcurrentPerConversation bounds in-flight sends per conversation.
	MaxConcurrentPerConversation int
	// QueueDepth bounds callers waiting per conversation before
	// ErrConversationBusy.
	QueueDepth int
	// Timeout is the per-request deadline for non-streaming calls.
	Timeout time.Duration
}

// Client talks to the agent runtime.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	slots   *slotTable
}

// New creates a connector client.
func New(cfg Config) *Client {
	if cfg.MaxConcurrentPerConversation <= 0 {
		cfg.MaxConcurrentPerConversation = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "agent-runtime",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg: cfg,
		// Streaming responses outlive any sane request timeout, so the
		// transport has none; non-streaming calls get a per-request context
		// deadline instead.
		http:    &http.Client{},
		breaker: breaker,
		slots:   newSlotTable(cfg.MaxConcurrentPerConversation, cfg.QueueDepth),
	}
}

// sendBudget is the establishment retry policy: 1s, 2s, 4s.
var sendBudget = retry.Config{
	MaxAttempts:  4,
	InitialDelay: time.Second,
	MaxDelay:     4 * time.Second,
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// doJSON performs a non-streaming call and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("runtime returned %s", resp.Status)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s %s: %w: %v", method, path, ErrTransientUpstream, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: runtime returned %s: %s", method, path, resp.Status, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// ListAgents returns every agent known to the runtime.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent returns one agent by id.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/v1/agents/"+agentID, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ConfigureWebhook points the runtime's run-completion webhook for agentID at
// url, signed with secret.
func (c *Client) ConfigureWebhook(ctx context.Context, agentID, url, secret string) error {
	body := map[string]string{"url": url, "secret": secret}
	return c.doJSON(ctx, http.MethodPut, "/v1/agents/"+agentID+"/webhook", body, nil)
}

// CreateConversation opens a fresh conversation for an agent.
func (c *Client) CreateConversation(ctx context.Context, agentID string) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	body := map[string]string{"agent_id": agentID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", body, &out); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", fmt.Errorf("runtime returned an empty conversation id")
	}
	return out.ConversationID, nil
}

// Send delivers content into a conversation and returns the event stream of
// the resulting run. At most MaxConcurrentPerConversation sends are in flight
// per conversation; further callers queue up to QueueDepth and then fail fast
// with ErrConversationBusy. The returned Stream owns the conversation slot
// and releases it on Close.
func (c *Client) Send(ctx context.Context, agentID, conversationID, content string, metadata map[string]string) (*Stream, error) {
	release, err := c.slots.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"agent_id": agentID,
		"content":  content,
		"stream":   true,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var resp *http.Response
	err = retry.Do(ctx, sendBudget, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages", body)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err = c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				r.Body.Close()
				return nil, fmt.Errorf("runtime returned %s", r.Status)
			}
			return r, nil
		})
		return err
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("send to conversation %s: %w: %v", conversationID, ErrTransientUpstream, err)
	}

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()
		return nil, fmt.Errorf("send to conversation %s: runtime returned %s: %s", conversationID, resp.Status, raw)
	}

	stream := newStream(resp.Body, func() {
		release()
	})
	stream.abort = func() {
		// Best-effort abort so a cancelled caller does not leave the run
		// generating tokens nobody reads.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.doJSON(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/abort", nil, nil)
	}
	return stream, nil
}
