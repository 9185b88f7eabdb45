package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "rt-token"})
}

func TestListAgents(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer rt-token" {
			t.Errorf("auth header: got %q", got)
		}
		fmt.Fprint(w, `{"agents":[{"id":"agent-1","name":"researcher"},{"id":"agent-2","name":"writer"}]}`)
	})

	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "researcher" {
		t.Errorf("agents: %+v", agents)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such agent"}`, http.StatusNotFound)
	})
	if _, err := c.GetAgent(context.Background(), "agent-x"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestSendStreamsRun(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv-1/messages" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"kind\":\"partial-text\",\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "data: {\"kind\":\"terminal\",\"text\":\"hi there\",\"conversation_id\":\"conv-1\",\"run_id\":\"run-1\"}\n\n")
	})

	stream, err := c.Send(context.Background(), "agent-1", "conv-1", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer stream.Close()

	terminal, err := stream.Drain(nil)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if terminal.Text != "hi there" || terminal.RunID != "run-1" {
		t.Errorf("terminal: %+v", terminal)
	}
}

func TestSendReleasesSlotOnHTTPError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	})

	ctx := context.Background()
	if _, err := c.Send(ctx, "agent-1", "conv-1", "hello", nil); err == nil {
		t.Fatal("expected error for 400")
	}
	// The slot must be free again; a leaked slot would fail fast with
	// ErrConversationBusy instead of reaching the server.
	_, err := c.Send(ctx, "agent-1", "conv-1", "hello", nil)
	if err == nil {
		t.Fatal("expected error for 400 on second call")
	}
	if errors.Is(err, ErrConversationBusy) {
		t.Error("slot leaked after failed send")
	}
}

func TestCreateConversation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/conversations" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"conversation_id":"conv-7"}`)
	})

	convID, err := c.CreateConversation(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if convID != "conv-7" {
		t.Errorf("conversation id: got %q", convID)
	}
}
