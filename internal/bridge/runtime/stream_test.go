package runtime

import (
	"io"
	"strings"
	"testing"
)

const sampleSSE = `data: {"kind":"reasoning","text":"thinking"}

data: {"kind":"partial-text","text":"Hello"}

data: {"kind":"partial-text","text":", world"}

data: {"kind":"tool-call","tool_name":"search","payload":{"q":"go"}}

data: {"kind":"tool-result","tool_name":"search"}

data: {"kind":"terminal","text":"Hello, world","conversation_id":"conv-1","run_id":"run-9"}

`

func newTestStream(body string) *Stream {
	return newStream(io.NopCloser(strings.NewReader(body)), nil)
}

func TestStreamNext(t *testing.T) {
	s := newTestStream(sampleSSE)

	wantKinds := []EventKind{
		EventReasoning, EventPartialText, EventPartialText,
		EventToolCall, EventToolResult, EventTerminal,
	}
	for i, want := range wantKinds {
		evt, err := s.Next()
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		if evt.Kind != want {
			t.Errorf("event %d: got kind %q, want %q", i, evt.Kind, want)
		}
		if evt.Offset != i {
			t.Errorf("event %d: got offset %d", i, evt.Offset)
		}
	}

	if _, err := s.Next(); err != io.EOF {
		t.Errorf("after terminal: got %v, want EOF", err)
	}
}

func TestStreamDrain(t *testing.T) {
	s := newTestStream(sampleSSE)

	var partials []string
	terminal, err := s.Drain(func(evt *StreamEvent) {
		if evt.Kind == EventPartialText {
			partials = append(partials, evt.Text)
		}
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if terminal.Text != "Hello, world" {
		t.Errorf("terminal text: got %q", terminal.Text)
	}
	if terminal.ConversationID != "conv-1" || terminal.RunID != "run-9" {
		t.Errorf("terminal ids: %+v", terminal)
	}
	if len(partials) != 2 {
		t.Errorf("partials: got %v", partials)
	}
}

func TestStreamDrainWithoutTerminal(t *testing.T) {
	s := newTestStream("data: {\"kind\":\"partial-text\",\"text\":\"hi\"}\n\n")
	if _, err := s.Drain(nil); err == nil {
		t.Error("expected error for a stream with no terminal event")
	}
}

func TestStreamMalformedEvent(t *testing.T) {
	s := newTestStream("data: not-json\n\n")
	if _, err := s.Next(); err == nil {
		t.Error("expected error for malformed event")
	}
}

func TestStreamCloseAbortsUnfinishedRun(t *testing.T) {
	s := newTestStream(sampleSSE)
	aborted := false
	s.abort = func() { aborted = true }

	// Close before the terminal event: the run must be aborted.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !aborted {
		t.Error("early close did not abort the run")
	}
}

func TestStreamCloseAfterTerminalDoesNotAbort(t *testing.T) {
	s := newTestStream(sampleSSE)
	aborted := false
	s.abort = func() { aborted = true }

	if _, err := s.Drain(nil); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if aborted {
		t.Error("completed run was aborted on close")
	}
}

func TestStreamCloseReleasesSlotOnce(t *testing.T) {
	released := 0
	s := newStream(io.NopCloser(strings.NewReader(sampleSSE)), func() { released++ })
	s.Close()
	s.Close()
	if released != 1 {
		t.Errorf("release count: got %d, want 1", released)
	}
}
