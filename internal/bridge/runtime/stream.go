package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// EventKind discriminates stream events.
type EventKind string

const (
	EventPartialText EventKind = "partial-text"
	EventToolCall    EventKind = "tool-call"
	EventToolResult  EventKind = "tool-result"
	EventReasoning   EventKind = "reasoning"
	EventTerminal    EventKind = "terminal"
)

// StreamEvent is one event of a run's event stream. Terminal events carry the
// final assistant text and the conversation/run ids the delivery side keys on.
type StreamEvent struct {
	Kind           EventKind       `json:"kind"`
	Text           string          `json:"text,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	// Offset is the event's position in the run, held by the caller for
	// restarts. Partials are not persisted connector-side.
	Offset int `json:"offset"`
}

// Stream is the pull-based handle over a run's server-sent events. Callers
// drain it with Next; backpressure is inherent since unread events stay in
// the response body.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	offset  int

	closeOnce sync.Once
	release   func()
	abort     func()

	terminal bool
}

func newStream(body io.ReadCloser, release func()) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{
		body:    body,
		scanner: scanner,
		release: release,
	}
}

// Next returns the next event. io.EOF signals a completed stream; the
// terminal event is delivered before EOF.
func (s *Stream) Next() (*StreamEvent, error) {
	if s.terminal {
		return nil, io.EOF
	}

	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			evt, err := s.decode(data.String())
			if err != nil {
				return nil, err
			}
			return evt, nil
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Comments and event: lines; the kind lives in the JSON body.
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	if data.Len() > 0 {
		return s.decode(data.String())
	}
	return nil, io.EOF
}

func (s *Stream) decode(raw string) (*StreamEvent, error) {
	var evt StreamEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return nil, fmt.Errorf("malformed stream event: %w", err)
	}
	evt.Offset = s.offset
	s.offset++
	if evt.Kind == EventTerminal {
		s.terminal = true
	}
	return &evt, nil
}

// Drain reads to the terminal event and returns it. Intermediate events are
// passed to observe when non-nil.
func (s *Stream) Drain(observe func(*StreamEvent)) (*StreamEvent, error) {
	for {
		evt, err := s.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("stream ended without a terminal event")
		}
		if err != nil {
			return nil, err
		}
		if evt.Kind == EventTerminal {
			return evt, nil
		}
		if observe != nil {
			observe(evt)
		}
	}
}

// Close releases the conversation slot and the underlying connection. When
// the stream is abandoned before its terminal event, the run is aborted at
// the runtime.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.terminal && s.abort != nil {
			s.abort()
		}
		err = s.body.Close()
		if s.release != nil {
			s.release()
		}
	})
	return err
}
