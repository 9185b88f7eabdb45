// Package route decides what happens to each timeline event: drop it, or
// forward it to the room-owning agent's runtime, preserving per-room order
// through bounded single-consumer queues.
package route

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"

	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// Content keys marking events that must never be forwarded. Either marker
// alone is sufficient.
const (
	MarkerBridgeOriginated = "bridge_originated"
	MarkerHistoricalReplay = "historical_replay"
)

// Decision is the classifier verdict.
type Decision int

const (
	// DecisionDrop discards the event.
	DecisionDrop Decision = iota
	// DecisionForwardHuman forwards a human or peer message to the owner.
	DecisionForwardHuman
	// DecisionForwardInterAgent forwards another agent's message to the
	// owner, with sender metadata attached.
	DecisionForwardInterAgent
)

// Verdict carries the decision plus the identities involved.
type Verdict struct {
	Decision Decision
	// Owner is the room's owning agent; nil on drop verdicts that never
	// resolved the room.
	Owner *store.Identity
	// SenderAgent is set for inter-agent forwards.
	SenderAgent *store.Identity
	// Reason names the rule that produced a drop, for logs and counters.
	Reason string
}

// Directory resolves rooms and senders against the identity store.
type Directory interface {
	GetIdentityByRoomID(ctx context.Context, roomID string) (*store.Identity, error)
	GetIdentityByMXID(ctx context.Context, mxid string) (*store.Identity, error)
}

// Classifier applies the routing rules to timeline events.
type Classifier struct {
	dir Directory
}

// NewClassifier creates a Classifier over the given directory.
func NewClassifier(dir Directory) *Classifier {
	return &Classifier{dir: dir}
}

// drop is a convenience constructor for drop verdicts.
func drop(reason string) *Verdict {
	return &Verdict{Decision: DecisionDrop, Reason: reason}
}

// Classify applies the decision rules in order. watermark is the cold-start
// history boundary in origin_ts ms; zero disables the check.
func (c *Classifier) Classify(ctx context.Context, evt *event.Event, watermark int64) (*Verdict, error) {
	if evt.Type != event.EventMessage {
		return drop("not a message"), nil
	}
	msg := evt.Content.AsMessage()
	if msg == nil || (msg.MsgType != event.MsgText && msg.MsgType != event.MsgNotice && msg.MsgType != event.MsgEmote) {
		return drop("uninteresting msgtype"), nil
	}

	if watermark > 0 && evt.Timestamp < watermark {
		return drop("historical"), nil
	}

	owner, err := c.dir.GetIdentityByRoomID(ctx, evt.RoomID.String())
	if errors.Is(err, store.ErrNotFound) {
		return drop("unbound room"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve room owner: %w", err)
	}
	if owner.Removed() {
		return drop("owner inactive"), nil
	}

	sender := evt.Sender.String()
	if sender == owner.MXID {
		return drop("self-echo"), nil
	}

	senderAgent, err := c.dir.GetIdentityByMXID(ctx, sender)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve sender: %w", err)
	}
	if senderAgent != nil {
		if hasLoopMarker(evt) {
			return drop("loop marker"), nil
		}
		return &Verdict{
			Decision:    DecisionForwardInterAgent,
			Owner:       owner,
			SenderAgent: senderAgent,
		}, nil
	}

	return &Verdict{Decision: DecisionForwardHuman, Owner: owner}, nil
}

// hasLoopMarker reports whether the event content carries either
// never-forward marker.
func hasLoopMarker(evt *event.Event) bool {
	for _, key := range []string{MarkerBridgeOriginated, MarkerHistoricalReplay} {
		if v, ok := evt.Content.Raw[key]; ok {
			if b, ok := v.(bool); !ok || b {
				return true
			}
		}
	}
	return false
}
