// Package arbiter enforces at-most-once delivery of assistant messages into
// Matrix. Every ingress path (connector stream terminal, webhook, peer
// bridge) submits its completion here keyed by (agent_id, run_id); the first
// submission posts, the rest are suppressed.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// Submission sources.
const (
	SourceStream  = "stream"
	SourceWebhook = "webhook"
	SourcePeer    = "peer"
)

// Poster materializes one message into a Matrix event. Implemented by the
// outbound send path.
type Poster interface {
	Post(ctx context.Context, agentID, roomID, content string) (eventID string, err error)
}

// Records is the persisted audit trail, implemented by the store.
type Records interface {
	ClaimInFlight(ctx context.Context, rec *store.InFlightRecord, ttl time.Duration) (claimed bool, existing *store.InFlightRecord, err error)
	CommitInFlight(ctx context.Context, trackingID, eventID string) error
	FailInFlight(ctx context.Context, trackingID string) error
	PurgeInFlightBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Submission is one logical assistant message.
type Submission struct {
	AgentID string
	// RunID is the stable half of the logical key; for peer-originated
	// messages it is the Matrix event id.
	RunID   string
	Source  string
	RoomID  string
	Content string
}

// Result reports what happened to a submission.
type Result struct {
	EventID    string
	Suppressed bool
}

type entry struct {
	trackingID string
	status     string
	eventID    string
	firstSeen  time.Time
}

// Arbiter is the single in-process dedup point. The map guard is held only
// for map access, never across the homeserver post.
type Arbiter struct {
	poster  Poster
	records Records
	ttl     time.Duration

	mu       sync.Mutex
	inflight map[string]*entry
}

// New creates an Arbiter with the given in-flight TTL.
func New(poster Poster, records Records, ttl time.Duration) *Arbiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Arbiter{
		poster:   poster,
		records:  records,
		ttl:      ttl,
		inflight: make(map[string]*entry),
	}
}

// Key returns the logical key for an (agent, run) pair.
func Key(agentID, runID string) string {
	return agentID + "|" + runID
}

// Submit posts the message unless its logical key was already claimed. The
// first caller wins and its Matrix event id is recorded; later callers within
// the TTL get a suppressed Result carrying that event id. A failed post
// releases the claim so the key may be retried by any path.
func (a *Arbiter) Submit(ctx context.Context, sub Submission) (*Result, error) {
	key := Key(sub.AgentID, sub.RunID)

	a.mu.Lock()
	if e, ok := a.inflight[key]; ok && time.Since(e.firstSeen) < a.ttl {
		eventID := e.eventID
		a.mu.Unlock()
		slog.Debug("duplicate delivery suppressed",
			"agent_id", sub.AgentID, "run_id", sub.RunID, "source", sub.Source)
		return &Result{EventID: eventID, Suppressed: true}, nil
	}
	e := &entry{
		trackingID: uuid.NewString(),
		status:     store.InFlightPending,
		firstSeen:  time.Now(),
	}
	a.inflight[key] = e
	a.mu.Unlock()

	claimed, existing, err := a.records.ClaimInFlight(ctx, &store.InFlightRecord{
		TrackingID:  e.trackingID,
		LogicalKey:  key,
		Source:      sub.Source,
		FirstSeenAt: e.firstSeen,
	}, a.ttl)
	if err != nil {
		a.release(key)
		return nil, fmt.Errorf("failed to claim delivery %s: %w", key, err)
	}
	if !claimed {
		// A previous incarnation of the bridge already holds the key.
		a.release(key)
		slog.Debug("delivery already recorded, suppressing",
			"agent_id", sub.AgentID, "run_id", sub.RunID, "source", sub.Source)
		return &Result{EventID: existing.CommittedEventID, Suppressed: true}, nil
	}

	eventID, err := a.poster.Post(ctx, sub.AgentID, sub.RoomID, sub.Content)
	if err != nil {
		a.release(key)
		if ferr := a.records.FailInFlight(ctx, e.trackingID); ferr != nil {
			slog.Error("failed to record delivery failure", "tracking_id", e.trackingID, "err", ferr)
		}
		return nil, fmt.Errorf("delivery of %s failed: %w", key, err)
	}

	a.mu.Lock()
	e.status = store.InFlightCommitted
	e.eventID = eventID
	a.mu.Unlock()

	if err := a.records.CommitInFlight(ctx, e.trackingID, eventID); err != nil {
		slog.Error("failed to record delivery commit", "tracking_id", e.trackingID, "err", err)
	}
	return &Result{EventID: eventID}, nil
}

func (a *Arbiter) release(key string) {
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
}

// Sweep drops expired in-memory claims and purges the matching audit rows.
func (a *Arbiter) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.ttl)

	a.mu.Lock()
	for key, e := range a.inflight {
		if e.firstSeen.Before(cutoff) {
			delete(a.inflight, key)
		}
	}
	a.mu.Unlock()

	if n, err := a.records.PurgeInFlightBefore(ctx, cutoff); err != nil {
		slog.Error("failed to purge delivery records", "err", err)
	} else if n > 0 {
		slog.Debug("purged expired delivery records", "count", n)
	}
}

// Run sweeps periodically until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Pending returns the number of live claims, for the health surface.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
