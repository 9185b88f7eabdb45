// Package syncer drives the homeserver /sync long-poll with a persisted
// resume cursor. A fresh deployment cold-starts with a zero-limit initial
// sync and a wall-clock watermark so room history is never replayed.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// initialSyncFilter skips all timeline content; the initial sync only yields
// a next_batch token to resume from.
const initialSyncFilter = `{"room":{"timeline":{"limit":0}}}`

// batchFilter bounds the timeline slice per room per batch.
const batchFilter = `{"room":{"timeline":{"limit":50}}}`

// Cursors is the persisted cursor store, implemented by the bridge store.
type Cursors interface {
	GetCursor(ctx context.Context, scope string) (*store.SyncCursor, error)
	SaveCursor(ctx context.Context, scope, cursor string, watermarkMS int64) error
	DeleteCursor(ctx context.Context, scope string) error
}

// BatchHandler processes one batch of timeline events. The cursor advances
// only after the handler returns nil, so a crash mid-batch re-delivers the
// batch; downstream must be idempotent on event id.
type BatchHandler func(ctx context.Context, events []*event.Event) error

// InviteHandler reacts to a pending room invite for the syncing identity.
type InviteHandler func(ctx context.Context, roomID id.RoomID, inviter id.UserID)

// Config assembles an Engine.
type Config struct {
	// Scope names the cursor row; one engine per scope.
	Scope  string
	Client *mautrix.Client
	// Reauth replaces the client after an auth failure.
	Reauth  func(ctx context.Context) (*mautrix.Client, error)
	Cursors Cursors
	// Timeout is the server-side long-poll timeout.
	Timeout time.Duration
	// DropHistory drops timeline events older than the cold-start watermark.
	DropHistory bool
	OnBatch     BatchHandler
	OnInvite    InviteHandler
}

// Engine is one sync loop.
type Engine struct {
	cfg       Config
	client    *mautrix.Client
	cursor    string
	watermark int64
}

// New creates an Engine; Run starts it.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{cfg: cfg, client: cfg.Client}
}

// Watermark returns the cold-start history boundary in origin_ts ms.
func (e *Engine) Watermark() int64 { return e.watermark }

// Run loads or establishes the cursor and long-polls until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadCursor(ctx); err != nil {
		return err
	}

	backoff := time.Second
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := e.sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			switch gateway.KindOf(err) {
			case gateway.KindAuthExpired:
				if rerr := e.refreshClient(ctx); rerr != nil {
					slog.Error("sync re-auth failed", "scope", e.cfg.Scope, "err", rerr)
				} else {
					continue
				}
			case gateway.KindTransient, gateway.KindRateLimited:
				// Losing possibly stale events beats stalling: after
				// persistent failure the cursor is rebuilt from scratch and
				// the watermark moves forward.
				if failures >= 5 {
					slog.Warn("sync persistently failing, restarting from a fresh cursor",
						"scope", e.cfg.Scope, "err", err)
					if derr := e.cfg.Cursors.DeleteCursor(ctx, e.cfg.Scope); derr != nil {
						slog.Error("failed to drop cursor", "scope", e.cfg.Scope, "err", derr)
					}
					e.cursor = ""
					e.watermark = 0
					if lerr := e.loadCursor(ctx); lerr != nil {
						slog.Error("failed to rebuild cursor", "scope", e.cfg.Scope, "err", lerr)
					} else {
						failures = 0
						continue
					}
				}
			default:
				slog.Error("sync failed", "scope", e.cfg.Scope, "err", err)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		failures = 0
		backoff = time.Second

		events, invites := e.collect(resp)
		for _, invite := range invites {
			if e.cfg.OnInvite != nil {
				e.cfg.OnInvite(ctx, invite.room, invite.inviter)
			}
		}
		if len(events) > 0 && e.cfg.OnBatch != nil {
			if err := e.cfg.OnBatch(ctx, events); err != nil {
				slog.Error("batch handler failed, batch will be re-delivered",
					"scope", e.cfg.Scope, "events", len(events), "err", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				continue
			}
		}

		// Cursor advance is its own transaction, after downstream processing,
		// bounding the re-processing window to one batch.
		e.cursor = resp.NextBatch
		if err := e.cfg.Cursors.SaveCursor(ctx, e.cfg.Scope, e.cursor, 0); err != nil {
			slog.Error("failed to persist cursor", "scope", e.cfg.Scope, "err", err)
		}
	}
}

// loadCursor restores the persisted cursor or performs the cold-start
// initial sync.
func (e *Engine) loadCursor(ctx context.Context) error {
	cur, err := e.cfg.Cursors.GetCursor(ctx, e.cfg.Scope)
	if err == nil {
		e.cursor = cur.Cursor
		e.watermark = cur.WatermarkMS
		slog.Info("sync resuming from persisted cursor", "scope", e.cfg.Scope)
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}

	resp, err := e.client.SyncRequest(ctx, 0, "", initialSyncFilter, false, "")
	if err != nil {
		return gateway.Classify("initial sync", err)
	}
	e.cursor = resp.NextBatch
	e.watermark = time.Now().UnixMilli()
	if !e.cfg.DropHistory {
		e.watermark = 0
	}
	if err := e.cfg.Cursors.SaveCursor(ctx, e.cfg.Scope, e.cursor, e.watermark); err != nil {
		return err
	}
	slog.Info("sync cold start", "scope", e.cfg.Scope, "watermark_ms", e.watermark)
	return nil
}

func (e *Engine) sync(ctx context.Context) (*mautrix.RespSync, error) {
	timeoutMS := int(e.cfg.Timeout.Milliseconds())
	resp, err := e.client.SyncRequest(ctx, timeoutMS, e.cursor, batchFilter, false, "")
	if err != nil {
		return nil, gateway.Classify("sync", err)
	}
	return resp, nil
}

func (e *Engine) refreshClient(ctx context.Context) error {
	if e.cfg.Reauth == nil {
		return nil
	}
	client, err := e.cfg.Reauth(ctx)
	if err != nil {
		return err
	}
	e.client = client
	return nil
}

type invite struct {
	room    id.RoomID
	inviter id.UserID
}

// collect flattens a sync response into watermark-filtered, origin_ts-ordered
// message events plus pending invites.
func (e *Engine) collect(resp *mautrix.RespSync) ([]*event.Event, []invite) {
	var events []*event.Event
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			if evt.Type != event.EventMessage {
				continue
			}
			if e.watermark > 0 && evt.Timestamp < e.watermark {
				continue
			}
			evt.RoomID = roomID
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				slog.Debug("unparseable message event", "event_id", evt.ID, "err", err)
				continue
			}
			events = append(events, evt)
		}
	}
	sortByOriginTS(events)

	var invites []invite
	for roomID, room := range resp.Rooms.Invite {
		inv := invite{room: roomID}
		for _, evt := range room.State.Events {
			if evt.Type == event.StateMember {
				inv.inviter = evt.Sender
			}
		}
		invites = append(invites, inv)
	}
	return events, invites
}

// sortByOriginTS orders events by origin_ts so per-room dispatch preserves
// timeline order. Batches are small (bounded by the timeline limit), so a
// simple insertion sort suffices.
func sortByOriginTS(events []*event.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp < events[j-1].Timestamp; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}
