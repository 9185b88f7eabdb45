// Package peers tracks registered peer tooling sessions. Registrations are
// leases: a peer that stops refreshing is swept once its lease lapses.
package peers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// DefaultTTL is the registration lease when the config leaves it unset.
const DefaultTTL = 5 * time.Minute

// Registry manages peer session leases on top of the store.
type Registry struct {
	st  *store.Store
	ttl time.Duration
}

// New creates a Registry with the given lease duration.
func New(st *store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{st: st, ttl: ttl}
}

// TTL returns the registration lease duration.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register creates or refreshes a peer session. An empty SessionID is
// assigned; the caller echoes it back on later refreshes.
func (r *Registry) Register(ctx context.Context, reg *store.PeerRegistration) (*store.PeerRegistration, error) {
	if reg.SessionID == "" {
		reg.SessionID = uuid.NewString()
	}
	reg.LastSeen = time.Now()
	if err := r.st.UpsertPeer(ctx, reg); err != nil {
		return nil, err
	}
	slog.Debug("peer registered", "session_id", reg.SessionID,
		"directory", reg.Directory, "rooms", len(reg.Rooms))
	return reg, nil
}

// Heartbeat extends the lease for a known session.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) error {
	return r.st.TouchPeer(ctx, sessionID)
}

// Get returns a registration only while its lease is live.
func (r *Registry) Get(ctx context.Context, sessionID string) (*store.PeerRegistration, error) {
	peer, err := r.st.GetPeer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if r.expired(peer) {
		return nil, store.ErrNotFound
	}
	return peer, nil
}

// List returns registrations with live leases, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]*store.PeerRegistration, error) {
	all, err := r.st.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, peer := range all {
		if !r.expired(peer) {
			live = append(live, peer)
		}
	}
	return live, nil
}

// Deregister drops a session immediately.
func (r *Registry) Deregister(ctx context.Context, sessionID string) error {
	return r.st.DeletePeer(ctx, sessionID)
}

// Sweep deletes lapsed registrations and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	return r.st.SweepPeers(ctx, time.Now().Add(-r.ttl))
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				slog.Error("peer sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("swept lapsed peer registrations", "count", n)
			}
		}
	}
}

func (r *Registry) expired(peer *store.PeerRegistration) bool {
	return time.Since(peer.LastSeen) > r.ttl
}
