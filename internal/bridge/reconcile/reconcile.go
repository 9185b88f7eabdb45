// Package reconcile runs the control loop that keeps Matrix in step with the
// agent runtime: one identity and one canonically named room per live agent,
// every room a child of the single Agents Space.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/common/trace"
	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
	"github.com/kmoroz/tsunagi/internal/bridge/identity"
	"github.com/kmoroz/tsunagi/internal/bridge/runtime"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// DefaultSpaceName is the Agents Space display name.
const DefaultSpaceName = "Agents"

// AgentLister is the runtime side of the loop.
type AgentLister interface {
	ListAgents(ctx context.Context) ([]runtime.Agent, error)
}

// Homeserver abstracts the Matrix operations the loop needs; the production
// implementation lives in this package, tests substitute a fake.
type Homeserver interface {
	EnsureAccount(ctx context.Context, localpart, displayName, password string) (*gateway.Account, error)
	SetDisplayName(ctx context.Context, agentID, name string) error
	CreateAgentRoom(ctx context.Context, agentID, name string) (id.RoomID, error)
	SetRoomName(ctx context.Context, agentID string, roomID id.RoomID, name string) error
	RoomAccessible(ctx context.Context, roomID id.RoomID) bool
	CreateSpace(ctx context.Context, name string) (id.RoomID, error)
	SpaceAccessible(ctx context.Context, spaceID id.RoomID) bool
	AddChildToSpace(ctx context.Context, spaceID, roomID id.RoomID) error
}

// Config tunes the Reconciler.
type Config struct {
	Interval  time.Duration
	SpaceName string
}

// Reconciler is the control loop.
type Reconciler struct {
	cfg Config
	rt  AgentLister
	st  *store.Store
	hs  Homeserver

	provisioned atomic.Uint64
	renamed     atomic.Uint64
	revived     atomic.Uint64
	retired     atomic.Uint64
}

// Stats reports lifetime provisioning counters for the health surface.
func (r *Reconciler) Stats() (provisioned, renamed, revived, retired uint64) {
	return r.provisioned.Load(), r.renamed.Load(), r.revived.Load(), r.retired.Load()
}

// New creates a Reconciler.
func New(cfg Config, rt AgentLister, st *store.Store, hs Homeserver) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.SpaceName == "" {
		cfg.SpaceName = DefaultSpaceName
	}
	return &Reconciler{cfg: cfg, rt: rt, st: st, hs: hs}
}

// Run ticks until ctx is cancelled. Tick failures are logged, never fatal;
// the next tick retries from observed state.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tctx := trace.Ensure(ctx)
			if err := r.Tick(tctx); err != nil {
				slog.Error("reconcile tick failed", "trace_id", trace.FromContext(tctx), "err", err)
			}
		}
	}
}

// Tick performs one reconcile pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	agents, err := r.rt.ListAgents(ctx)
	if err != nil {
		// An unreachable runtime must not cascade into deprovisioning.
		return fmt.Errorf("agent list unavailable, skipping pass: %w", err)
	}

	idents, err := r.st.ListIdentities(ctx, true)
	if err != nil {
		return err
	}
	byAgentID := make(map[string]*store.Identity, len(idents))
	for _, ident := range idents {
		byAgentID[ident.AgentID] = ident
	}

	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		slog.Warn("agents space unavailable, rooms will be re-parented next pass", "err", err)
	}

	live := make(map[string]bool, len(agents))
	for _, agent := range agents {
		live[agent.ID] = true
		ident := byAgentID[agent.ID]
		switch {
		case ident == nil:
			err = r.provision(ctx, agent, spaceID)
		case ident.Removed():
			err = r.revive(ctx, agent, ident, spaceID)
		case ident.AgentName != agent.Name:
			err = r.rename(ctx, agent, ident)
		default:
			err = r.ensureRoom(ctx, agent, ident, spaceID)
		}
		if err != nil {
			slog.Error("reconcile agent failed", "agent_id", agent.ID, "err", err)
		}
	}

	for _, ident := range idents {
		if !live[ident.AgentID] && !ident.Removed() {
			slog.Info("agent gone, retiring identity", "agent_id", ident.AgentID, "mxid", ident.MXID)
			if err := r.st.MarkIdentityRemoved(ctx, ident.AgentID); err != nil {
				slog.Error("failed to retire identity", "agent_id", ident.AgentID, "err", err)
			} else {
				r.retired.Add(1)
			}
		}
	}
	return nil
}

// EnsureAgent materializes the identity and room for one agent on demand,
// outside the tick cadence. Used by the tool surface to pre-provision.
func (r *Reconciler) EnsureAgent(ctx context.Context, agent runtime.Agent) (*store.Identity, error) {
	spaceID, err := r.EnsureSpace(ctx)
	if err != nil {
		slog.Warn("agents space unavailable, room will be re-parented later", "err", err)
	}

	ident, err := r.st.GetIdentity(ctx, agent.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = r.provision(ctx, agent, spaceID)
	case err != nil:
		return nil, err
	case ident.Removed():
		err = r.revive(ctx, agent, ident, spaceID)
	case agent.Name != "" && ident.AgentName != agent.Name:
		err = r.rename(ctx, agent, ident)
	default:
		err = r.ensureRoom(ctx, agent, ident, spaceID)
	}
	if err != nil {
		return nil, err
	}
	return r.st.GetIdentity(ctx, agent.ID)
}

// resolveLocalpart derives the localpart, appending a numeric suffix when a
// different agent already claimed it. The earlier created identity keeps the
// bare name.
func (r *Reconciler) resolveLocalpart(ctx context.Context, agentID string) (string, error) {
	localpart, err := identity.DeriveLocalpart(agentID)
	if err != nil {
		return "", err
	}
	idents, err := r.st.ListIdentities(ctx, true)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(idents))
	for _, ident := range idents {
		if ident.AgentID != agentID {
			taken[ident.Localpart] = true
		}
	}
	if !taken[localpart] {
		return localpart, nil
	}
	for n := 2; ; n++ {
		candidate := identity.SuffixedLocalpart(localpart, n)
		if !taken[candidate] {
			slog.Warn("localpart collision, using suffixed name",
				"agent_id", agentID, "localpart", candidate)
			return candidate, nil
		}
	}
}

// provision materializes a brand-new agent: account, display name, room,
// binding, space membership.
func (r *Reconciler) provision(ctx context.Context, agent runtime.Agent, spaceID id.RoomID) error {
	localpart, err := r.resolveLocalpart(ctx, agent.ID)
	if err != nil {
		return err
	}
	seed, err := gateway.NewSeed()
	if err != nil {
		return err
	}

	account, err := r.hs.EnsureAccount(ctx, localpart, agent.Name, gateway.DerivePassword(seed, localpart))
	if err != nil {
		return fmt.Errorf("failed to materialize account for %s: %w", agent.ID, err)
	}

	ident := &store.Identity{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		Localpart:    localpart,
		MXID:         account.UserID.String(),
		AccessToken:  account.AccessToken,
		PasswordSeed: seed,
		State:        identity.StateProvisioning,
	}
	if err := r.st.CreateIdentity(ctx, ident); err != nil {
		return err
	}

	slog.Info("provisioned identity", "agent_id", agent.ID, "mxid", ident.MXID,
		"trace_id", trace.FromContext(ctx))

	if err := r.hs.SetDisplayName(ctx, agent.ID, agent.Name); err != nil {
		slog.Warn("failed to set display name", "agent_id", agent.ID, "err", err)
	}

	if err := r.materializeRoom(ctx, agent, spaceID); err != nil {
		return err
	}
	if err := r.st.SetIdentityState(ctx, agent.ID, identity.StateActive); err != nil {
		return err
	}
	r.provisioned.Add(1)
	return nil
}

// revive re-activates a soft-removed identity for an agent that came back.
func (r *Reconciler) revive(ctx context.Context, agent runtime.Agent, ident *store.Identity, spaceID id.RoomID) error {
	slog.Info("agent returned, reviving identity", "agent_id", agent.ID, "mxid", ident.MXID)
	if err := r.st.UpsertIdentity(ctx, &store.Identity{AgentID: agent.ID, AgentName: agent.Name}); err != nil {
		return err
	}
	if err := r.ensureRoom(ctx, agent, ident, spaceID); err != nil {
		return err
	}
	if err := r.st.SetIdentityState(ctx, agent.ID, identity.StateActive); err != nil {
		return err
	}
	r.revived.Add(1)
	return nil
}

// rename updates the agent name and repairs the room name; mxid and localpart
// never change.
func (r *Reconciler) rename(ctx context.Context, agent runtime.Agent, ident *store.Identity) error {
	slog.Info("agent renamed", "agent_id", agent.ID,
		"from", ident.AgentName, "to", agent.Name)

	if err := r.st.SetIdentityState(ctx, agent.ID, identity.StateRenaming); err != nil {
		return err
	}
	if err := r.st.UpsertIdentity(ctx, &store.Identity{AgentID: agent.ID, AgentName: agent.Name}); err != nil {
		return err
	}

	if ident.RoomID != "" {
		name := identity.CanonicalRoomName(agent.Name)
		if err := r.hs.SetRoomName(ctx, agent.ID, id.RoomID(ident.RoomID), name); err != nil {
			slog.Warn("failed to rename room", "agent_id", agent.ID, "err", err)
		} else if err := r.st.UpdateRoomCanonicalName(ctx, ident.RoomID, name); err != nil {
			return err
		}
	}
	if err := r.hs.SetDisplayName(ctx, agent.ID, agent.Name); err != nil {
		slog.Warn("failed to set display name", "agent_id", agent.ID, "err", err)
	}
	if err := r.st.SetIdentityState(ctx, agent.ID, identity.StateActive); err != nil {
		return err
	}
	r.renamed.Add(1)
	return nil
}

// ensureRoom validates an existing binding and recreates the room when it is
// gone or inaccessible.
func (r *Reconciler) ensureRoom(ctx context.Context, agent runtime.Agent, ident *store.Identity, spaceID id.RoomID) error {
	if ident.RoomID != "" && r.hs.RoomAccessible(ctx, id.RoomID(ident.RoomID)) {
		return nil
	}
	if ident.RoomID != "" {
		slog.Warn("agent room lost, recreating", "agent_id", agent.ID, "room_id", ident.RoomID)
		if err := r.st.DeleteConversationsForRoom(ctx, ident.RoomID); err != nil {
			return err
		}
	}
	return r.materializeRoom(ctx, agent, spaceID)
}

// materializeRoom creates the canonical room, binds it, and parents it under
// the space.
func (r *Reconciler) materializeRoom(ctx context.Context, agent runtime.Agent, spaceID id.RoomID) error {
	name := identity.CanonicalRoomName(agent.Name)
	roomID, err := r.hs.CreateAgentRoom(ctx, agent.ID, name)
	if err != nil {
		return fmt.Errorf("failed to create room for %s: %w", agent.ID, err)
	}
	if err := r.st.BindRoom(ctx, agent.ID, roomID.String(), name, spaceID.String()); err != nil {
		return err
	}
	if spaceID != "" {
		if err := r.hs.AddChildToSpace(ctx, spaceID, roomID); err != nil {
			slog.Warn("failed to parent room under space",
				"agent_id", agent.ID, "room_id", roomID, "err", err)
		}
	}
	slog.Info("room bound", "agent_id", agent.ID, "room_id", roomID, "name", name)
	return nil
}

// EnsureSpace returns a validated Agents Space, provisioning a replacement
// only when the current one is gone. A replacement is validated before the
// pointer moves, and the pointer is re-read before the swap so a concurrent
// repair wins over our candidate.
func (r *Reconciler) EnsureSpace(ctx context.Context) (id.RoomID, error) {
	current, err := r.st.GetState(ctx, store.StateKeySpaceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if current != "" && r.hs.SpaceAccessible(ctx, id.RoomID(current)) {
		return id.RoomID(current), nil
	}
	if current != "" {
		slog.Warn("agents space inaccessible, provisioning replacement", "space_id", current)
	}

	candidate, err := r.hs.CreateSpace(ctx, r.cfg.SpaceName)
	if err != nil {
		return "", fmt.Errorf("failed to create agents space: %w", err)
	}
	if !r.hs.SpaceAccessible(ctx, candidate) {
		// The old pointer stays in place; an unvalidated swap could orphan
		// every room binding at once.
		return "", fmt.Errorf("replacement space %s failed validation, keeping previous pointer", candidate)
	}

	// Second read: a concurrent pass may have already repaired the pointer.
	latest, err := r.st.GetState(ctx, store.StateKeySpaceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if latest != "" && latest != current && r.hs.SpaceAccessible(ctx, id.RoomID(latest)) {
		slog.Info("space pointer repaired concurrently, discarding candidate",
			"space_id", latest, "candidate", candidate)
		return id.RoomID(latest), nil
	}

	if err := r.st.SetState(ctx, store.StateKeySpaceID, candidate.String()); err != nil {
		return "", err
	}
	slog.Info("agents space provisioned", "space_id", candidate)
	return candidate, nil
}
