package reconcile

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
)

// MatrixOps is the production Homeserver implementation: agent-scoped calls
// go through the session pool, space management through the admin session.
type MatrixOps struct {
	gw          *gateway.Gateway
	pool        *gateway.Pool
	admin       *mautrix.Client
	adminUserID id.UserID
	serverName  string
}

// NewMatrixOps assembles the Homeserver implementation.
func NewMatrixOps(gw *gateway.Gateway, pool *gateway.Pool, admin *mautrix.Client, adminUserID id.UserID, serverName string) *MatrixOps {
	return &MatrixOps{
		gw:          gw,
		pool:        pool,
		admin:       admin,
		adminUserID: adminUserID,
		serverName:  serverName,
	}
}

// EnsureAccount registers or logs into the account for localpart.
func (m *MatrixOps) EnsureAccount(ctx context.Context, localpart, displayName, password string) (*gateway.Account, error) {
	return m.gw.EnsureAccount(ctx, localpart, displayName, password)
}

// SetDisplayName sets the agent identity's profile name.
func (m *MatrixOps) SetDisplayName(ctx context.Context, agentID, name string) error {
	session, err := m.pool.Get(ctx, agentID)
	if err != nil {
		return err
	}
	return session.Do(ctx, "set display name", func(ctx context.Context, c *mautrix.Client) error {
		return c.SetDisplayName(ctx, name)
	})
}

// CreateAgentRoom creates the agent's canonical room as the agent, with the
// bridge admin invited so it can sync and mediate invites.
func (m *MatrixOps) CreateAgentRoom(ctx context.Context, agentID, name string) (id.RoomID, error) {
	session, err := m.pool.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	var roomID id.RoomID
	err = session.Do(ctx, "create room", func(ctx context.Context, c *mautrix.Client) error {
		resp, err := c.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Name:       name,
			Topic:      "Chat with this agent",
			Visibility: "private",
			Preset:     "trusted_private_chat",
			Invite:     []id.UserID{m.adminUserID},
		})
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	return roomID, err
}

// SetRoomName repairs the room's canonical name as the owning agent.
func (m *MatrixOps) SetRoomName(ctx context.Context, agentID string, roomID id.RoomID, name string) error {
	session, err := m.pool.Get(ctx, agentID)
	if err != nil {
		return err
	}
	return session.Do(ctx, "set room name", func(ctx context.Context, c *mautrix.Client) error {
		_, err := c.SendStateEvent(ctx, roomID, event.StateRoomName, "",
			&event.RoomNameEventContent{Name: name})
		return err
	})
}

// RoomAccessible reports whether the admin can still read the room's create
// event. Deleted, purged, or unshared rooms all fail this probe.
func (m *MatrixOps) RoomAccessible(ctx context.Context, roomID id.RoomID) bool {
	var content event.CreateEventContent
	err := m.admin.StateEvent(ctx, roomID, event.StateCreate, "", &content)
	return err == nil
}

// CreateSpace creates a fresh Agents Space owned by the admin.
func (m *MatrixOps) CreateSpace(ctx context.Context, name string) (id.RoomID, error) {
	resp, err := m.admin.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       name,
		Topic:      "Per-agent chat rooms",
		Visibility: "private",
		CreationContent: map[string]any{
			"type": "m.space",
		},
	})
	if err != nil {
		return "", gateway.Classify("create space", err)
	}
	return resp.RoomID, nil
}

// SpaceAccessible validates the space pointer the same way rooms are probed.
func (m *MatrixOps) SpaceAccessible(ctx context.Context, spaceID id.RoomID) bool {
	return m.RoomAccessible(ctx, spaceID)
}

// AddChildToSpace parents roomID under the space.
func (m *MatrixOps) AddChildToSpace(ctx context.Context, spaceID, roomID id.RoomID) error {
	_, err := m.admin.SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(),
		&event.SpaceChildEventContent{Via: []string{m.serverName}})
	return gateway.Classify("add space child", err)
}
