package app

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
	"github.com/kmoroz/tsunagi/internal/bridge/route"
)

// markerPoster posts assistant messages as the agent's own identity, with the
// never-forward marker so the bridge's sync loop drops its own sends.
type markerPoster struct {
	pool *gateway.Pool
}

func (p *markerPoster) Post(ctx context.Context, agentID, roomID, content string) (string, error) {
	session, err := p.pool.Get(ctx, agentID)
	if err != nil {
		return "", err
	}

	unlock := session.LockRoom(id.RoomID(roomID))
	defer unlock()

	var eventID string
	err = session.Do(ctx, "post message", func(ctx context.Context, c *mautrix.Client) error {
		resp, err := c.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, map[string]any{
			"msgtype":                    "m.text",
			"body":                       content,
			route.MarkerBridgeOriginated: true,
		})
		if err != nil {
			return err
		}
		eventID = resp.EventID.String()
		return nil
	})
	return eventID, err
}
