package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/internal/bridge/arbiter"
	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
	"github.com/kmoroz/tsunagi/internal/bridge/peers"
	"github.com/kmoroz/tsunagi/internal/bridge/reconcile"
	"github.com/kmoroz/tsunagi/internal/bridge/route"
	"github.com/kmoroz/tsunagi/internal/bridge/runtime"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
	"github.com/kmoroz/tsunagi/internal/bridge/toolapi"
)

// toolBackend is the production toolapi.Backend: admin-scoped Matrix calls go
// through the admin client, agent-scoped ones through the session pool.
type toolBackend struct {
	st       *store.Store
	pool     *gateway.Pool
	admin    *mautrix.Client
	rt       *runtime.Client
	rec      *reconcile.Reconciler
	arb      *arbiter.Arbiter
	registry *peers.Registry
}

func identityView(ident *store.Identity) *toolapi.IdentityInfo {
	return &toolapi.IdentityInfo{
		AgentID:   ident.AgentID,
		AgentName: ident.AgentName,
		Localpart: ident.Localpart,
		MXID:      ident.MXID,
		RoomID:    ident.RoomID,
		State:     ident.State,
		Removed:   ident.Removed(),
	}
}

func (b *toolBackend) Send(ctx context.Context, args toolapi.SendArgs) (*toolapi.EventRef, error) {
	msgtype := args.MsgType
	if msgtype == "" {
		msgtype = "m.text"
	}

	if args.AsAgent == "" {
		resp, err := b.admin.SendMessageEvent(ctx, id.RoomID(args.RoomID), event.EventMessage,
			map[string]any{"msgtype": msgtype, "body": args.Body})
		if err != nil {
			return nil, gateway.Classify("send", err)
		}
		return &toolapi.EventRef{EventID: resp.EventID.String()}, nil
	}

	session, err := b.pool.Get(ctx, args.AsAgent)
	if err != nil {
		return nil, err
	}
	unlock := session.LockRoom(id.RoomID(args.RoomID))
	defer unlock()

	var eventID string
	err = session.Do(ctx, "send", func(ctx context.Context, c *mautrix.Client) error {
		resp, err := c.SendMessageEvent(ctx, id.RoomID(args.RoomID), event.EventMessage, map[string]any{
			"msgtype": msgtype,
			"body":    args.Body,
			// Agent-authored sends must never be routed back into the agent.
			route.MarkerBridgeOriginated: true,
		})
		if err != nil {
			return err
		}
		eventID = resp.EventID.String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &toolapi.EventRef{EventID: eventID}, nil
}

func (b *toolBackend) Read(ctx context.Context, args toolapi.ReadArgs) (*toolapi.ReadResult, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	resp, err := b.admin.Messages(ctx, id.RoomID(args.RoomID), args.From, "",
		mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, gateway.Classify("read", err)
	}

	out := &toolapi.ReadResult{End: resp.End}
	for _, evt := range resp.Chunk {
		if evt.Type != event.EventMessage {
			continue
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			continue
		}
		msg := evt.Content.AsMessage()
		if msg == nil {
			continue
		}
		out.Messages = append(out.Messages, toolapi.Message{
			EventID:   evt.ID.String(),
			Sender:    evt.Sender.String(),
			Body:      msg.Body,
			Timestamp: evt.Timestamp,
		})
	}
	return out, nil
}

func (b *toolBackend) React(ctx context.Context, args toolapi.ReactArgs) (*toolapi.EventRef, error) {
	resp, err := b.admin.SendMessageEvent(ctx, id.RoomID(args.RoomID), event.EventReaction,
		&event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: id.EventID(args.EventID),
				Key:     args.Key,
			},
		})
	if err != nil {
		return nil, gateway.Classify("react", err)
	}
	return &toolapi.EventRef{EventID: resp.EventID.String()}, nil
}

func (b *toolBackend) Edit(ctx context.Context, args toolapi.EditArgs) (*toolapi.EventRef, error) {
	resp, err := b.admin.SendMessageEvent(ctx, id.RoomID(args.RoomID), event.EventMessage,
		map[string]any{
			"msgtype": "m.text",
			"body":    "* " + args.Body,
			"m.new_content": map[string]any{
				"msgtype": "m.text",
				"body":    args.Body,
			},
			"m.relates_to": map[string]any{
				"rel_type": "m.replace",
				"event_id": args.EventID,
			},
		})
	if err != nil {
		return nil, gateway.Classify("edit", err)
	}
	return &toolapi.EventRef{EventID: resp.EventID.String()}, nil
}

func (b *toolBackend) Typing(ctx context.Context, args toolapi.TypingArgs) error {
	timeout := time.Duration(args.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_, err := b.admin.UserTyping(ctx, id.RoomID(args.RoomID), args.Typing, timeout)
	if err != nil {
		return gateway.Classify("typing", err)
	}
	return nil
}

func (b *toolBackend) RoomJoin(ctx context.Context, args toolapi.RoomJoinArgs) error {
	if _, err := b.admin.JoinRoomByID(ctx, id.RoomID(args.RoomID)); err != nil {
		return gateway.Classify("room join", err)
	}
	return nil
}

func (b *toolBackend) RoomLeave(ctx context.Context, args toolapi.RoomLeaveArgs) error {
	if _, err := b.admin.LeaveRoom(ctx, id.RoomID(args.RoomID)); err != nil {
		return gateway.Classify("room leave", err)
	}
	return nil
}

func (b *toolBackend) RoomInfo(ctx context.Context, args toolapi.RoomInfoArgs) (*toolapi.RoomSummary, error) {
	summary := &toolapi.RoomSummary{RoomID: args.RoomID}

	var name event.RoomNameEventContent
	if err := b.admin.StateEvent(ctx, id.RoomID(args.RoomID), event.StateRoomName, "", &name); err == nil {
		summary.Name = name.Name
	}
	var topic event.TopicEventContent
	if err := b.admin.StateEvent(ctx, id.RoomID(args.RoomID), event.StateTopic, "", &topic); err == nil {
		summary.Topic = topic.Topic
	}

	if members, err := b.admin.JoinedMembers(ctx, id.RoomID(args.RoomID)); err == nil {
		for userID := range members.Joined {
			summary.Members = append(summary.Members, userID.String())
		}
	}

	if binding, err := b.st.GetRoomBinding(ctx, args.RoomID); err == nil {
		summary.OwnerAgent = binding.AgentID
		summary.SpaceParent = binding.SpaceParentID
		if summary.Name == "" {
			summary.Name = binding.CanonicalName
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return summary, nil
}

func (b *toolBackend) RoomList(ctx context.Context) ([]*toolapi.RoomSummary, error) {
	resp, err := b.admin.JoinedRooms(ctx)
	if err != nil {
		return nil, gateway.Classify("room list", err)
	}

	summaries := make([]*toolapi.RoomSummary, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		summary := &toolapi.RoomSummary{RoomID: roomID.String()}
		if binding, err := b.st.GetRoomBinding(ctx, roomID.String()); err == nil {
			summary.OwnerAgent = binding.AgentID
			summary.Name = binding.CanonicalName
			summary.SpaceParent = binding.SpaceParentID
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (b *toolBackend) RoomCreate(ctx context.Context, args toolapi.RoomCreateArgs) (*toolapi.RoomCreateResult, error) {
	invite := make([]id.UserID, 0, len(args.Invite))
	for _, userID := range args.Invite {
		invite = append(invite, id.UserID(userID))
	}
	resp, err := b.admin.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:       args.Name,
		Topic:      args.Topic,
		Visibility: "private",
		Preset:     "private_chat",
		Invite:     invite,
	})
	if err != nil {
		return nil, gateway.Classify("room create", err)
	}
	return &toolapi.RoomCreateResult{RoomID: resp.RoomID.String()}, nil
}

func (b *toolBackend) RoomInvite(ctx context.Context, args toolapi.RoomInviteArgs) error {
	_, err := b.admin.InviteUser(ctx, id.RoomID(args.RoomID), &mautrix.ReqInviteUser{
		UserID: id.UserID(args.UserID),
	})
	if err != nil {
		return gateway.Classify("room invite", err)
	}
	return nil
}

func (b *toolBackend) IdentityGet(ctx context.Context, args toolapi.IdentityGetArgs) (*toolapi.IdentityInfo, error) {
	ident, err := b.st.GetIdentity(ctx, args.AgentID)
	if err != nil {
		return nil, err
	}
	return identityView(ident), nil
}

func (b *toolBackend) IdentityList(ctx context.Context, args toolapi.IdentityListArgs) ([]*toolapi.IdentityInfo, error) {
	idents, err := b.st.ListIdentities(ctx, args.IncludeRemoved)
	if err != nil {
		return nil, err
	}
	views := make([]*toolapi.IdentityInfo, 0, len(idents))
	for _, ident := range idents {
		views = append(views, identityView(ident))
	}
	return views, nil
}

func (b *toolBackend) IdentityCreate(ctx context.Context, args toolapi.IdentityCreateArgs) (*toolapi.IdentityInfo, error) {
	ident, err := b.rec.EnsureAgent(ctx, runtime.Agent{ID: args.AgentID, Name: args.Name})
	if err != nil {
		return nil, err
	}
	return identityView(ident), nil
}

func (b *toolBackend) AgentLookup(ctx context.Context, args toolapi.AgentLookupArgs) (*toolapi.IdentityInfo, error) {
	var (
		ident *store.Identity
		err   error
	)
	switch {
	case args.AgentID != "":
		ident, err = b.st.GetIdentity(ctx, args.AgentID)
	case args.MXID != "":
		ident, err = b.st.GetIdentityByMXID(ctx, args.MXID)
	case args.RoomID != "":
		ident, err = b.st.GetIdentityByRoomID(ctx, args.RoomID)
	default:
		return nil, &toolapi.Error{
			Code:    toolapi.ErrCodeInvalidArgs,
			Message: "one of agent_id, mxid, room_id is required",
		}
	}
	if err != nil {
		return nil, err
	}
	return identityView(ident), nil
}

func (b *toolBackend) AgentList(ctx context.Context) ([]*toolapi.AgentInfo, error) {
	agents, err := b.rt.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*toolapi.AgentInfo, 0, len(agents))
	for _, agent := range agents {
		views = append(views, &toolapi.AgentInfo{
			ID:          agent.ID,
			Name:        agent.Name,
			Description: agent.Description,
			Model:       agent.Model,
		})
	}
	return views, nil
}

// AgentChat sends a message into an agent's conversation, waits for the run
// to finish, posts the reply into the agent's room, and returns the reply.
func (b *toolBackend) AgentChat(ctx context.Context, args toolapi.AgentChatArgs) (*toolapi.AgentChatResult, error) {
	ident, err := b.st.GetIdentity(ctx, args.AgentID)
	if err != nil {
		return nil, err
	}
	if ident.RoomID == "" || ident.Removed() {
		return nil, fmt.Errorf("agent %s has no active room", args.AgentID)
	}

	userScope := args.UserScope
	if userScope == "" {
		userScope = "tool"
	}
	conversationID, err := ensureConversation(ctx, b.st, b.rt, ident.RoomID, args.AgentID, userScope)
	if err != nil {
		return nil, err
	}

	stream, err := b.rt.Send(ctx, args.AgentID, conversationID, args.Message, map[string]string{
		"room_id": ident.RoomID,
		"sender":  userScope,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	terminal, err := stream.Drain(nil)
	if err != nil {
		return nil, err
	}

	runID := terminal.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	result := &toolapi.AgentChatResult{
		ConversationID: conversationID,
		RunID:          runID,
		Reply:          terminal.Text,
	}
	if terminal.Text == "" {
		return result, nil
	}

	posted, err := b.arb.Submit(ctx, arbiter.Submission{
		AgentID: args.AgentID,
		RunID:   runID,
		Source:  arbiter.SourceStream,
		RoomID:  ident.RoomID,
		Content: terminal.Text,
	})
	if err != nil {
		return nil, err
	}
	result.EventID = posted.EventID
	return result, nil
}

func (b *toolBackend) AgentIdentity(ctx context.Context, args toolapi.AgentIdentityArgs) (*toolapi.AgentIdentityResult, error) {
	agent, err := b.rt.GetAgent(ctx, args.AgentID)
	if err != nil {
		return nil, err
	}
	result := &toolapi.AgentIdentityResult{
		Agent: &toolapi.AgentInfo{
			ID:          agent.ID,
			Name:        agent.Name,
			Description: agent.Description,
			Model:       agent.Model,
		},
	}
	ident, err := b.st.GetIdentity(ctx, args.AgentID)
	if err == nil {
		result.Identity = identityView(ident)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return result, nil
}

func (b *toolBackend) Subscribe(ctx context.Context, args toolapi.SubscribeArgs) (*toolapi.SubscribeResult, error) {
	reg, err := b.registry.Register(ctx, &store.PeerRegistration{
		SessionID:  args.SessionID,
		Directory:  args.Directory,
		ListenPort: args.ListenPort,
		Rooms:      args.Rooms,
	})
	if err != nil {
		return nil, err
	}
	return &toolapi.SubscribeResult{
		SessionID:  reg.SessionID,
		TTLSeconds: int(b.registry.TTL().Seconds()),
	}, nil
}

func (b *toolBackend) Unsubscribe(ctx context.Context, args toolapi.UnsubscribeArgs) error {
	return b.registry.Deregister(ctx, args.SessionID)
}
