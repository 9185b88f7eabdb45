package toolapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kmoroz/tsunagi/internal/bridge/identity"
)

// Backend is what the tool operations run against; the composition root wires
// the production implementation, tests substitute a fake.
type Backend interface {
	// Messaging.
	Send(ctx context.Context, args SendArgs) (*EventRef, error)
	Read(ctx context.Context, args ReadArgs) (*ReadResult, error)
	React(ctx context.Context, args ReactArgs) (*EventRef, error)
	Edit(ctx context.Context, args EditArgs) (*EventRef, error)
	Typing(ctx context.Context, args TypingArgs) error

	// Room management.
	RoomJoin(ctx context.Context, args RoomJoinArgs) error
	RoomLeave(ctx context.Context, args RoomLeaveArgs) error
	RoomInfo(ctx context.Context, args RoomInfoArgs) (*RoomSummary, error)
	RoomList(ctx context.Context) ([]*RoomSummary, error)
	RoomCreate(ctx context.Context, args RoomCreateArgs) (*RoomCreateResult, error)
	RoomInvite(ctx context.Context, args RoomInviteArgs) error

	// Identity management.
	IdentityGet(ctx context.Context, args IdentityGetArgs) (*IdentityInfo, error)
	IdentityList(ctx context.Context, args IdentityListArgs) ([]*IdentityInfo, error)
	IdentityCreate(ctx context.Context, args IdentityCreateArgs) (*IdentityInfo, error)

	// Agent access.
	AgentLookup(ctx context.Context, args AgentLookupArgs) (*IdentityInfo, error)
	AgentList(ctx context.Context) ([]*AgentInfo, error)
	AgentChat(ctx context.Context, args AgentChatArgs) (*AgentChatResult, error)
	AgentIdentity(ctx context.Context, args AgentIdentityArgs) (*AgentIdentityResult, error)

	// Peer subscriptions.
	Subscribe(ctx context.Context, args SubscribeArgs) (*SubscribeResult, error)
	Unsubscribe(ctx context.Context, args UnsubscribeArgs) error
}

// SendArgs posts a message. AsAgent sends through that agent's identity
// instead of the bridge admin.
type SendArgs struct {
	RoomID  string `json:"room_id"`
	Body    string `json:"body"`
	MsgType string `json:"msgtype,omitempty"`
	AsAgent string `json:"as_agent,omitempty"`
}

// EventRef identifies a sent event.
type EventRef struct {
	EventID string `json:"event_id"`
}

// ReadArgs pages backwards through a room timeline.
type ReadArgs struct {
	RoomID string `json:"room_id"`
	Limit  int    `json:"limit,omitempty"`
	From   string `json:"from,omitempty"`
}

// Message is one timeline entry.
type Message struct {
	EventID   string `json:"event_id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// ReadResult carries a timeline page plus the token for the next one.
type ReadResult struct {
	Messages []Message `json:"messages"`
	End      string    `json:"end,omitempty"`
}

// ReactArgs attaches a reaction to an event.
type ReactArgs struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	Key     string `json:"key"`
}

// EditArgs replaces an event's body.
type EditArgs struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	Body    string `json:"body"`
}

// TypingArgs toggles the typing indicator.
type TypingArgs struct {
	RoomID    string `json:"room_id"`
	Typing    bool   `json:"typing"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// RoomJoinArgs joins a room the bridge was invited to.
type RoomJoinArgs struct {
	RoomID string `json:"room_id"`
}

// RoomLeaveArgs leaves a room.
type RoomLeaveArgs struct {
	RoomID string `json:"room_id"`
}

// RoomInfoArgs names the room to describe.
type RoomInfoArgs struct {
	RoomID string `json:"room_id"`
}

// RoomSummary describes a room the bridge can see.
type RoomSummary struct {
	RoomID      string   `json:"room_id"`
	Name        string   `json:"name,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Members     []string `json:"members,omitempty"`
	SpaceParent string   `json:"space_parent,omitempty"`
	OwnerAgent  string   `json:"owner_agent,omitempty"`
}

// RoomCreateArgs creates an ad-hoc room.
type RoomCreateArgs struct {
	Name   string   `json:"name"`
	Topic  string   `json:"topic,omitempty"`
	Invite []string `json:"invite,omitempty"`
}

// RoomCreateResult returns the new room id.
type RoomCreateResult struct {
	RoomID string `json:"room_id"`
}

// RoomInviteArgs invites a user into a room.
type RoomInviteArgs struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// IdentityGetArgs fetches one stored identity.
type IdentityGetArgs struct {
	AgentID string `json:"agent_id"`
}

// IdentityInfo is the credential-free view of a stored identity.
type IdentityInfo struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Localpart string `json:"localpart"`
	MXID      string `json:"mxid"`
	RoomID    string `json:"room_id,omitempty"`
	State     string `json:"state"`
	Removed   bool   `json:"removed"`
}

// IdentityListArgs filters the identity list.
type IdentityListArgs struct {
	IncludeRemoved bool `json:"include_removed,omitempty"`
}

// IdentityCreateArgs provisions an identity ahead of the reconcile loop.
type IdentityCreateArgs struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// IdentityDeriveArgs previews the localpart an agent id maps to.
type IdentityDeriveArgs struct {
	AgentID string `json:"agent_id"`
}

// IdentityDeriveResult is the pure derivation output.
type IdentityDeriveResult struct {
	Localpart string `json:"localpart"`
	MXID      string `json:"mxid"`
}

// AgentLookupArgs resolves an identity by exactly one of its keys.
type AgentLookupArgs struct {
	AgentID string `json:"agent_id,omitempty"`
	MXID    string `json:"mxid,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

// AgentInfo describes an agent the runtime exposes.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

// AgentChatArgs sends a message to an agent and waits for its reply.
type AgentChatArgs struct {
	AgentID   string `json:"agent_id"`
	Message   string `json:"message"`
	UserScope string `json:"user_scope,omitempty"`
}

// AgentChatResult carries the agent's final reply.
type AgentChatResult struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Reply          string `json:"reply"`
	EventID        string `json:"event_id,omitempty"`
}

// AgentIdentityArgs names the agent whose Matrix presence to describe.
type AgentIdentityArgs struct {
	AgentID string `json:"agent_id"`
}

// AgentIdentityResult joins the runtime view with the Matrix identity.
type AgentIdentityResult struct {
	Agent    *AgentInfo    `json:"agent"`
	Identity *IdentityInfo `json:"identity,omitempty"`
}

// SubscribeArgs registers a peer session for room-event delivery.
type SubscribeArgs struct {
	SessionID  string   `json:"session_id,omitempty"`
	Directory  string   `json:"directory,omitempty"`
	ListenPort int      `json:"listen_port,omitempty"`
	Rooms      []string `json:"rooms"`
}

// SubscribeResult echoes the lease the peer must keep refreshing.
type SubscribeResult struct {
	SessionID  string `json:"session_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// UnsubscribeArgs drops a peer session.
type UnsubscribeArgs struct {
	SessionID string `json:"session_id"`
}

// OKResult acknowledges operations with no other payload.
type OKResult struct {
	OK bool `json:"ok"`
}

type opSpec struct {
	schema string
	handle handlerFunc
}

var specs = map[string]opSpec{
	"send": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"body":{"type":"string","minLength":1},
			"msgtype":{"type":"string","enum":["m.text","m.notice","m.emote"]},
			"as_agent":{"type":"string"}},
			"required":["room_id","body"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args SendArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.Send(ctx, args)
		},
	},
	"read": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"limit":{"type":"integer","minimum":1,"maximum":100},
			"from":{"type":"string"}},
			"required":["room_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args ReadArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.Read(ctx, args)
		},
	},
	"react": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"event_id":{"type":"string","minLength":1},
			"key":{"type":"string","minLength":1}},
			"required":["room_id","event_id","key"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args ReactArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.React(ctx, args)
		},
	},
	"edit": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"event_id":{"type":"string","minLength":1},
			"body":{"type":"string","minLength":1}},
			"required":["room_id","event_id","body"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args EditArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.Edit(ctx, args)
		},
	},
	"typing": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"typing":{"type":"boolean"},
			"timeout_ms":{"type":"integer","minimum":0}},
			"required":["room_id","typing"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args TypingArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if err := d.backend.Typing(ctx, args); err != nil {
				return nil, err
			}
			return &OKResult{OK: true}, nil
		},
	},
	"room_join": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1}},
			"required":["room_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args RoomJoinArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if err := d.backend.RoomJoin(ctx, args); err != nil {
				return nil, err
			}
			return &OKResult{OK: true}, nil
		},
	},
	"room_leave": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1}},
			"required":["room_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args RoomLeaveArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if err := d.backend.RoomLeave(ctx, args); err != nil {
				return nil, err
			}
			return &OKResult{OK: true}, nil
		},
	},
	"room_info": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1}},
			"required":["room_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args RoomInfoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.RoomInfo(ctx, args)
		},
	},
	"room_list": {
		schema: `{"type":"object","additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			rooms, err := d.backend.RoomList(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"rooms": rooms}, nil
		},
	},
	"room_create": {
		schema: `{"type":"object","properties":{
			"name":{"type":"string","minLength":1},
			"topic":{"type":"string"},
			"invite":{"type":"array","items":{"type":"string"}}},
			"required":["name"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args RoomCreateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.RoomCreate(ctx, args)
		},
	},
	"room_invite": {
		schema: `{"type":"object","properties":{
			"room_id":{"type":"string","minLength":1},
			"user_id":{"type":"string","minLength":1}},
			"required":["room_id","user_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args RoomInviteArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if err := d.backend.RoomInvite(ctx, args); err != nil {
				return nil, err
			}
			return &OKResult{OK: true}, nil
		},
	},
	"identity_get": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1}},
			"required":["agent_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args IdentityGetArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.IdentityGet(ctx, args)
		},
	},
	"identity_list": {
		schema: `{"type":"object","properties":{
			"include_removed":{"type":"boolean"}},
			"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args IdentityListArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			idents, err := d.backend.IdentityList(ctx, args)
			if err != nil {
				return nil, err
			}
			return map[string]any{"identities": idents}, nil
		},
	},
	"identity_create": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1},
			"name":{"type":"string","minLength":1}},
			"required":["agent_id","name"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args IdentityCreateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.IdentityCreate(ctx, args)
		},
	},
	"identity_derive": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1}},
			"required":["agent_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args IdentityDeriveArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			localpart, err := identity.DeriveLocalpart(args.AgentID)
			if err != nil {
				return nil, &Error{Code: ErrCodeInvalidArgs, Message: err.Error()}
			}
			return &IdentityDeriveResult{
				Localpart: localpart,
				MXID:      fmt.Sprintf("@%s:%s", localpart, d.cfg.ServerName),
			}, nil
		},
	},
	"agent_lookup": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1},
			"mxid":{"type":"string","minLength":1},
			"room_id":{"type":"string","minLength":1}},
			"minProperties":1,"maxProperties":1,"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args AgentLookupArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.AgentLookup(ctx, args)
		},
	},
	"agent_list": {
		schema: `{"type":"object","additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			agents, err := d.backend.AgentList(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"agents": agents}, nil
		},
	},
	"agent_chat": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1},
			"message":{"type":"string","minLength":1},
			"user_scope":{"type":"string"}},
			"required":["agent_id","message"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args AgentChatArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.AgentChat(ctx, args)
		},
	},
	"agent_identity": {
		schema: `{"type":"object","properties":{
			"agent_id":{"type":"string","minLength":1}},
			"required":["agent_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args AgentIdentityArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.AgentIdentity(ctx, args)
		},
	},
	"subscribe": {
		schema: `{"type":"object","properties":{
			"session_id":{"type":"string"},
			"directory":{"type":"string"},
			"listen_port":{"type":"integer","minimum":0,"maximum":65535},
			"rooms":{"type":"array","items":{"type":"string"}}},
			"required":["rooms"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args SubscribeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return d.backend.Subscribe(ctx, args)
		},
	},
	"unsubscribe": {
		schema: `{"type":"object","properties":{
			"session_id":{"type":"string","minLength":1}},
			"required":["session_id"],"additionalProperties":false}`,
		handle: func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, error) {
			var args UnsubscribeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if err := d.backend.Unsubscribe(ctx, args); err != nil {
				return nil, err
			}
			return &OKResult{OK: true}, nil
		},
	},
}
