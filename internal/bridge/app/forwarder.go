package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"

	"github.com/kmoroz/tsunagi/internal/bridge/arbiter"
	"github.com/kmoroz/tsunagi/internal/bridge/route"
	"github.com/kmoroz/tsunagi/internal/bridge/runtime"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// runtimeForwarder delivers classified room events into the owning agent's
// runtime conversation and hands the run's terminal text to the arbiter.
type runtimeForwarder struct {
	st  *store.Store
	rt  *runtime.Client
	arb *arbiter.Arbiter
}

// ensureConversation resolves the (room, agent, scope) binding, creating the
// runtime conversation on first contact. The upsert converges on the first
// writer, so a concurrent create is harmless.
func ensureConversation(ctx context.Context, st *store.Store, rt *runtime.Client, roomID, agentID, userScope string) (string, error) {
	conv, err := st.GetConversation(ctx, roomID, agentID, userScope)
	if err == nil {
		return conv.ConversationID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	conversationID, err := rt.CreateConversation(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to open conversation for %s: %w", agentID, err)
	}
	stored, err := st.BindConversation(ctx, roomID, agentID, userScope, conversationID)
	if err != nil {
		return "", err
	}
	if stored != conversationID {
		slog.Info("concurrent bind won the race, using stored conversation",
			"room_id", roomID, "agent_id", agentID,
			"user_scope", userScope, "conversation_id", stored)
		return stored, nil
	}
	slog.Info("conversation bound", "room_id", roomID, "agent_id", agentID,
		"user_scope", userScope, "conversation_id", conversationID)
	return conversationID, nil
}

func (f *runtimeForwarder) Forward(ctx context.Context, verdict *route.Verdict, evt *event.Event) error {
	owner := verdict.Owner
	roomID := evt.RoomID.String()
	userScope := evt.Sender.String()

	conversationID, err := ensureConversation(ctx, f.st, f.rt, roomID, owner.AgentID, userScope)
	if err != nil {
		return err
	}

	msg := evt.Content.AsMessage()
	if msg == nil {
		return nil
	}

	metadata := map[string]string{
		"room_id":  roomID,
		"sender":   userScope,
		"event_id": evt.ID.String(),
	}
	if verdict.Decision == route.DecisionForwardInterAgent && verdict.SenderAgent != nil {
		metadata["sender_agent_id"] = verdict.SenderAgent.AgentID
		metadata["sender_agent_name"] = verdict.SenderAgent.AgentName
	}

	stream, err := f.rt.Send(ctx, owner.AgentID, conversationID, msg.Body, metadata)
	if err != nil {
		if errors.Is(err, runtime.ErrConversationBusy) {
			slog.Warn("conversation busy, message not delivered",
				"room_id", roomID, "agent_id", owner.AgentID, "event_id", evt.ID)
		}
		return err
	}
	defer stream.Close()

	terminal, err := stream.Drain(func(se *runtime.StreamEvent) {
		if se.Kind == runtime.EventToolCall {
			slog.Debug("agent tool call", "agent_id", owner.AgentID, "tool", se.ToolName)
		}
	})
	if err != nil {
		return fmt.Errorf("run for event %s failed: %w", evt.ID, err)
	}

	if err := f.st.TouchConversation(ctx, roomID, owner.AgentID, userScope); err != nil {
		slog.Warn("failed to touch conversation", "room_id", roomID, "err", err)
	}

	if terminal.Text == "" {
		// Nothing visible to post; a webhook delivery may still follow.
		return nil
	}
	runID := terminal.RunID
	if runID == "" {
		runID = evt.ID.String()
	}

	result, err := f.arb.Submit(ctx, arbiter.Submission{
		AgentID: owner.AgentID,
		RunID:   runID,
		Source:  arbiter.SourceStream,
		RoomID:  roomID,
		Content: terminal.Text,
	})
	if err != nil {
		return err
	}
	if result.Suppressed {
		slog.Debug("stream delivery suppressed, webhook won the race",
			"agent_id", owner.AgentID, "run_id", runID, "event_id", result.EventID)
	}
	return nil
}
