package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConversationBinding maps a (room, agent, user scope) triple to a runtime
// conversation. UserScope is "" for the room-level binding and a sender mxid
// for isolated inter-agent context.
type ConversationBinding struct {
	RoomID         string
	AgentID        string
	UserScope      string
	ConversationID string
	LastMessageAt  sql.NullTime
}

// GetConversation retrieves the binding for the given triple.
func (s *Store) GetConversation(ctx context.Context, roomID, agentID, userScope string) (*ConversationBinding, error) {
	var b ConversationBinding
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, agent_id, user_scope, conversation_id, last_message_at
		FROM conversation_bindings
		WHERE room_id = ? AND agent_id = ? AND user_scope = ?
	`, roomID, agentID, userScope).Scan(
		&b.RoomID, &b.AgentID, &b.UserScope, &b.ConversationID, &b.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation binding: %w", err)
	}
	return &b, nil
}

// BindConversation records the conversation for a triple. The first writer
// wins: a concurrent bind of the same triple keeps the stored id. The stored
// id is returned so callers converge on it.
func (s *Store) BindConversation(ctx context.Context, roomID, agentID, userScope, conversationID string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_bindings (room_id, agent_id, user_scope, conversation_id, last_message_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(room_id, agent_id, user_scope) DO NOTHING
	`, roomID, agentID, userScope, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to bind conversation: %w", err)
	}
	b, err := s.GetConversation(ctx, roomID, agentID, userScope)
	if err != nil {
		return "", err
	}
	return b.ConversationID, nil
}

// TouchConversation bumps last_message_at for an existing binding.
func (s *Store) TouchConversation(ctx context.Context, roomID, agentID, userScope string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversation_bindings SET last_message_at = ?
		WHERE room_id = ? AND agent_id = ? AND user_scope = ?
	`, time.Now(), roomID, agentID, userScope)
	if err != nil {
		return fmt.Errorf("failed to touch conversation binding: %w", err)
	}
	return requireRow(result, roomID)
}

// ListConversationsForAgent returns every binding targeting the agent,
// most-recently-active first.
func (s *Store) ListConversationsForAgent(ctx context.Context, agentID string) ([]*ConversationBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, agent_id, user_scope, conversation_id, last_message_at
		FROM conversation_bindings
		WHERE agent_id = ?
		ORDER BY last_message_at DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*ConversationBinding
	for rows.Next() {
		var b ConversationBinding
		if err := rows.Scan(&b.RoomID, &b.AgentID, &b.UserScope, &b.ConversationID, &b.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation binding: %w", err)
		}
		bindings = append(bindings, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation bindings: %w", err)
	}
	return bindings, nil
}

// DeleteConversationsForRoom drops all bindings for a room, used when a room
// is recreated after external deletion.
func (s *Store) DeleteConversationsForRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_bindings WHERE room_id = ?", roomID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation bindings: %w", err)
	}
	return nil
}
