package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Well-known bridge_state keys.
const (
	// StateKeySpaceID is the Agents Space room id pointer.
	StateKeySpaceID = "agents_space_id"
)

// GetState reads a bridge_state value.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM bridge_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get bridge state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes a bridge_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set bridge state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes a bridge_state key. Missing keys are not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bridge_state WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete bridge state %q: %w", key, err)
	}
	return nil
}
