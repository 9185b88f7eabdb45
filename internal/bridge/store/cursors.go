package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncCursor is an opaque resume token for one sync scope plus the watermark
// below which timeline events are considered history.
type SyncCursor struct {
	Scope       string
	Cursor      string
	WatermarkMS int64
	UpdatedAt   time.Time
}

// GetCursor loads the cursor for a scope.
func (s *Store) GetCursor(ctx context.Context, scope string) (*SyncCursor, error) {
	var c SyncCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, cursor, watermark_ms, updated_at FROM sync_cursors WHERE scope = ?
	`, scope).Scan(&c.Scope, &c.Cursor, &c.WatermarkMS, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &c, nil
}

// SaveCursor persists the cursor for a scope. The watermark is write-once: a
// zero watermark on an update preserves the stored one, so the history
// boundary set on cold start survives every later save.
func (s *Store) SaveCursor(ctx context.Context, scope, cursor string, watermarkMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (scope, cursor, watermark_ms, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			cursor = excluded.cursor,
			watermark_ms = CASE WHEN excluded.watermark_ms > 0 THEN excluded.watermark_ms ELSE sync_cursors.watermark_ms END,
			updated_at = excluded.updated_at
	`, scope, cursor, watermarkMS, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// DeleteCursor drops the cursor for a scope, forcing the next sync to cold
// start.
func (s *Store) DeleteCursor(ctx context.Context, scope string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_cursors WHERE scope = ?", scope)
	if err != nil {
		return fmt.Errorf("failed to delete sync cursor: %w", err)
	}
	return nil
}
