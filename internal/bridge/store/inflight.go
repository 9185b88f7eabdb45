package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// In-flight record statuses.
const (
	InFlightPending   = "pending"
	InFlightCommitted = "committed"
	InFlightFailed    = "failed"
)

// InFlightRecord is the audit row for one logical outbound message claimed by
// the delivery arbiter.
type InFlightRecord struct {
	TrackingID       string
	LogicalKey       string
	Source           string
	Status           string
	CommittedEventID string
	FirstSeenAt      time.Time
}

// InsertInFlight records a newly claimed delivery.
func (s *Store) InsertInFlight(ctx context.Context, rec *InFlightRecord) error {
	if rec.Status == "" {
		rec.Status = InFlightPending
	}
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inflight_records (tracking_id, logical_key, source, status, committed_event_id, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TrackingID, rec.LogicalKey, rec.Source, rec.Status, rec.CommittedEventID, rec.FirstSeenAt)
	if err != nil {
		return fmt.Errorf("failed to insert inflight record: %w", err)
	}
	return nil
}

// ClaimInFlight atomically claims a logical key for delivery. The claim
// succeeds when no record exists for the key, the previous attempt failed, or
// the record is older than ttl; a stale or failed row is taken over in place.
// When the key is already held, claimed is false and the holding record is
// returned.
func (s *Store) ClaimInFlight(ctx context.Context, rec *InFlightRecord, ttl time.Duration) (claimed bool, existing *InFlightRecord, err error) {
	if rec.Status == "" {
		rec.Status = InFlightPending
	}
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var prev InFlightRecord
	err = tx.QueryRowContext(ctx, `
		SELECT tracking_id, logical_key, source, status, committed_event_id, first_seen_at
		FROM inflight_records WHERE logical_key = ?
	`, rec.LogicalKey).Scan(&prev.TrackingID, &prev.LogicalKey, &prev.Source, &prev.Status,
		&prev.CommittedEventID, &prev.FirstSeenAt)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inflight_records (tracking_id, logical_key, source, status, committed_event_id, first_seen_at)
			VALUES (?, ?, ?, ?, '', ?)
		`, rec.TrackingID, rec.LogicalKey, rec.Source, rec.Status, rec.FirstSeenAt); err != nil {
			return false, nil, fmt.Errorf("failed to insert inflight record: %w", err)
		}
	case err != nil:
		return false, nil, fmt.Errorf("failed to read inflight record: %w", err)
	case prev.Status == InFlightFailed || time.Since(prev.FirstSeenAt) >= ttl:
		if _, err := tx.ExecContext(ctx, `
			UPDATE inflight_records
			SET tracking_id = ?, source = ?, status = ?, committed_event_id = '', first_seen_at = ?
			WHERE logical_key = ?
		`, rec.TrackingID, rec.Source, rec.Status, rec.FirstSeenAt, rec.LogicalKey); err != nil {
			return false, nil, fmt.Errorf("failed to reclaim inflight record: %w", err)
		}
	default:
		return false, &prev, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, nil, nil
}

// CommitInFlight marks the record committed with the Matrix event that
// materialized it.
func (s *Store) CommitInFlight(ctx context.Context, trackingID, eventID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inflight_records SET status = ?, committed_event_id = ? WHERE tracking_id = ?
	`, InFlightCommitted, eventID, trackingID)
	if err != nil {
		return fmt.Errorf("failed to commit inflight record: %w", err)
	}
	return requireRow(result, trackingID)
}

// FailInFlight marks the record failed so the logical key may be retried.
func (s *Store) FailInFlight(ctx context.Context, trackingID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inflight_records SET status = ? WHERE tracking_id = ?
	`, InFlightFailed, trackingID)
	if err != nil {
		return fmt.Errorf("failed to fail inflight record: %w", err)
	}
	return requireRow(result, trackingID)
}

// GetInFlightByKey retrieves the record for a logical key.
func (s *Store) GetInFlightByKey(ctx context.Context, logicalKey string) (*InFlightRecord, error) {
	var rec InFlightRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT tracking_id, logical_key, source, status, committed_event_id, first_seen_at
		FROM inflight_records WHERE logical_key = ?
	`, logicalKey).Scan(&rec.TrackingID, &rec.LogicalKey, &rec.Source, &rec.Status,
		&rec.CommittedEventID, &rec.FirstSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inflight record: %w", err)
	}
	return &rec, nil
}

// PurgeInFlightBefore deletes audit rows first seen before the cutoff and
// returns how many were removed.
func (s *Store) PurgeInFlightBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM inflight_records WHERE first_seen_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge inflight records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged inflight records: %w", err)
	}
	return n, nil
}
