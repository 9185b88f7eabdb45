package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PeerRegistration is one registered peer tooling session.
type PeerRegistration struct {
	SessionID  string
	Directory  string
	ListenPort int
	Rooms      []string
	LastSeen   time.Time
}

// UpsertPeer registers or refreshes a peer session.
func (s *Store) UpsertPeer(ctx context.Context, peer *PeerRegistration) error {
	rooms, err := json.Marshal(peer.Rooms)
	if err != nil {
		return fmt.Errorf("failed to encode peer rooms: %w", err)
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO peer_registrations (session_id, directory, listen_port, rooms, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			directory = excluded.directory,
			listen_port = excluded.listen_port,
			rooms = excluded.rooms,
			last_seen = excluded.last_seen
	`, peer.SessionID, peer.Directory, peer.ListenPort, string(rooms), peer.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert peer registration: %w", err)
	}
	return nil
}

// TouchPeer refreshes last_seen for a session.
func (s *Store) TouchPeer(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE peer_registrations SET last_seen = ? WHERE session_id = ?",
		time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch peer registration: %w", err)
	}
	return requireRow(result, sessionID)
}

// GetPeer retrieves one registration.
func (s *Store) GetPeer(ctx context.Context, sessionID string) (*PeerRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, directory, listen_port, rooms, last_seen
		FROM peer_registrations WHERE session_id = ?
	`, sessionID)
	return scanPeer(row)
}

// ListPeers returns every registration, most recently seen first.
func (s *Store) ListPeers(ctx context.Context) ([]*PeerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, directory, listen_port, rooms, last_seen
		FROM peer_registrations ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peer registrations: %w", err)
	}
	defer rows.Close()

	var peers []*PeerRegistration
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating peer registrations: %w", err)
	}
	return peers, nil
}

// DeletePeer removes a registration, e.g. on explicit unsubscribe.
func (s *Store) DeletePeer(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM peer_registrations WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete peer registration: %w", err)
	}
	return requireRow(result, sessionID)
}

// SweepPeers deletes registrations not seen since the cutoff and returns how
// many were swept.
func (s *Store) SweepPeers(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM peer_registrations WHERE last_seen < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep peer registrations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept peer registrations: %w", err)
	}
	return n, nil
}

func scanPeer(row interface{ Scan(...any) error }) (*PeerRegistration, error) {
	var peer PeerRegistration
	var rooms string
	err := row.Scan(&peer.SessionID, &peer.Directory, &peer.ListenPort, &rooms, &peer.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan peer registration: %w", err)
	}
	if err := json.Unmarshal([]byte(rooms), &peer.Rooms); err != nil {
		return nil, fmt.Errorf("failed to decode peer rooms: %w", err)
	}
	return &peer, nil
}
