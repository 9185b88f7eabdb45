package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kmoroz/tsunagi/common/crypto"
)

// Identity is the Matrix materialization of one agent. AccessToken and
// PasswordSeed are plaintext in memory and sealed at rest when the store has
// a master key.
type Identity struct {
	AgentID      string
	AgentName    string
	Localpart    string
	MXID         string
	AccessToken  string
	PasswordSeed string
	RoomID       string
	State        string
	RemovedAt    sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Removed reports whether the identity has been soft-deleted.
func (i *Identity) Removed() bool { return i.RemovedAt.Valid }

// RoomBinding binds a room to its single owning agent.
type RoomBinding struct {
	RoomID        string
	AgentID       string
	CanonicalName string
	SpaceParentID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const identityColumns = `agent_id, agent_name, localpart, mxid, access_token,
	password_seed, room_id, state, removed_at, created_at, updated_at`

func (s *Store) scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var ident Identity
	var roomID sql.NullString
	var token, seed string
	err := row.Scan(
		&ident.AgentID, &ident.AgentName, &ident.Localpart, &ident.MXID,
		&token, &seed, &roomID, &ident.State,
		&ident.RemovedAt, &ident.CreatedAt, &ident.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	ident.RoomID = roomID.String

	if ident.AccessToken, err = crypto.OpenString(s.sealKey, token); err != nil {
		return nil, fmt.Errorf("failed to unseal access token for %s: %w", ident.AgentID, err)
	}
	if ident.PasswordSeed, err = crypto.OpenString(s.sealKey, seed); err != nil {
		return nil, fmt.Errorf("failed to unseal password seed for %s: %w", ident.AgentID, err)
	}
	return &ident, nil
}

// CreateIdentity inserts a new identity. Returns ErrIdentityConflict when the
// mxid is already claimed by a different agent.
func (s *Store) CreateIdentity(ctx context.Context, ident *Identity) error {
	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT agent_id FROM identities WHERE mxid = ?", ident.MXID,
	).Scan(&existing)
	if err == nil && existing != ident.AgentID {
		return fmt.Errorf("mxid %s already bound to agent %s: %w", ident.MXID, existing, ErrIdentityConflict)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check mxid uniqueness: %w", err)
	}

	token, err := crypto.SealString(s.sealKey, ident.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	seed, err := crypto.SealString(s.sealKey, ident.PasswordSeed)
	if err != nil {
		return fmt.Errorf("failed to seal password seed: %w", err)
	}

	now := time.Now()
	ident.CreatedAt = now
	ident.UpdatedAt = now
	if ident.State == "" {
		ident.State = "provisioning"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (agent_id, agent_name, localpart, mxid, access_token,
			password_seed, room_id, state, removed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, ident.AgentID, ident.AgentName, ident.Localpart, ident.MXID, token, seed,
		nullIfEmpty(ident.RoomID), ident.State, ident.CreatedAt, ident.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// UpsertIdentity creates the identity when absent, otherwise updates only the
// agent name. localpart, mxid, and password_seed are preserved across
// renames. A second upsert with identical values touches nothing but
// updated_at.
func (s *Store) UpsertIdentity(ctx context.Context, ident *Identity) error {
	existing, err := s.GetIdentity(ctx, ident.AgentID)
	if err == ErrNotFound {
		return s.CreateIdentity(ctx, ident)
	}
	if err != nil {
		return err
	}

	if existing.AgentName == ident.AgentName && !existing.Removed() {
		return nil
	}

	// Renames and re-activations keep the derived fields frozen.
	_, err = s.db.ExecContext(ctx, `
		UPDATE identities
		SET agent_name = ?, removed_at = NULL, updated_at = ?
		WHERE agent_id = ?
	`, ident.AgentName, time.Now(), ident.AgentID)
	if err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by agent ID.
func (s *Store) GetIdentity(ctx context.Context, agentID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE agent_id = ?", agentID)
	return s.scanIdentity(row)
}

// GetIdentityByMXID retrieves an identity by Matrix user ID.
func (s *Store) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE mxid = ?", mxid)
	return s.scanIdentity(row)
}

// GetIdentityByRoomID retrieves the identity owning the given room.
func (s *Store) GetIdentityByRoomID(ctx context.Context, roomID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE room_id = ?", roomID)
	return s.scanIdentity(row)
}

// ListIdentities returns identities ordered by creation time. Soft-removed
// identities are included only when includeRemoved is true.
func (s *Store) ListIdentities(ctx context.Context, includeRemoved bool) ([]*Identity, error) {
	query := "SELECT " + identityColumns + " FROM identities"
	if !includeRemoved {
		query += " WHERE removed_at IS NULL"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var idents []*Identity
	for rows.Next() {
		ident, err := s.scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}
	return idents, nil
}

// MarkIdentityRemoved soft-deletes an identity. The row (and its room) are
// retained for audit; routing treats it as gone.
func (s *Store) MarkIdentityRemoved(ctx context.Context, agentID string) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE identities
		SET removed_at = ?, state = 'inactive', updated_at = ?
		WHERE agent_id = ? AND removed_at IS NULL
	`, now, now, agentID)
	if err != nil {
		return fmt.Errorf("failed to mark identity removed: %w", err)
	}
	return requireRow(result, agentID)
}

// UpdateIdentityToken replaces the stored access credential.
func (s *Store) UpdateIdentityToken(ctx context.Context, agentID, token string) error {
	sealed, err := crypto.SealString(s.sealKey, token)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE identities SET access_token = ?, updated_at = ? WHERE agent_id = ?
	`, sealed, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	return requireRow(result, agentID)
}

// SetIdentityState records a lifecycle transition. Setting the current state
// again is a no-op, keeping transitions idempotent.
func (s *Store) SetIdentityState(ctx context.Context, agentID, state string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE identities SET state = ?, updated_at = ?
		WHERE agent_id = ? AND state != ?
	`, state, time.Now(), agentID, state)
	if err != nil {
		return fmt.Errorf("failed to set identity state: %w", err)
	}
	// Zero rows means either no such agent or an idempotent repeat; both are
	// fine for state transitions, so no requireRow here.
	_ = result
	return nil
}

// BindRoom binds roomID to the agent as its canonical room, committing the
// identity side and the room-binding side in one transaction. Any previous
// binding for the agent is replaced. Returns ErrIdentityConflict when the
// room is already bound to a different agent.
func (s *Store) BindRoom(ctx context.Context, agentID, roomID, canonicalName, spaceParentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bind transaction: %w", err)
	}
	defer tx.Rollback()

	var boundAgent string
	err = tx.QueryRowContext(ctx,
		"SELECT agent_id FROM room_bindings WHERE room_id = ?", roomID,
	).Scan(&boundAgent)
	if err == nil && boundAgent != agentID {
		return fmt.Errorf("room %s already bound to agent %s: %w", roomID, boundAgent, ErrIdentityConflict)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check room binding: %w", err)
	}

	now := time.Now()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM room_bindings WHERE agent_id = ? AND room_id != ?", agentID, roomID,
	); err != nil {
		return fmt.Errorf("failed to drop stale binding: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE identities SET room_id = ?, updated_at = ? WHERE agent_id = ?
	`, roomID, now, agentID)
	if err != nil {
		return fmt.Errorf("failed to set identity room: %w", err)
	}
	if err := requireRow(result, agentID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_bindings (room_id, agent_id, canonical_name, space_parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			space_parent_id = excluded.space_parent_id,
			updated_at = excluded.updated_at
	`, roomID, agentID, canonicalName, spaceParentID, now, now); err != nil {
		return fmt.Errorf("failed to write room binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bind transaction: %w", err)
	}
	return nil
}

// GetRoomBinding retrieves the binding for a room.
func (s *Store) GetRoomBinding(ctx context.Context, roomID string) (*RoomBinding, error) {
	var b RoomBinding
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, agent_id, canonical_name, space_parent_id, created_at, updated_at
		FROM room_bindings WHERE room_id = ?
	`, roomID).Scan(&b.RoomID, &b.AgentID, &b.CanonicalName, &b.SpaceParentID, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room binding: %w", err)
	}
	return &b, nil
}

// UpdateRoomCanonicalName records the repaired room name after a rename.
func (s *Store) UpdateRoomCanonicalName(ctx context.Context, roomID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE room_bindings SET canonical_name = ?, updated_at = ? WHERE room_id = ?
	`, name, time.Now(), roomID)
	if err != nil {
		return fmt.Errorf("failed to update canonical name: %w", err)
	}
	return requireRow(result, roomID)
}

// UpdateRoomSpaceParent points a binding at a (new) Agents Space.
func (s *Store) UpdateRoomSpaceParent(ctx context.Context, roomID, spaceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE room_bindings SET space_parent_id = ?, updated_at = ? WHERE room_id = ?
	`, spaceID, time.Now(), roomID)
	if err != nil {
		return fmt.Errorf("failed to update space parent: %w", err)
	}
	return requireRow(result, roomID)
}

// SetInvitation records the invite state of mxid for a room.
func (s *Store) SetInvitation(ctx context.Context, roomID, mxid, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_invitations (room_id, mxid, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, mxid) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, roomID, mxid, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set invitation: %w", err)
	}
	return nil
}

// ExportIdentities returns every identity (including removed ones) as plain
// dictionaries for audit and migration tooling. Credentials are omitted.
func (s *Store) ExportIdentities(ctx context.Context) ([]map[string]any, error) {
	idents, err := s.ListIdentities(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(idents))
	for _, ident := range idents {
		entry := map[string]any{
			"agent_id":   ident.AgentID,
			"agent_name": ident.AgentName,
			"localpart":  ident.Localpart,
			"mxid":       ident.MXID,
			"room_id":    ident.RoomID,
			"state":      ident.State,
			"created_at": ident.CreatedAt,
			"updated_at": ident.UpdatedAt,
		}
		if ident.Removed() {
			entry["removed_at"] = ident.RemovedAt.Time
		}
		out = append(out, entry)
	}
	return out, nil
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(result sql.Result, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
