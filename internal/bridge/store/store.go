// Package store provides SQLite-backed persistence for the bridge: agent
// identities, room bindings, conversation bindings, sync cursors, in-flight
// delivery records, peer registrations, and the space pointer.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors shared by all table accessors.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIdentityConflict is returned on mxid/room uniqueness violations.
	ErrIdentityConflict = errors.New("identity conflict")
)

// Store wraps the database connection.
type Store struct {
	db *sql.DB
	// sealKey is the optional AES-256 master key sealing credentials at
	// rest. Nil means plaintext storage (dev mode).
	sealKey []byte
}

// New opens (creating if necessary) the database at dbPath and runs pending
// migrations. sealKey may be nil.
func New(dbPath string, sealKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{db: db, sealKey: sealKey}

	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrationFile describes one numbered up-migration.
type migrationFile struct {
	version     int
	description string
	name        string
}

// listMigrations returns the embedded up-migrations sorted by version,
// failing on duplicate version numbers. Rollback files (*.down.sql) are
// excluded; they are looked up by Rollback on demand.
func listMigrations() ([]migrationFile, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string, len(entries))
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}

		if prev, exists := seen[version]; exists {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name

		files = append(files, migrationFile{
			version:     version,
			description: strings.TrimSuffix(parts[1], ".sql"),
			name:        name,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// runMigrations applies all pending migrations, each in its own transaction.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	files, err := listMigrations()
	if err != nil {
		return err
	}

	for _, mf := range files {
		if mf.version <= currentVersion {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", mf.name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", mf.name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", mf.version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", mf.version, err)
		}

		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			mf.version, time.Now(), mf.description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mf.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mf.version, err)
		}

		slog.Info("applied migration", "version", fmt.Sprintf("%04d", mf.version), "description", mf.description)
	}

	return nil
}

// Rollback reverts the single migration at version using its *.down.sql
// counterpart. Only the highest applied version may be rolled back, keeping
// the applied set contiguous.
func (s *Store) Rollback(ctx context.Context, version int) error {
	var maxVersion int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if version != maxVersion {
		return fmt.Errorf("can only roll back the latest migration (%04d), got %04d", maxVersion, version)
	}

	files, err := listMigrations()
	if err != nil {
		return err
	}
	var name string
	for _, mf := range files {
		if mf.version == version {
			name = strings.TrimSuffix(mf.name, ".sql") + ".down.sql"
			break
		}
	}
	if name == "" {
		return fmt.Errorf("no migration with version %04d", version)
	}

	content, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("failed to read rollback %s: %w", name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollback transaction: %w", err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute rollback %d: %w", version, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to unrecord migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback %d: %w", version, err)
	}

	slog.Info("rolled back migration", "version", fmt.Sprintf("%04d", version))
	return nil
}
