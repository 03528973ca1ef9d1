// ABOUTME: State store core: schema, migrations, and scalar key/value entities
// ABOUTME: Covers the misc KV, filter cache, and custom binary KV tables

package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// Store persists the synchronized room view in a SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the state store at the given path, creating the schema and
// running migrations if needed.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "statestore")

	db, err := dbutil.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("state store initialized", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing state store")
	return s.db.Close()
}

// DB exposes the underlying handle for the audit tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS statestore_misc (
			misc_key   TEXT PRIMARY KEY,
			misc_value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_filters (
			filter_name TEXT PRIMARY KEY,
			filter_id   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_account_data (
			event_type TEXT PRIMARY KEY,
			event_data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_members (
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			membership TEXT NOT NULL,
			event_data BLOB NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS statestore_member_index (
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			membership TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_statestore_member_index_membership
			ON statestore_member_index(room_id, membership);

		CREATE TABLE IF NOT EXISTS statestore_profiles (
			room_id      TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			profile_data BLOB NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS statestore_display_names (
			room_id      TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			display_name TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_statestore_display_names_name
			ON statestore_display_names(room_id, display_name);

		CREATE TABLE IF NOT EXISTS statestore_room_info (
			room_id TEXT PRIMARY KEY,
			info    BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_room_state (
			room_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_key  TEXT NOT NULL,
			event_data BLOB NOT NULL,
			PRIMARY KEY (room_id, event_type, state_key)
		);

		CREATE TABLE IF NOT EXISTS statestore_room_account_data (
			room_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data BLOB NOT NULL,
			PRIMARY KEY (room_id, event_type)
		);

		CREATE TABLE IF NOT EXISTS statestore_stripped_room_info (
			room_id TEXT PRIMARY KEY,
			info    BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_stripped_room_state (
			room_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_key  TEXT NOT NULL,
			event_data BLOB NOT NULL,
			PRIMARY KEY (room_id, event_type, state_key)
		);

		CREATE TABLE IF NOT EXISTS statestore_stripped_members (
			room_id    TEXT NOT NULL,
			state_key  TEXT NOT NULL,
			membership TEXT NOT NULL,
			event_data BLOB NOT NULL,
			PRIMARY KEY (room_id, state_key)
		);

		CREATE TABLE IF NOT EXISTS statestore_presence (
			user_id    TEXT PRIMARY KEY,
			event_data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS statestore_receipts (
			room_id      TEXT NOT NULL,
			receipt_type TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			receipt_data BLOB NOT NULL,
			PRIMARY KEY (room_id, receipt_type, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_statestore_receipts_event
			ON statestore_receipts(room_id, receipt_type, event_id);

		CREATE TABLE IF NOT EXISTS statestore_custom (
			custom_key   BLOB PRIMARY KEY,
			custom_value BLOB NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema corrections for databases created by earlier
// revisions. Idempotent, safe to run on every startup.
func (s *Store) runMigrations() error {
	// The stripped member key is the event's state_key, which is not always a
	// literal user id. Early databases named the column user_id.
	hasUserID, err := dbutil.ColumnExists(s.db, "statestore_stripped_members", "user_id")
	if err != nil {
		return err
	}
	if hasUserID {
		if _, err := s.db.Exec(
			`ALTER TABLE statestore_stripped_members RENAME COLUMN user_id TO state_key`,
		); err != nil {
			return fmt.Errorf("renaming stripped member key column: %w", err)
		}
		s.logger.Info("applied migration", "table", "statestore_stripped_members", "column", "state_key")
	}

	// Early databases keyed receipts by (room, type, user, event) and bolted
	// (room, type, user) uniqueness on through this index. The primary key now
	// carries that uniqueness itself, so the index is dropped if present.
	hasLegacy, err := dbutil.IndexExists(s.db, "idx_statestore_receipts_unique_user")
	if err != nil {
		return err
	}
	if hasLegacy {
		if _, err := s.db.Exec(`DROP INDEX idx_statestore_receipts_unique_user`); err != nil {
			return fmt.Errorf("dropping legacy receipt index: %w", err)
		}
		s.logger.Info("applied migration", "index", "idx_statestore_receipts_unique_user", "action", "dropped")
	}

	return nil
}

// validDocument rejects incoming documents that are not well-formed JSON.
// Silently storing a corrupt membership or session document is a correctness
// hazard, so this surfaces before anything touches the database.
func validDocument(entity string, doc json.RawMessage) error {
	if len(doc) == 0 || !json.Valid(doc) {
		return dbutil.WrapSerialization(entity, errors.New("document is not valid JSON"))
	}
	return nil
}

// SetMisc stores a process-wide scalar setting under the given key.
func (s *Store) SetMisc(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statestore_misc (misc_key, misc_value)
		VALUES (?, ?)
		ON CONFLICT (misc_key) DO UPDATE SET misc_value = excluded.misc_value
	`, key, value)
	if err != nil {
		return fmt.Errorf("saving misc value: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetMisc retrieves a scalar setting. Returns dbutil.ErrNotFound if unset.
func (s *Store) GetMisc(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT misc_value FROM statestore_misc WHERE misc_key = ?`, key,
	).Scan(&value)
	if err != nil {
		return "", dbutil.ClassifyQuery(err)
	}
	return value, nil
}

const syncTokenKey = "sync_token"

// SetSyncToken stores the latest sync token.
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	return s.SetMisc(ctx, syncTokenKey, token)
}

// GetSyncToken retrieves the stored sync token.
func (s *Store) GetSyncToken(ctx context.Context) (string, error) {
	return s.GetMisc(ctx, syncTokenKey)
}

// SaveFilter stores a server-assigned filter id under the given name.
func (s *Store) SaveFilter(ctx context.Context, filterName, filterID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statestore_filters (filter_name, filter_id)
		VALUES (?, ?)
		ON CONFLICT (filter_name) DO UPDATE SET filter_id = excluded.filter_id
	`, filterName, filterID)
	if err != nil {
		return fmt.Errorf("saving filter: %w", dbutil.ClassifyExec(err))
	}
	s.logger.Debug("saved filter", "name", filterName)
	return nil
}

// GetFilter retrieves the filter id stored under the given name.
func (s *Store) GetFilter(ctx context.Context, filterName string) (string, error) {
	var filterID string
	err := s.db.QueryRowContext(ctx,
		`SELECT filter_id FROM statestore_filters WHERE filter_name = ?`, filterName,
	).Scan(&filterID)
	if err != nil {
		return "", dbutil.ClassifyQuery(err)
	}
	return filterID, nil
}

// SetCustomValue stores arbitrary data under an opaque binary key.
func (s *Store) SetCustomValue(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statestore_custom (custom_key, custom_value)
		VALUES (?, ?)
		ON CONFLICT (custom_key) DO UPDATE SET custom_value = excluded.custom_value
	`, key, value)
	if err != nil {
		return fmt.Errorf("saving custom value: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetCustomValue retrieves data stored under an opaque binary key.
func (s *Store) GetCustomValue(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT custom_value FROM statestore_custom WHERE custom_key = ?`, key,
	).Scan(&value)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return value, nil
}
