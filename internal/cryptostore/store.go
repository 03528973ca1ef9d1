// ABOUTME: Crypto store core: schema and the misc key/value table
// ABOUTME: Holds scalar settings like the pickled account and own device keys

package cryptostore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// Store persists E2EE bookkeeping in a SQLite database, separate from the
// state store's database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the crypto store at the given path, creating the schema if
// needed.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "cryptostore")

	db, err := dbutil.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("crypto store initialized", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing crypto store")
	return s.db.Close()
}

// DB exposes the underlying handle for the audit tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cryptostore_misc (
			misc_key   TEXT PRIMARY KEY,
			misc_value BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cryptostore_olm_sessions (
			session_row TEXT PRIMARY KEY,
			sender_key  TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			pickle      BLOB NOT NULL,
			created_at  TEXT NOT NULL,
			last_used   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cryptostore_olm_sessions_sender
			ON cryptostore_olm_sessions(sender_key, last_used DESC);

		CREATE TABLE IF NOT EXISTS cryptostore_group_sessions (
			room_id    TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pickle     BLOB NOT NULL,
			PRIMARY KEY (room_id, sender_key, session_id)
		);

		CREATE TABLE IF NOT EXISTS cryptostore_tracked_users (
			user_id TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS cryptostore_key_queries (
			user_id TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS cryptostore_olm_hashes (
			sender_key TEXT NOT NULL,
			hash       BLOB NOT NULL,
			PRIMARY KEY (sender_key, hash)
		);

		CREATE TABLE IF NOT EXISTS cryptostore_devices (
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			signing_key  TEXT NOT NULL,
			trust        INTEGER NOT NULL DEFAULT 0,
			deleted      INTEGER NOT NULL DEFAULT 0,
			display_name TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS cryptostore_cross_signing (
			user_id TEXT PRIMARY KEY,
			keys    BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cryptostore_key_requests (
			request_id TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			algorithm  TEXT NOT NULL,
			gossip     BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cryptostore_key_requests_by_info (
			room_id    TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			PRIMARY KEY (room_id, sender_key, session_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetMisc stores a scalar setting (own device keys, crypto sync token, the
// pickled account) under the given key.
func (s *Store) SetMisc(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cryptostore_misc (misc_key, misc_value)
		VALUES (?, ?)
		ON CONFLICT (misc_key) DO UPDATE SET misc_value = excluded.misc_value
	`, key, value)
	if err != nil {
		return fmt.Errorf("saving misc value: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetMisc retrieves a scalar setting. Returns dbutil.ErrNotFound if unset.
func (s *Store) GetMisc(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT misc_value FROM cryptostore_misc WHERE misc_key = ?`, key,
	).Scan(&value)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return value, nil
}
