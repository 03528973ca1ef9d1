// ABOUTME: SQLite open and transaction helpers shared by the state and crypto stores
// ABOUTME: Enables WAL mode, creates parent directories, wraps multi-row writes in transactions

package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) a SQLite database at the given path. Parent
// directories are created if needed. WAL mode is enabled for concurrent
// readers and foreign keys are enforced. The special path ":memory:" opens
// an in-memory database for tests.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

// WithTransaction runs fn inside a transaction. The transaction is rolled
// back if fn returns an error or panics, otherwise committed. Cross-table
// invariants in the stores hold only because their writes go through here:
// a cancelled or failed unit never partially applies.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", ErrUnavailable, err)
	}
	return nil
}

// ColumnExists reports whether a table currently has a column with the given
// name. Used by the stores' idempotent migrations.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	var one int
	err := db.QueryRow(
		`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// IndexExists reports whether an index with the given name exists.
func IndexExists(db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRow(
		`SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = ?`, name,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", name, err)
	}
	return true, nil
}
