// ABOUTME: Global and per-room account data plus presence events
// ABOUTME: One row per event type (or user, for presence), last-write-wins

package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// SetAccountData stores a global account data event, one row per event type.
func (s *Store) SetAccountData(ctx context.Context, evtType event.Type, data json.RawMessage) error {
	if err := validDocument("account data event", data); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putAccountDataTx(tx, evtType, data)
	})
}

func putAccountDataTx(tx *sql.Tx, evtType event.Type, data json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_account_data (event_type, event_data)
		VALUES (?, ?)
		ON CONFLICT (event_type) DO UPDATE SET event_data = excluded.event_data
	`, evtType.Type, []byte(data))
	if err != nil {
		return fmt.Errorf("saving account data: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetAccountData retrieves the global account data event of one type.
func (s *Store) GetAccountData(ctx context.Context, evtType event.Type) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT event_data FROM statestore_account_data WHERE event_type = ?`, evtType.Type,
	).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}

// SetRoomAccountData stores a per-room account data event.
func (s *Store) SetRoomAccountData(ctx context.Context, roomID id.RoomID, evtType event.Type, data json.RawMessage) error {
	if err := validDocument("room account data event", data); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putRoomAccountDataTx(tx, roomID, evtType, data)
	})
}

func putRoomAccountDataTx(tx *sql.Tx, roomID id.RoomID, evtType event.Type, data json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_room_account_data (room_id, event_type, event_data)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id, event_type) DO UPDATE SET event_data = excluded.event_data
	`, roomID, evtType.Type, []byte(data))
	if err != nil {
		return fmt.Errorf("saving room account data: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetRoomAccountData retrieves a per-room account data event of one type.
func (s *Store) GetRoomAccountData(ctx context.Context, roomID id.RoomID, evtType event.Type) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event_data FROM statestore_room_account_data
		WHERE room_id = ? AND event_type = ?
	`, roomID, evtType.Type).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}

// SetPresence stores the latest presence event for a user.
func (s *Store) SetPresence(ctx context.Context, userID id.UserID, data json.RawMessage) error {
	if err := validDocument("presence event", data); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putPresenceTx(tx, userID, data)
	})
}

func putPresenceTx(tx *sql.Tx, userID id.UserID, data json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_presence (user_id, event_data)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET event_data = excluded.event_data
	`, userID, []byte(data))
	if err != nil {
		return fmt.Errorf("saving presence: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetPresence retrieves the latest presence event for a user.
func (s *Store) GetPresence(ctx context.Context, userID id.UserID) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT event_data FROM statestore_presence WHERE user_id = ?`, userID,
	).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}
