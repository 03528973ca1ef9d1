// ABOUTME: Room metadata, canonical state events, and stripped pre-join state
// ABOUTME: Owns the irreversible stripped-to-joined transition and batched state replace

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

// SetRoomInfo stores room-level metadata, one row per room.
func (s *Store) SetRoomInfo(ctx context.Context, roomID id.RoomID, info json.RawMessage) error {
	if err := validDocument("room info", info); err != nil {
		return err
	}
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putRoomInfoTx(tx, roomID, info)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("saved room info", "room_id", roomID)
	return nil
}

func putRoomInfoTx(tx *sql.Tx, roomID id.RoomID, info json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_room_info (room_id, info)
		VALUES (?, ?)
		ON CONFLICT (room_id) DO UPDATE SET info = excluded.info
	`, roomID, []byte(info))
	if err != nil {
		return fmt.Errorf("saving room info: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetRoomInfo retrieves room metadata. Returns dbutil.ErrNotFound for rooms
// the store has never seen.
func (s *Store) GetRoomInfo(ctx context.Context, roomID id.RoomID) (json.RawMessage, error) {
	var info []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT info FROM statestore_room_info WHERE room_id = ?`, roomID,
	).Scan(&info)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return info, nil
}

// ListRoomIDs returns the ids of all rooms with stored metadata, in key order.
func (s *Store) ListRoomIDs(ctx context.Context) ([]id.RoomID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM statestore_room_info ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("querying room ids: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var roomIDs []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scanning room id: %w", err)
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}

// ListRoomInfos returns every room's metadata document keyed by room id.
func (s *Store) ListRoomInfos(ctx context.Context) (map[id.RoomID]json.RawMessage, error) {
	return s.queryRoomInfos(ctx,
		`SELECT room_id, info FROM statestore_room_info ORDER BY room_id`)
}

// ListStrippedRoomInfos returns metadata for every invite-stage room.
func (s *Store) ListStrippedRoomInfos(ctx context.Context) (map[id.RoomID]json.RawMessage, error) {
	return s.queryRoomInfos(ctx,
		`SELECT room_id, info FROM statestore_stripped_room_info ORDER BY room_id`)
}

func (s *Store) queryRoomInfos(ctx context.Context, query string) (map[id.RoomID]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying room infos: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	infos := make(map[id.RoomID]json.RawMessage)
	for rows.Next() {
		var roomID id.RoomID
		var info []byte
		if err := rows.Scan(&roomID, &info); err != nil {
			return nil, fmt.Errorf("scanning room info: %w", err)
		}
		infos[roomID] = info
	}
	return infos, rows.Err()
}

// SetStateEvent stores a canonical state event. If the room still has
// stripped rows, they are deleted in the same transaction: receiving real
// state means the room is no longer invite-stage.
func (s *Store) SetStateEvent(ctx context.Context, evt *StateEvent) error {
	if err := validDocument("state event", evt.Event); err != nil {
		return err
	}
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := clearStrippedRoomTx(tx, evt.RoomID); err != nil {
			return err
		}
		return putStateEventTx(tx, evt)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("saved state event",
		"room_id", evt.RoomID, "type", evt.Type.Type, "state_key", evt.StateKey)
	return nil
}

func putStateEventTx(tx *sql.Tx, evt *StateEvent) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_room_state (room_id, event_type, state_key, event_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, event_type, state_key)
			DO UPDATE SET event_data = excluded.event_data
	`, evt.RoomID, evt.Type.Type, evt.StateKey, []byte(evt.Event))
	if err != nil {
		return fmt.Errorf("saving state event: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetStateEvent retrieves one canonical state event.
func (s *Store) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event_data FROM statestore_room_state
		WHERE room_id = ? AND event_type = ? AND state_key = ?
	`, roomID, evtType.Type, stateKey).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}

// GetStateEventsOfType returns all state events of one type in a room,
// ordered by state key.
func (s *Store) GetStateEventsOfType(ctx context.Context, roomID id.RoomID, evtType event.Type) ([]*StateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_key, event_data FROM statestore_room_state
		WHERE room_id = ? AND event_type = ?
		ORDER BY state_key
	`, roomID, evtType.Type)
	if err != nil {
		return nil, fmt.Errorf("querying state events: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var events []*StateEvent
	for rows.Next() {
		evt := &StateEvent{RoomID: roomID, Type: evtType}
		var data []byte
		if err := rows.Scan(&evt.StateKey, &data); err != nil {
			return nil, fmt.Errorf("scanning state event: %w", err)
		}
		evt.Event = data
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetRoomState returns the full canonical state set of a room, ordered by
// (event type, state key).
func (s *Store) GetRoomState(ctx context.Context, roomID id.RoomID) ([]*StateEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, state_key, event_data FROM statestore_room_state
		WHERE room_id = ?
		ORDER BY event_type, state_key
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying room state: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var events []*StateEvent
	for rows.Next() {
		evt := &StateEvent{RoomID: roomID}
		var evtType string
		var data []byte
		if err := rows.Scan(&evtType, &evt.StateKey, &data); err != nil {
			return nil, fmt.Errorf("scanning state event: %w", err)
		}
		evt.Type = event.Type{Type: evtType, Class: event.StateEventType}
		evt.Event = data
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ReplaceRoomState atomically replaces the entire state-event set for a room
// with the given batch: keys absent from the batch are deleted, the rest
// upserted, all in one transaction. Used on full sync. Clears stripped rows
// like any other canonical state write.
func (s *Store) ReplaceRoomState(ctx context.Context, roomID id.RoomID, events []*StateEvent) error {
	for _, evt := range events {
		if err := validDocument("state event", evt.Event); err != nil {
			return err
		}
	}

	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := clearStrippedRoomTx(tx, roomID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM statestore_room_state WHERE room_id = ?`, roomID,
		); err != nil {
			return fmt.Errorf("clearing room state: %w", dbutil.ClassifyExec(err))
		}
		for _, evt := range events {
			if err := putStateEventTx(tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("replaced room state", "room_id", roomID, "events", len(events))
	return nil
}

// SetStrippedRoomInfo stores pre-join room metadata. Only meaningful while
// the room is un-joined.
func (s *Store) SetStrippedRoomInfo(ctx context.Context, roomID id.RoomID, info json.RawMessage) error {
	if err := validDocument("stripped room info", info); err != nil {
		return err
	}
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putStrippedRoomInfoTx(tx, roomID, info)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("saved stripped room info", "room_id", roomID)
	return nil
}

func putStrippedRoomInfoTx(tx *sql.Tx, roomID id.RoomID, info json.RawMessage) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_stripped_room_info (room_id, info)
		VALUES (?, ?)
		ON CONFLICT (room_id) DO UPDATE SET info = excluded.info
	`, roomID, []byte(info))
	if err != nil {
		return fmt.Errorf("saving stripped room info: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetStrippedRoomInfo retrieves pre-join room metadata.
func (s *Store) GetStrippedRoomInfo(ctx context.Context, roomID id.RoomID) (json.RawMessage, error) {
	var info []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT info FROM statestore_stripped_room_info WHERE room_id = ?`, roomID,
	).Scan(&info)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return info, nil
}

// SetStrippedStateEvent stores a pre-join state event.
func (s *Store) SetStrippedStateEvent(ctx context.Context, evt *StrippedStateEvent) error {
	if err := validDocument("stripped state event", evt.Event); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putStrippedStateTx(tx, evt)
	})
}

func putStrippedStateTx(tx *sql.Tx, evt *StrippedStateEvent) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_stripped_room_state (room_id, event_type, state_key, event_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, event_type, state_key)
			DO UPDATE SET event_data = excluded.event_data
	`, evt.RoomID, evt.Type.Type, evt.StateKey, []byte(evt.Event))
	if err != nil {
		return fmt.Errorf("saving stripped state event: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetStrippedStateEvent retrieves one pre-join state event.
func (s *Store) GetStrippedStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event_data FROM statestore_stripped_room_state
		WHERE room_id = ? AND event_type = ? AND state_key = ?
	`, roomID, evtType.Type, stateKey).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}

// HasStrippedRoom reports whether any stripped rows remain for a room.
func (s *Store) HasStrippedRoom(ctx context.Context, roomID id.RoomID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 WHERE EXISTS (SELECT 1 FROM statestore_stripped_room_info WHERE room_id = ?1)
			OR EXISTS (SELECT 1 FROM statestore_stripped_room_state WHERE room_id = ?1)
			OR EXISTS (SELECT 1 FROM statestore_stripped_members WHERE room_id = ?1)
	`, roomID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dbutil.ClassifyQuery(err)
	}
	return true, nil
}

// clearStrippedRoomTx deletes every stripped row for a room. Runs inside the
// same transaction as the canonical write that triggered it, so a room is
// never observably both invited and joined.
func clearStrippedRoomTx(tx *sql.Tx, roomID id.RoomID) error {
	for _, q := range []string{
		`DELETE FROM statestore_stripped_room_info WHERE room_id = ?`,
		`DELETE FROM statestore_stripped_room_state WHERE room_id = ?`,
		`DELETE FROM statestore_stripped_members WHERE room_id = ?`,
	} {
		if _, err := tx.Exec(q, roomID); err != nil {
			return fmt.Errorf("clearing stripped state: %w", dbutil.ClassifyExec(err))
		}
	}
	return nil
}

// RemoveRoom deletes every row the store holds for a room, in one
// transaction: state, stripped state, members, index entries, profiles,
// display names, receipts, room account data, and infos.
func (s *Store) RemoveRoom(ctx context.Context, roomID id.RoomID) error {
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM statestore_room_state WHERE room_id = ?`,
			`DELETE FROM statestore_stripped_room_state WHERE room_id = ?`,
			`DELETE FROM statestore_stripped_room_info WHERE room_id = ?`,
			`DELETE FROM statestore_stripped_members WHERE room_id = ?`,
			`DELETE FROM statestore_members WHERE room_id = ?`,
			`DELETE FROM statestore_member_index WHERE room_id = ?`,
			`DELETE FROM statestore_profiles WHERE room_id = ?`,
			`DELETE FROM statestore_display_names WHERE room_id = ?`,
			`DELETE FROM statestore_receipts WHERE room_id = ?`,
			`DELETE FROM statestore_room_account_data WHERE room_id = ?`,
			`DELETE FROM statestore_room_info WHERE room_id = ?`,
		} {
			if _, err := tx.Exec(q, roomID); err != nil {
				return fmt.Errorf("removing room rows: %w", dbutil.ClassifyExec(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("removed room", "room_id", roomID)
	return nil
}
