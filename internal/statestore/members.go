// ABOUTME: Membership rows, the denormalized member index, profiles, and display names
// ABOUTME: Keeps the member index in lockstep with membership writes in one transaction

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

// SetMember stores the current membership record for a user in a room. The
// member index row is written (or removed, for left/banned members) in the
// same transaction, and any stripped rows for the room are cleared since a
// canonical membership event means the room is synced.
func (s *Store) SetMember(ctx context.Context, member *Member) error {
	if err := validDocument("member event", member.Event); err != nil {
		return err
	}
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if err := clearStrippedRoomTx(tx, member.RoomID); err != nil {
			return err
		}
		return putMemberTx(tx, member)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("saved member",
		"room_id", member.RoomID, "user_id", member.UserID, "membership", member.Membership)
	return nil
}

func putMemberTx(tx *sql.Tx, member *Member) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_members (room_id, user_id, membership, event_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, user_id)
			DO UPDATE SET membership = excluded.membership, event_data = excluded.event_data
	`, member.RoomID, member.UserID, string(member.Membership), []byte(member.Event))
	if err != nil {
		return fmt.Errorf("saving member: %w", dbutil.ClassifyExec(err))
	}
	return updateMemberIndexTx(tx, member.RoomID, member.UserID, member.Membership)
}

// updateMemberIndexTx keeps the set-query index in lockstep with the
// membership row: join and invite states are indexed, everything else is
// removed from the index.
func updateMemberIndexTx(tx *sql.Tx, roomID id.RoomID, userID id.UserID, membership event.Membership) error {
	switch membership {
	case event.MembershipJoin, event.MembershipInvite:
		_, err := tx.Exec(`
			INSERT INTO statestore_member_index (room_id, user_id, membership)
			VALUES (?, ?, ?)
			ON CONFLICT (room_id, user_id)
				DO UPDATE SET membership = excluded.membership
		`, roomID, userID, string(membership))
		if err != nil {
			return fmt.Errorf("updating member index: %w", dbutil.ClassifyExec(err))
		}
	default:
		_, err := tx.Exec(`
			DELETE FROM statestore_member_index WHERE room_id = ? AND user_id = ?
		`, roomID, userID)
		if err != nil {
			return fmt.Errorf("removing member index entry: %w", dbutil.ClassifyExec(err))
		}
	}
	return nil
}

// GetMember retrieves the membership record for a user in a room.
func (s *Store) GetMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Member, error) {
	member := &Member{RoomID: roomID, UserID: userID}
	var membership string
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT membership, event_data FROM statestore_members
		WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&membership, &data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	member.Membership = event.Membership(membership)
	member.Event = data
	return member, nil
}

// RemoveMember deletes a membership record and its index entry in one
// transaction. Idempotent.
func (s *Store) RemoveMember(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM statestore_members WHERE room_id = ? AND user_id = ?`,
			roomID, userID,
		); err != nil {
			return fmt.Errorf("removing member: %w", dbutil.ClassifyExec(err))
		}
		if _, err := tx.Exec(
			`DELETE FROM statestore_member_index WHERE room_id = ? AND user_id = ?`,
			roomID, userID,
		); err != nil {
			return fmt.Errorf("removing member index entry: %w", dbutil.ClassifyExec(err))
		}
		return nil
	})
}

// GetUserIDs returns all indexed members of a room (joined and invited),
// ordered by user id.
func (s *Store) GetUserIDs(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return s.queryMemberIndex(ctx,
		`SELECT user_id FROM statestore_member_index WHERE room_id = ? ORDER BY user_id`,
		roomID)
}

// GetJoinedUserIDs returns the users currently joined to a room. Answered
// from the index without deserializing membership documents.
func (s *Store) GetJoinedUserIDs(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return s.queryMemberIndex(ctx, `
		SELECT user_id FROM statestore_member_index
		WHERE room_id = ? AND membership = ? ORDER BY user_id
	`, roomID, string(event.MembershipJoin))
}

// GetInvitedUserIDs returns the users currently invited to a room.
func (s *Store) GetInvitedUserIDs(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return s.queryMemberIndex(ctx, `
		SELECT user_id FROM statestore_member_index
		WHERE room_id = ? AND membership = ? ORDER BY user_id
	`, roomID, string(event.MembershipInvite))
}

func (s *Store) queryMemberIndex(ctx context.Context, query string, args ...any) ([]id.UserID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying member index: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var userIDs []id.UserID
	for rows.Next() {
		var userID id.UserID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// SetStrippedMember stores a pre-join membership record, keyed by the member
// event's state key.
func (s *Store) SetStrippedMember(ctx context.Context, member *StrippedMember) error {
	if err := validDocument("stripped member event", member.Event); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putStrippedMemberTx(tx, member)
	})
}

func putStrippedMemberTx(tx *sql.Tx, member *StrippedMember) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_stripped_members (room_id, state_key, membership, event_data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, state_key)
			DO UPDATE SET membership = excluded.membership, event_data = excluded.event_data
	`, member.RoomID, member.StateKey, string(member.Membership), []byte(member.Event))
	if err != nil {
		return fmt.Errorf("saving stripped member: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetStrippedMember retrieves a pre-join membership record by state key.
func (s *Store) GetStrippedMember(ctx context.Context, roomID id.RoomID, stateKey string) (*StrippedMember, error) {
	member := &StrippedMember{RoomID: roomID, StateKey: stateKey}
	var membership string
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT membership, event_data FROM statestore_stripped_members
		WHERE room_id = ? AND state_key = ?
	`, roomID, stateKey).Scan(&membership, &data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	member.Membership = event.Membership(membership)
	member.Event = data
	return member, nil
}

// SetProfile stores a user's per-room profile override.
func (s *Store) SetProfile(ctx context.Context, profile *Profile) error {
	if err := validDocument("profile", profile.Profile); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putProfileTx(tx, profile)
	})
}

func putProfileTx(tx *sql.Tx, profile *Profile) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_profiles (room_id, user_id, profile_data)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET profile_data = excluded.profile_data
	`, profile.RoomID, profile.UserID, []byte(profile.Profile))
	if err != nil {
		return fmt.Errorf("saving profile: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetProfile retrieves a user's per-room profile.
func (s *Store) GetProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (json.RawMessage, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_data FROM statestore_profiles WHERE room_id = ? AND user_id = ?
	`, roomID, userID).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return data, nil
}

// SetDisplayName stores a user's resolved display name in a room.
func (s *Store) SetDisplayName(ctx context.Context, dn *DisplayName) error {
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putDisplayNameTx(tx, dn)
	})
}

func putDisplayNameTx(tx *sql.Tx, dn *DisplayName) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_display_names (room_id, user_id, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET display_name = excluded.display_name
	`, dn.RoomID, dn.UserID, dn.DisplayName)
	if err != nil {
		return fmt.Errorf("saving display name: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetUsersWithDisplayName returns all users sharing a display name in a room.
// Used for disambiguating name collisions.
func (s *Store) GetUsersWithDisplayName(ctx context.Context, roomID id.RoomID, displayName string) ([]id.UserID, error) {
	return s.queryMemberIndex(ctx, `
		SELECT user_id FROM statestore_display_names
		WHERE room_id = ? AND display_name = ? ORDER BY user_id
	`, roomID, displayName)
}
