// ABOUTME: Applies a full sync delta to the state store in one transaction
// ABOUTME: Readers never observe a partially applied StateChanges batch

package statestore

import (
	"context"
	"database/sql"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// ApplyChanges writes one sync delta atomically. Member writes keep the
// member index in lockstep, and every room that receives canonical state or
// membership in the batch has its stripped rows cleared in the same
// transaction.
func (s *Store) ApplyChanges(ctx context.Context, changes *StateChanges) error {
	if err := validateChanges(changes); err != nil {
		return err
	}

	// Rooms leaving the invite stage in this batch.
	joined := make(map[id.RoomID]struct{})
	for _, member := range changes.Members {
		joined[member.RoomID] = struct{}{}
	}
	for _, evt := range changes.State {
		joined[evt.RoomID] = struct{}{}
	}

	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if changes.SyncToken != "" {
			if _, err := tx.Exec(`
				INSERT INTO statestore_misc (misc_key, misc_value)
				VALUES (?, ?)
				ON CONFLICT (misc_key) DO UPDATE SET misc_value = excluded.misc_value
			`, syncTokenKey, changes.SyncToken); err != nil {
				return dbutil.ClassifyExec(err)
			}
		}

		for roomID := range joined {
			if err := clearStrippedRoomTx(tx, roomID); err != nil {
				return err
			}
		}

		for _, member := range changes.Members {
			if err := putMemberTx(tx, member); err != nil {
				return err
			}
		}
		for _, profile := range changes.Profiles {
			if err := putProfileTx(tx, profile); err != nil {
				return err
			}
		}
		for _, dn := range changes.DisplayNames {
			if err := putDisplayNameTx(tx, dn); err != nil {
				return err
			}
		}

		for evtType, data := range changes.AccountData {
			if err := putAccountDataTx(tx, evtType, data); err != nil {
				return err
			}
		}
		for roomID, events := range changes.RoomAccountData {
			for evtType, data := range events {
				if err := putRoomAccountDataTx(tx, roomID, evtType, data); err != nil {
					return err
				}
			}
		}

		for roomID, info := range changes.RoomInfos {
			if err := putRoomInfoTx(tx, roomID, info); err != nil {
				return err
			}
		}
		for userID, data := range changes.Presence {
			if err := putPresenceTx(tx, userID, data); err != nil {
				return err
			}
		}

		for roomID, info := range changes.StrippedRoomInfos {
			if _, stillStripped := joined[roomID]; stillStripped {
				// The same batch carries canonical state for this room; the
				// stripped snapshot is already superseded.
				continue
			}
			if err := putStrippedRoomInfoTx(tx, roomID, info); err != nil {
				return err
			}
		}
		for _, member := range changes.StrippedMembers {
			if _, stillStripped := joined[member.RoomID]; stillStripped {
				continue
			}
			if err := putStrippedMemberTx(tx, member); err != nil {
				return err
			}
		}
		for _, evt := range changes.StrippedState {
			if _, stillStripped := joined[evt.RoomID]; stillStripped {
				continue
			}
			if err := putStrippedStateTx(tx, evt); err != nil {
				return err
			}
		}

		for _, evt := range changes.State {
			if err := putStateEventTx(tx, evt); err != nil {
				return err
			}
		}
		for _, receipt := range changes.Receipts {
			if err := putReceiptTx(tx, receipt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("applied state changes",
		"members", len(changes.Members),
		"state_events", len(changes.State),
		"receipts", len(changes.Receipts),
		"rooms_transitioned", len(joined))
	return nil
}

// validateChanges rejects the batch up front if any document is malformed,
// so the transaction never starts with data that would be a hazard to store.
func validateChanges(changes *StateChanges) error {
	for _, member := range changes.Members {
		if err := validDocument("member event", member.Event); err != nil {
			return err
		}
	}
	for _, profile := range changes.Profiles {
		if err := validDocument("profile", profile.Profile); err != nil {
			return err
		}
	}
	for evtType, data := range changes.AccountData {
		if err := validDocument("account data event "+evtType.Type, data); err != nil {
			return err
		}
	}
	for _, events := range changes.RoomAccountData {
		for evtType, data := range events {
			if err := validDocument("room account data event "+evtType.Type, data); err != nil {
				return err
			}
		}
	}
	for _, info := range changes.RoomInfos {
		if err := validDocument("room info", info); err != nil {
			return err
		}
	}
	for _, data := range changes.Presence {
		if err := validDocument("presence event", data); err != nil {
			return err
		}
	}
	for _, info := range changes.StrippedRoomInfos {
		if err := validDocument("stripped room info", info); err != nil {
			return err
		}
	}
	for _, member := range changes.StrippedMembers {
		if err := validDocument("stripped member event", member.Event); err != nil {
			return err
		}
	}
	for _, evt := range changes.StrippedState {
		if err := validDocument("stripped state event", evt.Event); err != nil {
			return err
		}
	}
	for _, evt := range changes.State {
		if err := validDocument("state event", evt.Event); err != nil {
			return err
		}
	}
	for _, receipt := range changes.Receipts {
		if err := validDocument("receipt", receipt.Receipt); err != nil {
			return err
		}
	}
	return nil
}
