// ABOUTME: Receipt storage with upsert-by-(room, type, user) semantics
// ABOUTME: The event id is informational; many users may acknowledge the same event

package statestore

import (
	"context"
	"database/sql"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// SetReceipt stores a receipt. A later receipt for the same
// (room, type, user) silently supersedes the earlier one; the store never
// holds more than one live receipt per key.
func (s *Store) SetReceipt(ctx context.Context, receipt *Receipt) error {
	if err := validDocument("receipt", receipt.Receipt); err != nil {
		return err
	}
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putReceiptTx(tx, receipt)
	})
}

func putReceiptTx(tx *sql.Tx, receipt *Receipt) error {
	_, err := tx.Exec(`
		INSERT INTO statestore_receipts (room_id, receipt_type, user_id, event_id, receipt_data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, receipt_type, user_id)
			DO UPDATE SET event_id = excluded.event_id, receipt_data = excluded.receipt_data
	`, receipt.RoomID, string(receipt.ReceiptType), receipt.UserID,
		receipt.EventID, []byte(receipt.Receipt))
	if err != nil {
		return fmt.Errorf("saving receipt: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetUserReceipt retrieves a user's live receipt of the given type in a room.
func (s *Store) GetUserReceipt(ctx context.Context, roomID id.RoomID, receiptType event.ReceiptType, userID id.UserID) (*Receipt, error) {
	receipt := &Receipt{RoomID: roomID, ReceiptType: receiptType, UserID: userID}
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, receipt_data FROM statestore_receipts
		WHERE room_id = ? AND receipt_type = ? AND user_id = ?
	`, roomID, string(receiptType), userID).Scan(&receipt.EventID, &data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	receipt.Receipt = data
	return receipt, nil
}

// GetEventReceipts returns all receipts of one type pointing at an event,
// ordered by user id. Served by the secondary (room, type, event) index.
func (s *Store) GetEventReceipts(ctx context.Context, roomID id.RoomID, receiptType event.ReceiptType, eventID id.EventID) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, receipt_data FROM statestore_receipts
		WHERE room_id = ? AND receipt_type = ? AND event_id = ?
		ORDER BY user_id
	`, roomID, string(receiptType), eventID)
	if err != nil {
		return nil, fmt.Errorf("querying event receipts: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var receipts []*Receipt
	for rows.Next() {
		receipt := &Receipt{RoomID: roomID, ReceiptType: receiptType, EventID: eventID}
		var data []byte
		if err := rows.Scan(&receipt.UserID, &data); err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		receipt.Receipt = data
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}
