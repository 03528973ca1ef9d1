// ABOUTME: Outgoing key-share request table plus its dedup reverse index
// ABOUTME: Primary and index rows change together, always in one transaction

package cryptostore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// CreateKeyRequest records an in-flight key-share request. The primary row
// and the dedup index row are written in one transaction. A second request
// for the same info fails with dbutil.ErrConstraint; callers should look it
// up with FindRequestByInfo first.
func (s *Store) CreateKeyRequest(ctx context.Context, request *KeyRequest) error {
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}

	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO cryptostore_key_requests
				(request_id, room_id, sender_key, session_id, algorithm, gossip, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, request.RequestID, request.Info.RoomID, request.Info.SenderKey,
			request.Info.SessionID, request.Info.Algorithm, []byte(request.Gossip),
			request.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting key request: %w", dbutil.ClassifyExec(err))
		}
		if _, err := tx.Exec(`
			INSERT INTO cryptostore_key_requests_by_info
				(room_id, sender_key, session_id, request_id)
			VALUES (?, ?, ?, ?)
		`, request.Info.RoomID, request.Info.SenderKey, request.Info.SessionID,
			request.RequestID); err != nil {
			return fmt.Errorf("indexing key request: %w", dbutil.ClassifyExec(err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created key request",
		"request_id", request.RequestID,
		"room_id", request.Info.RoomID,
		"session_id", request.Info.SessionID)
	return nil
}

// FindRequestByInfo returns the id of the outstanding request for the given
// logical description, or dbutil.ErrNotFound if none is in flight.
func (s *Store) FindRequestByInfo(ctx context.Context, info KeyRequestInfo) (string, error) {
	var requestID string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id FROM cryptostore_key_requests_by_info
		WHERE room_id = ? AND sender_key = ? AND session_id = ?
	`, info.RoomID, info.SenderKey, info.SessionID).Scan(&requestID)
	if err != nil {
		return "", dbutil.ClassifyQuery(err)
	}
	return requestID, nil
}

// GetKeyRequest retrieves one key request by its correlation id.
func (s *Store) GetKeyRequest(ctx context.Context, requestID string) (*KeyRequest, error) {
	request := &KeyRequest{RequestID: requestID}
	var gossip []byte
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, sender_key, session_id, algorithm, gossip, created_at
		FROM cryptostore_key_requests
		WHERE request_id = ?
	`, requestID).Scan(&request.Info.RoomID, &request.Info.SenderKey,
		&request.Info.SessionID, &request.Info.Algorithm, &gossip, &createdAt)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	request.Gossip = gossip
	if request.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, dbutil.WrapSerialization("key request created_at", err)
	}
	return request, nil
}

// ListKeyRequests returns all in-flight key requests, oldest first.
func (s *Store) ListKeyRequests(ctx context.Context) ([]*KeyRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, room_id, sender_key, session_id, algorithm, gossip, created_at
		FROM cryptostore_key_requests
		ORDER BY created_at, request_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying key requests: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var requests []*KeyRequest
	for rows.Next() {
		request := &KeyRequest{}
		var gossip []byte
		var createdAt string
		if err := rows.Scan(&request.RequestID, &request.Info.RoomID,
			&request.Info.SenderKey, &request.Info.SessionID,
			&request.Info.Algorithm, &gossip, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning key request: %w", err)
		}
		request.Gossip = gossip
		if request.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, dbutil.WrapSerialization("key request created_at", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// ClearKeyRequest removes a fulfilled or cancelled request and its index row
// in one transaction. Clearing an unknown id is a no-op.
func (s *Store) ClearKeyRequest(ctx context.Context, requestID string) error {
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM cryptostore_key_requests WHERE request_id = ?`, requestID,
		); err != nil {
			return fmt.Errorf("deleting key request: %w", dbutil.ClassifyExec(err))
		}
		if _, err := tx.Exec(
			`DELETE FROM cryptostore_key_requests_by_info WHERE request_id = ?`, requestID,
		); err != nil {
			return fmt.Errorf("deleting key request index: %w", dbutil.ClassifyExec(err))
		}
		return nil
	})
}
