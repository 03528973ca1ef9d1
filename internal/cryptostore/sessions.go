// ABOUTME: Olm 1:1 sessions, megolm group sessions, and the replay hash guard
// ABOUTME: Sessions are opaque pickles; the replay check is one atomic statement

package cryptostore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// AddOlmSession stores a new 1:1 session for a sender key. Sessions are
// append-only: earlier sessions for the same sender stay around to decrypt
// backlog. A missing ID gets a generated one; zero timestamps default to now.
func (s *Store) AddOlmSession(ctx context.Context, session *OlmSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastUsed.IsZero() {
		session.LastUsed = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cryptostore_olm_sessions
			(session_row, sender_key, session_id, pickle, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.ID, session.SenderKey, session.SessionID, session.Pickle,
		session.CreatedAt.Format(time.RFC3339Nano),
		session.LastUsed.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting olm session: %w", dbutil.ClassifyExec(err))
	}

	s.logger.Debug("added olm session", "sender_key", session.SenderKey, "session_id", session.SessionID)
	return nil
}

// UpdateOlmSession overwrites a session's pickle after a ratchet step and
// bumps its last-used time.
func (s *Store) UpdateOlmSession(ctx context.Context, session *OlmSession) error {
	session.LastUsed = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE cryptostore_olm_sessions
		SET pickle = ?, last_used = ?
		WHERE session_row = ?
	`, session.Pickle, session.LastUsed.Format(time.RFC3339Nano), session.ID)
	if err != nil {
		return fmt.Errorf("updating olm session: %w", dbutil.ClassifyExec(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return dbutil.ErrNotFound
	}
	return nil
}

// GetOlmSessions returns all sessions for a sender key, most recently used
// first.
func (s *Store) GetOlmSessions(ctx context.Context, senderKey id.SenderKey) ([]*OlmSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_row, session_id, pickle, created_at, last_used
		FROM cryptostore_olm_sessions
		WHERE sender_key = ?
		ORDER BY last_used DESC, created_at DESC
	`, senderKey)
	if err != nil {
		return nil, fmt.Errorf("querying olm sessions: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	var sessions []*OlmSession
	for rows.Next() {
		session := &OlmSession{SenderKey: senderKey}
		var createdAt, lastUsed string
		if err := rows.Scan(&session.ID, &session.SessionID, &session.Pickle, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scanning olm session: %w", err)
		}
		if session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, dbutil.WrapSerialization("olm session created_at", err)
		}
		if session.LastUsed, err = time.Parse(time.RFC3339Nano, lastUsed); err != nil {
			return nil, dbutil.WrapSerialization("olm session last_used", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// GetLatestOlmSession returns the most recently used session for a sender
// key, or dbutil.ErrNotFound if none exists.
func (s *Store) GetLatestOlmSession(ctx context.Context, senderKey id.SenderKey) (*OlmSession, error) {
	session := &OlmSession{SenderKey: senderKey}
	var createdAt, lastUsed string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_row, session_id, pickle, created_at, last_used
		FROM cryptostore_olm_sessions
		WHERE sender_key = ?
		ORDER BY last_used DESC, created_at DESC
		LIMIT 1
	`, senderKey).Scan(&session.ID, &session.SessionID, &session.Pickle, &createdAt, &lastUsed)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	if session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, dbutil.WrapSerialization("olm session created_at", err)
	}
	if session.LastUsed, err = time.Parse(time.RFC3339Nano, lastUsed); err != nil {
		return nil, dbutil.WrapSerialization("olm session last_used", err)
	}
	return session, nil
}

// PutGroupSession stores inbound megolm session material, replacing any
// existing row for the same (room, sender key, session id).
func (s *Store) PutGroupSession(ctx context.Context, session *GroupSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cryptostore_group_sessions (room_id, sender_key, session_id, pickle)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET pickle = excluded.pickle
	`, session.RoomID, session.SenderKey, session.SessionID, session.Pickle)
	if err != nil {
		return fmt.Errorf("saving group session: %w", dbutil.ClassifyExec(err))
	}
	s.logger.Debug("saved group session",
		"room_id", session.RoomID, "session_id", session.SessionID)
	return nil
}

// GetGroupSession retrieves megolm session material.
func (s *Store) GetGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID) (*GroupSession, error) {
	session := &GroupSession{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle FROM cryptostore_group_sessions
		WHERE room_id = ? AND sender_key = ? AND session_id = ?
	`, roomID, senderKey, sessionID).Scan(&session.Pickle)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	return session, nil
}

// CountGroupSessions returns the number of stored group sessions.
func (s *Store) CountGroupSessions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cryptostore_group_sessions`).Scan(&count)
	if err != nil {
		return 0, dbutil.ClassifyQuery(err)
	}
	return count, nil
}

// RecordAndCheckOlmHash records a decrypted message hash for a sender and
// reports whether it was already present. The check and the insert are a
// single statement, so concurrent delivery of duplicate ciphertexts cannot
// both pass the guard.
func (s *Store) RecordAndCheckOlmHash(ctx context.Context, senderKey id.SenderKey, hash []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cryptostore_olm_hashes (sender_key, hash)
		VALUES (?, ?)
	`, senderKey, hash)
	if err != nil {
		return false, fmt.Errorf("recording olm hash: %w", dbutil.ClassifyExec(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	isReplay := affected == 0
	if isReplay {
		s.logger.Warn("rejected replayed olm message", "sender_key", senderKey)
	}
	return isReplay, nil
}
