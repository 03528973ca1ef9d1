// ABOUTME: Device identities, tracked users, pending key queries, cross-signing keys
// ABOUTME: Tracked means interested in; pending means interested in and stale

package cryptostore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

// AddTrackedUser marks a user as one whose device list this store watches.
// Idempotent.
func (s *Store) AddTrackedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cryptostore_tracked_users (user_id) VALUES (?)
	`, userID)
	if err != nil {
		return fmt.Errorf("adding tracked user: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// IsUserTracked reports whether a user's device list is watched.
func (s *Store) IsUserTracked(ctx context.Context, userID id.UserID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM cryptostore_tracked_users WHERE user_id = ?`, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, dbutil.ClassifyQuery(err)
	}
	return true, nil
}

// ListTrackedUsers returns all tracked users, ordered by user id.
func (s *Store) ListTrackedUsers(ctx context.Context) ([]id.UserID, error) {
	return s.queryUserIDs(ctx,
		`SELECT user_id FROM cryptostore_tracked_users ORDER BY user_id`)
}

// RemoveTrackedUser stops watching a user's device list. Idempotent.
func (s *Store) RemoveTrackedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cryptostore_tracked_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("removing tracked user: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// MarkUserForKeyQuery flags a user's device list as stale, needing a fresh
// query. Idempotent.
func (s *Store) MarkUserForKeyQuery(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cryptostore_key_queries (user_id) VALUES (?)
	`, userID)
	if err != nil {
		return fmt.Errorf("marking user for key query: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// UsersPendingKeyQuery returns all users whose device lists are stale.
func (s *Store) UsersPendingKeyQuery(ctx context.Context) ([]id.UserID, error) {
	return s.queryUserIDs(ctx,
		`SELECT user_id FROM cryptostore_key_queries ORDER BY user_id`)
}

// ClearUserForKeyQuery removes the stale flag after a successful query.
// Idempotent.
func (s *Store) ClearUserForKeyQuery(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cryptostore_key_queries WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clearing pending key query: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

func (s *Store) queryUserIDs(ctx context.Context, query string, args ...any) ([]id.UserID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying user ids: %w", dbutil.ClassifyQuery(err))
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

// PutDevice stores one device identity, replacing any existing row.
func (s *Store) PutDevice(ctx context.Context, device *Device) error {
	return dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		return putDeviceTx(tx, device)
	})
}

func putDeviceTx(tx *sql.Tx, device *Device) error {
	deleted := 0
	if device.Deleted {
		deleted = 1
	}
	_, err := tx.Exec(`
		INSERT INTO cryptostore_devices
			(user_id, device_id, identity_key, signing_key, trust, deleted, display_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			signing_key  = excluded.signing_key,
			trust        = excluded.trust,
			deleted      = excluded.deleted,
			display_name = excluded.display_name
	`, device.UserID, device.DeviceID, device.IdentityKey, device.SigningKey,
		int(device.Trust), deleted, device.DisplayName)
	if err != nil {
		return fmt.Errorf("saving device: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// PutDevices replaces a user's entire device list with the given set and
// clears their pending key-query flag, all in one transaction: the fresh
// list is exactly what the query returned.
func (s *Store) PutDevices(ctx context.Context, userID id.UserID, devices []*Device) error {
	err := dbutil.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM cryptostore_devices WHERE user_id = ?`, userID,
		); err != nil {
			return fmt.Errorf("clearing device list: %w", dbutil.ClassifyExec(err))
		}
		for _, device := range devices {
			if err := putDeviceTx(tx, device); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(
			`DELETE FROM cryptostore_key_queries WHERE user_id = ?`, userID,
		); err != nil {
			return fmt.Errorf("clearing pending key query: %w", dbutil.ClassifyExec(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("replaced device list", "user_id", userID, "devices", len(devices))
	return nil
}

// GetDevice retrieves one device identity.
func (s *Store) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	device := &Device{UserID: userID, DeviceID: deviceID}
	var trust, deleted int
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_key, signing_key, trust, deleted, display_name
		FROM cryptostore_devices
		WHERE user_id = ? AND device_id = ?
	`, userID, deviceID).Scan(
		&device.IdentityKey, &device.SigningKey, &trust, &deleted, &device.DisplayName)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}
	device.Trust = id.TrustState(trust)
	device.Deleted = deleted != 0
	return device, nil
}

// GetDevices returns all of a user's devices, keyed by device id.
func (s *Store) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, identity_key, signing_key, trust, deleted, display_name
		FROM cryptostore_devices
		WHERE user_id = ?
		ORDER BY device_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", dbutil.ClassifyQuery(err))
	}
	defer rows.Close()

	devices := make(map[id.DeviceID]*Device)
	for rows.Next() {
		device := &Device{UserID: userID}
		var trust, deleted int
		if err := rows.Scan(&device.DeviceID, &device.IdentityKey, &device.SigningKey,
			&trust, &deleted, &device.DisplayName); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		device.Trust = id.TrustState(trust)
		device.Deleted = deleted != 0
		devices[device.DeviceID] = device
	}
	return devices, rows.Err()
}

// PutCrossSigningKeys stores a user's cross-signing identity bundle.
func (s *Store) PutCrossSigningKeys(ctx context.Context, userID id.UserID, keys *CrossSigningKeys) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return dbutil.WrapSerialization("cross-signing keys", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cryptostore_cross_signing (user_id, keys)
		VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET keys = excluded.keys
	`, userID, data)
	if err != nil {
		return fmt.Errorf("saving cross-signing keys: %w", dbutil.ClassifyExec(err))
	}
	return nil
}

// GetCrossSigningKeys retrieves a user's cross-signing identity bundle. A
// stored bundle that no longer decodes surfaces as a SerializationError
// rather than being dropped.
func (s *Store) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*CrossSigningKeys, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT keys FROM cryptostore_cross_signing WHERE user_id = ?`, userID,
	).Scan(&data)
	if err != nil {
		return nil, dbutil.ClassifyQuery(err)
	}

	var keys CrossSigningKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		s.logger.Error("stored cross-signing keys do not decode", "user_id", userID, "error", err)
		return nil, dbutil.WrapSerialization("cross-signing keys", err)
	}
	return &keys, nil
}
