// ABOUTME: Tests for the consistency audit against real store databases
// ABOUTME: Verifies clean stores pass and deliberately broken rows are caught

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"

	"github.com/2389/coven-matrix-store/internal/cryptostore"
	"github.com/2389/coven-matrix-store/internal/statestore"
)

func newTestStores(t *testing.T) (*statestore.Store, *cryptostore.Store) {
	t.Helper()
	dir := t.TempDir()

	state, err := statestore.New(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	crypto, err := cryptostore.New(filepath.Join(dir, "crypto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { crypto.Close() })

	return state, crypto
}

func TestAuditPassesOnConsistentStores(t *testing.T) {
	state, crypto := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, state.SetMember(ctx, &statestore.Member{
		RoomID:     "!room:example.org",
		UserID:     "@alice:example.org",
		Membership: event.MembershipJoin,
		Event:      []byte(`{"membership":"join"}`),
	}))

	require.NoError(t, crypto.AddTrackedUser(ctx, "@alice:example.org"))
	require.NoError(t, crypto.MarkUserForKeyQuery(ctx, "@alice:example.org"))
	require.NoError(t, crypto.CreateKeyRequest(ctx, &cryptostore.KeyRequest{
		RequestID: "req-1",
		Info: cryptostore.KeyRequestInfo{
			RoomID:    "!room:example.org",
			SenderKey: "sender-key",
			SessionID: "session",
			Algorithm: "m.megolm.v1.aes-sha2",
		},
		Gossip: []byte(`{}`),
	}))

	assert.NoError(t, runAudit(ctx, state, crypto))
}

func TestAuditCatchesOrphanedKeyRequestIndex(t *testing.T) {
	state, crypto := newTestStores(t)
	ctx := context.Background()

	// Bypass the store API to plant an index row with no primary row.
	_, err := crypto.DB().Exec(`
		INSERT INTO cryptostore_key_requests_by_info
			(room_id, sender_key, session_id, request_id)
		VALUES ('!room:example.org', 'sender-key', 'session', 'ghost-request')
	`)
	require.NoError(t, err)

	assert.Error(t, runAudit(ctx, state, crypto))
}

func TestAuditCatchesStaleStrippedState(t *testing.T) {
	state, crypto := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, state.SetStateEvent(ctx, &statestore.StateEvent{
		RoomID:   "!room:example.org",
		Type:     event.StateRoomName,
		StateKey: "",
		Event:    []byte(`{"name":"Coven"}`),
	}))

	// Plant a stripped row that the join should have cleared.
	_, err := state.DB().Exec(`
		INSERT INTO statestore_stripped_room_state
			(room_id, event_type, state_key, event_data)
		VALUES ('!room:example.org', 'm.room.name', '', '{"name":"Old"}')
	`)
	require.NoError(t, err)

	assert.Error(t, runAudit(ctx, state, crypto))
}

func TestAuditCatchesMissingMemberIndexRow(t *testing.T) {
	state, crypto := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, state.SetMember(ctx, &statestore.Member{
		RoomID:     "!room:example.org",
		UserID:     "@alice:example.org",
		Membership: event.MembershipJoin,
		Event:      []byte(`{"membership":"join"}`),
	}))

	_, err := state.DB().Exec(`DELETE FROM statestore_member_index`)
	require.NoError(t, err)

	assert.Error(t, runAudit(ctx, state, crypto))
}
