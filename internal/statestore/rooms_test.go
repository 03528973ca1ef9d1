// ABOUTME: Tests for room info, canonical state, batched replace, and the stripped transition
// ABOUTME: Includes the invite-then-join scenario that must leave zero stripped rows

package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

const testRoom = id.RoomID("!r:example.org")

func stateEvent(roomID id.RoomID, evtType event.Type, stateKey, body string) *StateEvent {
	return &StateEvent{
		RoomID:   roomID,
		Type:     evtType,
		StateKey: stateKey,
		Event:    json.RawMessage(body),
	}
}

func TestRoomInfo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRoomInfo(ctx, testRoom); !errors.Is(err, dbutil.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"old"}`)); err != nil {
		t.Fatalf("SetRoomInfo failed: %v", err)
	}
	if err := store.SetRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"new"}`)); err != nil {
		t.Fatalf("SetRoomInfo (overwrite) failed: %v", err)
	}

	info, err := store.GetRoomInfo(ctx, testRoom)
	if err != nil {
		t.Fatalf("GetRoomInfo failed: %v", err)
	}
	if string(info) != `{"name":"new"}` {
		t.Errorf("expected latest info, got %s", info)
	}

	rooms, err := store.ListRoomIDs(ctx)
	if err != nil {
		t.Fatalf("ListRoomIDs failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != testRoom {
		t.Errorf("unexpected room list: %v", rooms)
	}
}

func TestListRoomInfos(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"joined"}`)); err != nil {
		t.Fatalf("SetRoomInfo failed: %v", err)
	}
	if err := store.SetStrippedRoomInfo(ctx, "!invite:example.org", json.RawMessage(`{"name":"invited"}`)); err != nil {
		t.Fatalf("SetStrippedRoomInfo failed: %v", err)
	}

	infos, err := store.ListRoomInfos(ctx)
	if err != nil {
		t.Fatalf("ListRoomInfos failed: %v", err)
	}
	if len(infos) != 1 || string(infos[testRoom]) != `{"name":"joined"}` {
		t.Errorf("unexpected room infos: %v", infos)
	}

	stripped, err := store.ListStrippedRoomInfos(ctx)
	if err != nil {
		t.Fatalf("ListStrippedRoomInfos failed: %v", err)
	}
	if len(stripped) != 1 || string(stripped["!invite:example.org"]) != `{"name":"invited"}` {
		t.Errorf("unexpected stripped room infos: %v", stripped)
	}
}

func TestStateEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	evt := stateEvent(testRoom, event.StateTopic, "", `{"topic":"hello"}`)
	if err := store.SetStateEvent(ctx, evt); err != nil {
		t.Fatalf("SetStateEvent failed: %v", err)
	}

	got, err := store.GetStateEvent(ctx, testRoom, event.StateTopic, "")
	if err != nil {
		t.Fatalf("GetStateEvent failed: %v", err)
	}
	if string(got) != `{"topic":"hello"}` {
		t.Errorf("event mismatch: got %s", got)
	}

	// State key distinguishes sub-instances of the same type.
	if err := store.SetStateEvent(ctx, stateEvent(testRoom, event.StateMember, "@a:x", `{"membership":"join"}`)); err != nil {
		t.Fatalf("SetStateEvent failed: %v", err)
	}
	if err := store.SetStateEvent(ctx, stateEvent(testRoom, event.StateMember, "@b:x", `{"membership":"join"}`)); err != nil {
		t.Fatalf("SetStateEvent failed: %v", err)
	}

	members, err := store.GetStateEventsOfType(ctx, testRoom, event.StateMember)
	if err != nil {
		t.Fatalf("GetStateEventsOfType failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 member state events, got %d", len(members))
	}
	if members[0].StateKey != "@a:x" || members[1].StateKey != "@b:x" {
		t.Errorf("unexpected state key ordering: %q, %q", members[0].StateKey, members[1].StateKey)
	}
}

func TestReplaceRoomState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Existing state set {A, B, C}.
	for _, evt := range []*StateEvent{
		stateEvent(testRoom, event.StateRoomName, "", `{"name":"A"}`),
		stateEvent(testRoom, event.StateTopic, "", `{"topic":"B"}`),
		stateEvent(testRoom, event.StateMember, "@c:x", `{"membership":"join"}`),
	} {
		if err := store.SetStateEvent(ctx, evt); err != nil {
			t.Fatalf("SetStateEvent failed: %v", err)
		}
	}

	// Replacement batch {A', D}.
	replacement := []*StateEvent{
		stateEvent(testRoom, event.StateRoomName, "", `{"name":"A-prime"}`),
		stateEvent(testRoom, event.StateEncryption, "", `{"algorithm":"m.megolm.v1.aes-sha2"}`),
	}
	if err := store.ReplaceRoomState(ctx, testRoom, replacement); err != nil {
		t.Fatalf("ReplaceRoomState failed: %v", err)
	}

	state, err := store.GetRoomState(ctx, testRoom)
	if err != nil {
		t.Fatalf("GetRoomState failed: %v", err)
	}
	if len(state) != 2 {
		t.Fatalf("expected exactly 2 state events after replace, got %d", len(state))
	}

	name, err := store.GetStateEvent(ctx, testRoom, event.StateRoomName, "")
	if err != nil {
		t.Fatalf("GetStateEvent failed: %v", err)
	}
	if string(name) != `{"name":"A-prime"}` {
		t.Errorf("expected overwritten name event, got %s", name)
	}

	if _, err := store.GetStateEvent(ctx, testRoom, event.StateTopic, ""); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected topic event to be removed, got %v", err)
	}
	if _, err := store.GetStateEvent(ctx, testRoom, event.StateMember, "@c:x"); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected member event to be removed, got %v", err)
	}
}

func TestStrippedState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetStrippedRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"invited room"}`)); err != nil {
		t.Fatalf("SetStrippedRoomInfo failed: %v", err)
	}
	if err := store.SetStrippedStateEvent(ctx, &StrippedStateEvent{
		RoomID: testRoom,
		Type:   event.StateRoomName,
		Event:  json.RawMessage(`{"name":"invited room"}`),
	}); err != nil {
		t.Fatalf("SetStrippedStateEvent failed: %v", err)
	}

	info, err := store.GetStrippedRoomInfo(ctx, testRoom)
	if err != nil {
		t.Fatalf("GetStrippedRoomInfo failed: %v", err)
	}
	if string(info) != `{"name":"invited room"}` {
		t.Errorf("info mismatch: got %s", info)
	}

	stripped, err := store.HasStrippedRoom(ctx, testRoom)
	if err != nil {
		t.Fatalf("HasStrippedRoom failed: %v", err)
	}
	if !stripped {
		t.Error("expected room to be stripped")
	}
}

func TestCanonicalStateWriteClearsStrippedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetStrippedRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"invited"}`)); err != nil {
		t.Fatalf("SetStrippedRoomInfo failed: %v", err)
	}
	if err := store.SetStrippedMember(ctx, &StrippedMember{
		RoomID:     testRoom,
		StateKey:   "@me:x",
		Membership: event.MembershipInvite,
		Event:      json.RawMessage(`{"membership":"invite"}`),
	}); err != nil {
		t.Fatalf("SetStrippedMember failed: %v", err)
	}
	if err := store.SetStrippedStateEvent(ctx, &StrippedStateEvent{
		RoomID: testRoom,
		Type:   event.StateRoomName,
		Event:  json.RawMessage(`{"name":"invited"}`),
	}); err != nil {
		t.Fatalf("SetStrippedStateEvent failed: %v", err)
	}

	// Canonical state arrives: the room is joined now.
	if err := store.SetStateEvent(ctx, stateEvent(testRoom, event.StateRoomName, "", `{"name":"joined"}`)); err != nil {
		t.Fatalf("SetStateEvent failed: %v", err)
	}

	stripped, err := store.HasStrippedRoom(ctx, testRoom)
	if err != nil {
		t.Fatalf("HasStrippedRoom failed: %v", err)
	}
	if stripped {
		t.Error("expected all stripped rows to be gone after canonical state write")
	}
	if _, err := store.GetStrippedRoomInfo(ctx, testRoom); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected stripped info to be gone, got %v", err)
	}
	if _, err := store.GetStrippedMember(ctx, testRoom, "@me:x"); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected stripped member to be gone, got %v", err)
	}
}

func TestInviteThenJoinScenario(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	roomID := id.RoomID("!r:x")
	userID := id.UserID("@a:x")

	if err := store.SetMember(ctx, &Member{
		RoomID:     roomID,
		UserID:     userID,
		Membership: event.MembershipInvite,
		Event:      json.RawMessage(`{"membership":"invite"}`),
	}); err != nil {
		t.Fatalf("SetMember (invite) failed: %v", err)
	}

	if err := store.SetStrippedRoomInfo(ctx, roomID, json.RawMessage(`{"name":"pending"}`)); err != nil {
		t.Fatalf("SetStrippedRoomInfo failed: %v", err)
	}
	if err := store.SetStrippedStateEvent(ctx, &StrippedStateEvent{
		RoomID: roomID,
		Type:   event.StateRoomName,
		Event:  json.RawMessage(`{"name":"pending"}`),
	}); err != nil {
		t.Fatalf("SetStrippedStateEvent failed: %v", err)
	}

	// Join arrives with canonical room state.
	if err := store.ApplyChanges(ctx, &StateChanges{
		Members: []*Member{{
			RoomID:     roomID,
			UserID:     userID,
			Membership: event.MembershipJoin,
			Event:      json.RawMessage(`{"membership":"join"}`),
		}},
		State: []*StateEvent{
			stateEvent(roomID, event.StateRoomName, "", `{"name":"joined"}`),
		},
	}); err != nil {
		t.Fatalf("ApplyChanges failed: %v", err)
	}

	stripped, err := store.HasStrippedRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("HasStrippedRoom failed: %v", err)
	}
	if stripped {
		t.Error("expected zero stripped rows after join")
	}

	member, err := store.GetMember(ctx, roomID, userID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if member.Membership != event.MembershipJoin {
		t.Errorf("expected joined membership, got %q", member.Membership)
	}
}

func TestRemoveRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetRoomInfo(ctx, testRoom, json.RawMessage(`{"name":"doomed"}`)); err != nil {
		t.Fatalf("SetRoomInfo failed: %v", err)
	}
	if err := store.SetStateEvent(ctx, stateEvent(testRoom, event.StateRoomName, "", `{"name":"doomed"}`)); err != nil {
		t.Fatalf("SetStateEvent failed: %v", err)
	}
	if err := store.SetMember(ctx, &Member{
		RoomID:     testRoom,
		UserID:     "@a:x",
		Membership: event.MembershipJoin,
		Event:      json.RawMessage(`{"membership":"join"}`),
	}); err != nil {
		t.Fatalf("SetMember failed: %v", err)
	}
	if err := store.SetReceipt(ctx, &Receipt{
		RoomID:      testRoom,
		ReceiptType: event.ReceiptTypeRead,
		UserID:      "@a:x",
		EventID:     "$e1",
		Receipt:     json.RawMessage(`{"ts":1}`),
	}); err != nil {
		t.Fatalf("SetReceipt failed: %v", err)
	}

	if err := store.RemoveRoom(ctx, testRoom); err != nil {
		t.Fatalf("RemoveRoom failed: %v", err)
	}

	if _, err := store.GetRoomInfo(ctx, testRoom); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected room info gone, got %v", err)
	}
	if _, err := store.GetMember(ctx, testRoom, "@a:x"); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected member gone, got %v", err)
	}
	if _, err := store.GetUserReceipt(ctx, testRoom, event.ReceiptTypeRead, "@a:x"); !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected receipt gone, got %v", err)
	}

	joined, err := store.GetJoinedUserIDs(ctx, testRoom)
	if err != nil {
		t.Fatalf("GetJoinedUserIDs failed: %v", err)
	}
	if len(joined) != 0 {
		t.Errorf("expected empty member index, got %v", joined)
	}
}
