// ABOUTME: Data types for the state store
// ABOUTME: Defines member, state event, receipt rows and the StateChanges batch

package statestore

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Member is the current membership record for a user in a room.
type Member struct {
	RoomID     id.RoomID
	UserID     id.UserID
	Membership event.Membership
	Event      json.RawMessage
}

// StrippedMember is a pre-join membership record. It is keyed by the member
// event's state key, which is usually but not necessarily a user id, so the
// key stays a plain string.
type StrippedMember struct {
	RoomID     id.RoomID
	StateKey   string
	Membership event.Membership
	Event      json.RawMessage
}

// Profile is a user's per-room display profile override.
type Profile struct {
	RoomID  id.RoomID
	UserID  id.UserID
	Profile json.RawMessage
}

// DisplayName maps a user to their resolved display name in a room,
// denormalized for fast name and ambiguity lookups.
type DisplayName struct {
	RoomID      id.RoomID
	UserID      id.UserID
	DisplayName string
}

// StateEvent is a canonical room state event.
type StateEvent struct {
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Event    json.RawMessage
}

// StrippedStateEvent is a pre-join state event, superseded and deleted once
// canonical state for the room arrives.
type StrippedStateEvent struct {
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
	Event    json.RawMessage
}

// Receipt is a user's acknowledgement of an event, scoped by receipt type.
// Only one receipt per (room, type, user) is ever live.
type Receipt struct {
	RoomID      id.RoomID
	ReceiptType event.ReceiptType
	UserID      id.UserID
	EventID     id.EventID
	Receipt     json.RawMessage
}

// StateChanges is one sync delta applied to the store as a single
// transaction. Nil/empty fields are skipped.
type StateChanges struct {
	SyncToken string

	Members      []*Member
	Profiles     []*Profile
	DisplayNames []*DisplayName

	AccountData     map[event.Type]json.RawMessage
	RoomAccountData map[id.RoomID]map[event.Type]json.RawMessage

	RoomInfos map[id.RoomID]json.RawMessage
	Presence  map[id.UserID]json.RawMessage

	StrippedRoomInfos map[id.RoomID]json.RawMessage
	StrippedMembers   []*StrippedMember
	StrippedState     []*StrippedStateEvent

	State    []*StateEvent
	Receipts []*Receipt
}
