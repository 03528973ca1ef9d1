// ABOUTME: Data types for the crypto store
// ABOUTME: Sessions and key material stay opaque; only identity fields are typed

package cryptostore

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/id"
)

// OlmSession is one 1:1 session with a peer device, identified by a
// generated surrogate id. A sender key may have many historical sessions.
type OlmSession struct {
	ID        string
	SenderKey id.SenderKey
	SessionID id.SessionID
	Pickle    []byte
	CreatedAt time.Time
	LastUsed  time.Time
}

// GroupSession is inbound megolm session material for a room.
type GroupSession struct {
	RoomID    id.RoomID
	SenderKey id.SenderKey
	SessionID id.SessionID
	Pickle    []byte
}

// Device is a peer device's identity keys and metadata.
type Device struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519
	Trust       id.TrustState
	Deleted     bool
	DisplayName string
}

// CrossSigningKeys is a user's cross-signing identity bundle.
type CrossSigningKeys struct {
	Master      id.Ed25519 `json:"master"`
	SelfSigning id.Ed25519 `json:"self_signing"`
	UserSigning id.Ed25519 `json:"user_signing"`
}

// KeyRequestInfo is the logical description of a room key request. It keys
// the deduplication index: at most one outstanding request exists per info.
type KeyRequestInfo struct {
	RoomID    id.RoomID
	SenderKey id.SenderKey
	SessionID id.SessionID
	Algorithm id.Algorithm
}

// KeyRequest is one in-flight outgoing key-share request, keyed by its own
// correlation id.
type KeyRequest struct {
	RequestID string
	Info      KeyRequestInfo
	Gossip    json.RawMessage
	CreatedAt time.Time
}
