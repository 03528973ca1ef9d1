// Package statestore persists a bridge account's synchronized view of its
// Matrix rooms: membership, room metadata, state events, receipts, presence,
// account data, and the stripped (pre-join) snapshots that exist while an
// invite is pending.
//
// # Data model
//
// Every entity is a composite-keyed row: the key columns carry the identity
// fields (room, user, event type, state key) and a single BLOB column holds
// the remaining attributes as a serialized JSON document. Protocol payloads
// evolve faster than this store's schema, so only fields needed for identity
// or queries are promoted to typed columns; everything else stays opaque and
// is decoded lazily by the caller.
//
// # Consistency rules
//
//   - A room is either stripped (invited, not yet joined) or joined, never
//     both. Writing canonical state for a room deletes its stripped rows in
//     the same transaction; the transition is irreversible.
//   - At most one receipt exists per (room, receipt type, user). A newer
//     receipt replaces the old row; the event id is informational only.
//   - The member index is denormalized from membership rows and maintained
//     in the same transaction as every membership write.
//   - ReplaceRoomState swaps a room's full state set atomically; a concurrent
//     reader never observes a partial replacement.
//
// All cross-table invariants hold only because the writes run inside a single
// transaction via dbutil.WithTransaction. The store performs no retries and
// never silently repairs inconsistency.
//
// # Errors
//
// Lookups return dbutil.ErrNotFound for absent rows. Invalid incoming or
// stored documents surface as dbutil.SerializationError. Engine failures map
// to dbutil.ErrUnavailable.
package statestore
