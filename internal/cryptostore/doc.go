// Package cryptostore persists end-to-end-encryption bookkeeping for the
// bridge: device identities, olm 1:1 sessions, megolm group sessions, replay
// protection hashes, and the outgoing key-share request table.
//
// Session and account material is treated as opaque pickled blobs; this
// package implements none of the encryption itself. Rows persist for the
// lifetime of the underlying cryptographic relationship. Olm sessions are
// append-only: a sender key accumulates historical sessions so backlog
// encrypted to an older ratchet state can still be decrypted.
//
// Two operations carry protocol-correctness stakes:
//
//   - RecordAndCheckOlmHash is a single atomic check-and-insert. Check-then-
//     insert split across statements would let concurrent delivery of a
//     duplicate ciphertext slip past the replay guard.
//   - Key requests live in a primary table keyed by request id plus a reverse
//     index keyed by the request's logical description (room, sender key,
//     session). Both are mutated in one transaction, always: an index row
//     pointing at a missing request would falsely suppress legitimate future
//     requests, which is both a protocol bug and a security leak.
//
// Error conventions match the state store: dbutil.ErrNotFound for absent
// rows, dbutil.SerializationError for undecodable documents.
package cryptostore
