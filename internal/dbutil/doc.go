// Package dbutil provides the shared SQLite plumbing used by the state and
// crypto stores.
//
// Both stores use the same persistence idiom: table-per-entity with an
// explicit composite primary key and a single serialized value column,
// written via INSERT ... ON CONFLICT DO UPDATE upserts. This package owns
// the pieces common to both:
//
//   - Open: opens/creates a database with WAL mode and foreign keys enabled
//   - WithTransaction: runs a function inside a transaction with rollback
//     on error, so multi-row logical units are all-or-nothing
//   - Error kinds: ErrNotFound, ErrUnavailable, ErrConstraint, and
//     SerializationError for stored documents that no longer decode
//
// The stores never retry failed operations; classification exists so the
// caller can decide.
package dbutil
