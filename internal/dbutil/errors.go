// ABOUTME: Error kinds shared by the state and crypto stores
// ABOUTME: Classifies driver errors into not-found, constraint, unavailable, serialization

package dbutil

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist. This is an
// expected outcome for most lookups, not a failure.
var ErrNotFound = errors.New("not found")

// ErrConstraint is returned when a write would violate a uniqueness or check
// constraint. Correct callers go through the upsert paths and never see this;
// observing it indicates a caller bug.
var ErrConstraint = errors.New("constraint violation")

// ErrUnavailable is returned when the underlying database cannot be reached
// or refuses the operation at the engine level. Not retried here.
var ErrUnavailable = errors.New("storage unavailable")

// SerializationError reports a stored document that no longer decodes against
// the expected shape. The offending row is left untouched.
type SerializationError struct {
	Entity string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decoding stored %s: %v", e.Entity, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// WrapSerialization builds a SerializationError for the given entity.
func WrapSerialization(entity string, err error) error {
	return &SerializationError{Entity: entity, Err: err}
}

// isConstraintViolation checks if the error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// ClassifyExec maps a driver error from a write into one of the store error
// kinds, keeping the original error in the chain.
func ClassifyExec(err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ClassifyQuery maps a driver error from a read. sql.ErrNoRows becomes
// ErrNotFound; anything else is treated as the engine being unavailable.
func ClassifyQuery(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
