package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all store and service implementations. Callers
// should test with errors.Is since implementations wrap these with
// operation-specific context.
var (
	// ErrNotFound is returned when a referenced session, app-scope record or
	// user-scope record does not exist where existence was required.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a session whose
	// (app_name, user_id, session_id) triple is already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation is returned for malformed events (missing required
	// fields, grossly out-of-order timestamps) or unrecognized state deltas.
	ErrValidation = errors.New("validation failed")

	// ErrConnection is returned when an external dependency (memory backend,
	// summarizer, embedding provider) cannot be reached. Always recoverable
	// by retry at the caller's discretion.
	ErrConnection = errors.New("connection failed")

	// ErrConcurrencyConflict is returned when an optimistic-concurrency check
	// failed on a shared app/user state update. Callers should retry with a
	// fresh read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// fmtValidation wraps ErrValidation with a human-readable reason.
func fmtValidation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}
