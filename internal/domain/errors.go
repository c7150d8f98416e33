package domain

import "errors"

// Error taxonomy. Retrieval and validation failures are recovered locally
// (fallback response, re-prompt); storage failures propagate to the caller;
// comparison failures are swallowed and logged.
var (
	// ErrRetrieval marks Answer Provider failures (unreachable, timeout).
	ErrRetrieval = errors.New("retrieval failed")

	// ErrValidation marks malformed visitor input during lead capture.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks session/lead persistence failures.
	ErrStorage = errors.New("storage failed")

	// ErrComparison marks shadow-path failures; never surfaced to visitors.
	ErrComparison = errors.New("comparison failed")

	// ErrSessionClosed is returned when a turn tries to write a session the
	// sweeper closed after the turn loaded it.
	ErrSessionClosed = errors.New("session closed")

	// ErrVersionConflict is returned when an optimistic session save loses.
	ErrVersionConflict = errors.New("session version conflict")
)
