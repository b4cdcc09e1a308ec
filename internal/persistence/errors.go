package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when a record violates a uniqueness rule.
	ErrDuplicate = errors.New("persistence: duplicate record")
	// ErrConstraintViolation is returned when a record fails a schema constraint.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrAlreadyResolved is returned when a change record has already left the queued state.
	ErrAlreadyResolved = errors.New("persistence: change record already resolved")
	// ErrLocked is returned when the database stays busy past the retry budget.
	ErrLocked = errors.New("persistence: database locked")
)
