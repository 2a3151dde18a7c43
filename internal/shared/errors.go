package shared

import "errors"

var (
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrInvalidIdempotencyKey is returned for keys that are not UUIDs.
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be a UUID")
)
