// Package uuidv7 generates time-ordered UUIDs for request IDs.
package uuidv7

import "github.com/google/uuid"

// New returns a fresh UUIDv7. Generation only fails when the system
// entropy source is broken, which is not worth surfacing to callers.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a UUIDv7 in canonical string form.
func NewString() string {
	return New().String()
}
