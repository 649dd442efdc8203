package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrOverlap is returned when the database rejects an overlapping active booking.
	ErrOverlap = errors.New("persistence: overlapping appointment")
	// ErrSchemaMissing is returned when a required table has not been migrated yet.
	ErrSchemaMissing = errors.New("persistence: schema missing")
	// ErrTransient marks connectivity, lock, and serialization failures worth retrying later.
	ErrTransient = errors.New("persistence: transient store error")
	// ErrConstraintViolation is returned for other integrity violations.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
)
