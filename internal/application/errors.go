package application

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/scheduler"
)

var (
	// ErrForbidden is returned when the acting user lacks permission for an operation.
	ErrForbidden = errors.New("application: forbidden")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrConflict is returned when a booking would overlap an active appointment.
	ErrConflict = errors.New("application: conflict")
	// ErrSchemaMissing is returned when the notification tables have not been migrated.
	ErrSchemaMissing = errors.New("application: notification schema missing")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

// SkippedDate is a generated series date that was not booked.
type SkippedDate struct {
	Date      calendar.Date
	Conflicts []scheduler.Conflict
}

// ConflictError reports the bookings that blocked a mutation. It matches
// ErrConflict with errors.Is.
type ConflictError struct {
	Conflicts []scheduler.Conflict
	Skipped   []SkippedDate
}

// Error implements the error interface.
func (c *ConflictError) Error() string {
	if c == nil {
		return ""
	}
	if len(c.Skipped) > 0 {
		dates := make([]string, 0, len(c.Skipped))
		for _, skipped := range c.Skipped {
			dates = append(dates, skipped.Date.String())
		}
		return fmt.Sprintf("%s: every generated date is taken (%s)", ErrConflict, strings.Join(dates, ", "))
	}
	if len(c.Conflicts) == 0 {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s: overlaps %d active appointment(s)", ErrConflict, len(c.Conflicts))
}

// Unwrap exposes ErrConflict.
func (c *ConflictError) Unwrap() error {
	return ErrConflict
}
