package application

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/scheduler"
)

func TestValidationError(t *testing.T) {
	t.Parallel()

	var nilErr *ValidationError
	if nilErr.Error() != "" || nilErr.HasErrors() {
		t.Fatalf("expected nil validation error to be empty")
	}

	base := &ValidationError{}
	if base.HasErrors() {
		t.Fatalf("expected HasErrors to report false for empty error")
	}
	base.add("start_time", "must be a time of day")
	base.merge(&ValidationError{FieldErrors: map[string]string{"end_time": "must be after start time"}})
	base.merge(nil)
	if len(base.FieldErrors) != 2 || base.Error() != "validation failed" {
		t.Fatalf("unexpected validation error %+v", base.FieldErrors)
	}
}

func TestConflictError(t *testing.T) {
	t.Parallel()

	err := error(&ConflictError{Conflicts: []scheduler.Conflict{{WithID: 7}}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ConflictError to match ErrConflict")
	}
	if !strings.Contains(err.Error(), "1 active appointment") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	skipped := &ConflictError{Skipped: []SkippedDate{
		{Date: calendar.MustParseDate("2024-01-01")},
		{Date: calendar.MustParseDate("2024-01-08")},
	}}
	if !strings.Contains(skipped.Error(), "2024-01-01, 2024-01-08") {
		t.Fatalf("expected skipped dates in message, got %q", skipped.Error())
	}

	wrapped := fmt.Errorf("create: %w", skipped)
	var target *ConflictError
	if !errors.As(wrapped, &target) || len(target.Skipped) != 2 {
		t.Fatalf("expected errors.As to recover the skipped dates")
	}
}

func TestMapStoreError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   error
		want error
	}{
		{fmt.Errorf("get: %w", persistence.ErrNotFound), ErrNotFound},
		{fmt.Errorf("insert: %w", persistence.ErrOverlap), ErrConflict},
		{fmt.Errorf("list: %w", persistence.ErrSchemaMissing), ErrSchemaMissing},
		{fmt.Errorf("begin: %w", persistence.ErrTransient), persistence.ErrTransient},
		{ErrForbidden, ErrForbidden},
	}
	for _, tc := range cases {
		if got := mapStoreError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("mapStoreError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	var vErr *ValidationError
	if !errors.As(mapStoreError(persistence.ErrConstraintViolation), &vErr) {
		t.Fatalf("expected constraint violations to become validation errors")
	}
	if mapStoreError(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}
