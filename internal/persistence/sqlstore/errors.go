package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/booking-core/internal/persistence"
)

// ErrorMapper translates driver errors into persistence sentinels.
type ErrorMapper struct{}

// NewErrorMapper creates a new error mapper.
func NewErrorMapper() *ErrorMapper {
	return &ErrorMapper{}
}

// MapError wraps err with the matching persistence sentinel. Unknown errors
// are returned unchanged.
func (em *ErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23P01":
			return fmt.Errorf("%w: %v", persistence.ErrOverlap, err)
		case pqErr.Code == "42P01":
			return fmt.Errorf("%w: %v", persistence.ErrSchemaMissing, err)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03",
			pqErr.Code == "57P01", pqErr.Code.Class() == "08":
			return fmt.Errorf("%w: %v", persistence.ErrTransient, err)
		case pqErr.Code.Class() == "23":
			return fmt.Errorf("%w: %v", persistence.ErrConstraintViolation, err)
		}
		return err
	}

	message := err.Error()
	switch {
	case containsAny(message, "appointment_overlap"):
		return fmt.Errorf("%w: %v", persistence.ErrOverlap, err)
	case containsAny(message, "no such table"):
		return fmt.Errorf("%w: %v", persistence.ErrSchemaMissing, err)
	case containsAny(message, "database is locked", "database table is locked", "SQLITE_BUSY", "connection refused", "bad connection"):
		return fmt.Errorf("%w: %v", persistence.ErrTransient, err)
	case containsAny(message, "constraint failed"):
		return fmt.Errorf("%w: %v", persistence.ErrConstraintViolation, err)
	}
	return err
}

func containsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
