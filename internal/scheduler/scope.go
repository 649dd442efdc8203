package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/booking-core/internal/calendar"
)

// Scope is the breadth of a series edit or delete.
type Scope int

const (
	// ScopeSingle affects only the anchor occurrence.
	ScopeSingle Scope = iota
	// ScopeFuture affects the anchor and every later occurrence of its series.
	ScopeFuture
	// ScopeAll affects every occurrence of the series.
	ScopeAll
)

// ErrInvalidScope indicates an unknown scope value.
var ErrInvalidScope = errors.New("scheduler: invalid scope")

var scopeKeys = map[string]Scope{
	"single": ScopeSingle,
	"this":   ScopeSingle,
	"future": ScopeFuture,
	"all":    ScopeAll,
}

// ParseScope maps wire values to a Scope. The empty string selects
// ScopeSingle and the legacy value "this" is accepted as an alias.
func ParseScope(value string) (Scope, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ScopeSingle, nil
	}
	scope, ok := scopeKeys[value]
	if !ok {
		return ScopeSingle, fmt.Errorf("%w: %q", ErrInvalidScope, value)
	}
	return scope, nil
}

func (s Scope) String() string {
	switch s {
	case ScopeFuture:
		return "future"
	case ScopeAll:
		return "all"
	default:
		return "single"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EffectiveScope downgrades any requested scope to ScopeSingle when the
// anchor is not part of a series.
func EffectiveScope(requested Scope, recurring bool) Scope {
	if !recurring {
		return ScopeSingle
	}
	return requested
}

// Dated is implemented by occurrences that can be filtered by scope.
type Dated interface {
	OccurrenceDate() calendar.Date
}

// SelectTargets returns the members of series affected by scope relative to
// anchor. For ScopeSingle the anchor alone is returned. The input order is
// preserved.
func SelectTargets[T Dated](anchor T, series []T, scope Scope) []T {
	switch scope {
	case ScopeAll:
		out := make([]T, len(series))
		copy(out, series)
		return out
	case ScopeFuture:
		from := anchor.OccurrenceDate()
		out := make([]T, 0, len(series))
		for _, item := range series {
			if !item.OccurrenceDate().Before(from) {
				out = append(out, item)
			}
		}
		return out
	default:
		return []T{anchor}
	}
}
