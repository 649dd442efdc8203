package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/booking-core/internal/calendar"
)

// RepeatType represents supported recurrence kinds.
type RepeatType int

const (
	// RepeatNone marks a one-off occurrence.
	RepeatNone RepeatType = iota
	// RepeatWeekly generates occurrences on the selected weekdays.
	RepeatWeekly
)

// ParseRepeatType maps the wire values "none" and "weekly" to a RepeatType.
// The empty string is treated as "none".
func ParseRepeatType(value string) (RepeatType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return RepeatNone, nil
	case "weekly":
		return RepeatWeekly, nil
	}
	return RepeatNone, fmt.Errorf("%w: %q", ErrInvalidRepeatType, value)
}

func (t RepeatType) String() string {
	if t == RepeatWeekly {
		return "weekly"
	}
	return "none"
}

// Weekday numbers days Monday=1 through Sunday=7.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// legacyWeekdayKeys maps the short keys used by older clients to weekdays.
var legacyWeekdayKeys = map[string]Weekday{
	"mon": Monday,
	"tue": Tuesday,
	"wed": Wednesday,
	"thu": Thursday,
	"fri": Friday,
	"sat": Saturday,
	"sun": Sunday,
}

// ParseWeekday accepts either a number 1-7 or a legacy three letter key.
func ParseWeekday(value string) (Weekday, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if day, ok := legacyWeekdayKeys[value]; ok {
		return day, nil
	}
	if len(value) > 3 {
		if day, ok := legacyWeekdayKeys[value[:3]]; ok {
			return day, nil
		}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, value)
	}
	day := Weekday(n)
	if !day.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, value)
	}
	return day, nil
}

// WeekdayOf converts a Go weekday to the Monday=1 numbering.
func WeekdayOf(day time.Weekday) Weekday {
	if day == time.Sunday {
		return Sunday
	}
	return Weekday(day)
}

// Valid reports whether d is within 1..7.
func (d Weekday) Valid() bool {
	return d >= Monday && d <= Sunday
}

// Key returns the legacy short key for d.
func (d Weekday) Key() string {
	for key, day := range legacyWeekdayKeys {
		if day == d {
			return key
		}
	}
	return ""
}

// NormalizeDays validates, deduplicates and sorts a weekday set.
func NormalizeDays(days []Weekday) ([]Weekday, error) {
	seen := make(map[Weekday]struct{}, len(days))
	out := make([]Weekday, 0, len(days))
	for _, day := range days {
		if !day.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, int(day))
		}
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Rule describes a weekly recurrence anchored on a date.
type Rule struct {
	Type   RepeatType
	Anchor calendar.Date
	Until  calendar.Date
	Days   []Weekday
}

var (
	// ErrInvalidRepeatType indicates the repeat type is not supported.
	ErrInvalidRepeatType = errors.New("recurrence: invalid repeat type")
	// ErrInvalidWeekday indicates a weekday outside 1..7.
	ErrInvalidWeekday = errors.New("recurrence: invalid weekday")
	// ErrInvalidWindow indicates the generation window is missing or inverted.
	ErrInvalidWindow = errors.New("recurrence: repeat until date must not precede the anchor date")
	// ErrNoWeekdays indicates a weekly rule without selected days.
	ErrNoWeekdays = errors.New("recurrence: weekly rule requires at least one weekday")
	// ErrWindowTooLong indicates a rule spanning more days than the engine allows.
	ErrWindowTooLong = errors.New("recurrence: repeat window is too long")
)

// DefaultMaxSpanDays bounds how far a weekly rule may reach past its anchor.
const DefaultMaxSpanDays = 366

// Engine expands recurrence rules into occurrence dates.
type Engine struct {
	maxSpanDays int
}

// NewEngine constructs an Engine. A non-positive maxSpanDays selects DefaultMaxSpanDays.
func NewEngine(maxSpanDays int) *Engine {
	if maxSpanDays <= 0 {
		maxSpanDays = DefaultMaxSpanDays
	}
	return &Engine{maxSpanDays: maxSpanDays}
}

// Validate checks a rule without expanding it.
func (e *Engine) Validate(rule Rule) error {
	if rule.Type == RepeatNone {
		return nil
	}
	if rule.Type != RepeatWeekly {
		return ErrInvalidRepeatType
	}
	if rule.Anchor.IsZero() || rule.Until.IsZero() || rule.Until.Before(rule.Anchor) {
		return ErrInvalidWindow
	}
	if len(rule.Days) == 0 {
		return ErrNoWeekdays
	}
	if _, err := NormalizeDays(rule.Days); err != nil {
		return err
	}
	span := int(rule.Until.Time().Sub(rule.Anchor.Time()).Hours() / 24)
	if span > e.maxSpan() {
		return ErrWindowTooLong
	}
	return nil
}

// GenerateDates returns every date from Anchor through Until inclusive whose
// weekday is selected, in chronological order. RepeatNone yields the anchor.
func (e *Engine) GenerateDates(rule Rule) ([]calendar.Date, error) {
	if err := e.Validate(rule); err != nil {
		return nil, err
	}
	if rule.Type == RepeatNone {
		if rule.Anchor.IsZero() {
			return nil, ErrInvalidWindow
		}
		return []calendar.Date{rule.Anchor}, nil
	}

	selected := make(map[Weekday]struct{}, len(rule.Days))
	for _, day := range rule.Days {
		selected[day] = struct{}{}
	}

	dates := make([]calendar.Date, 0)
	for current := rule.Anchor; !current.After(rule.Until); current = current.AddDays(1) {
		if _, ok := selected[WeekdayOf(current.Weekday())]; ok {
			dates = append(dates, current)
		}
	}
	return dates, nil
}

func (e *Engine) maxSpan() int {
	if e == nil || e.maxSpanDays <= 0 {
		return DefaultMaxSpanDays
	}
	return e.maxSpanDays
}
