package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/example/booking-core/internal/calendar"
)

type occurrence struct {
	id   int64
	date calendar.Date
}

func (o occurrence) OccurrenceDate() calendar.Date { return o.date }

func TestParseScope(t *testing.T) {
	cases := map[string]Scope{
		"":       ScopeSingle,
		"single": ScopeSingle,
		"this":   ScopeSingle,
		"future": ScopeFuture,
		"ALL":    ScopeAll,
	}
	for input, want := range cases {
		got, err := ParseScope(input)
		if err != nil {
			t.Fatalf("ParseScope(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseScope(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := ParseScope("series"); !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestSelectTargets(t *testing.T) {
	series := []occurrence{
		{id: 1, date: calendar.MustParseDate("2024-01-01")},
		{id: 2, date: calendar.MustParseDate("2024-01-08")},
		{id: 3, date: calendar.MustParseDate("2024-01-15")},
	}
	anchor := series[1]

	t.Run("future excludes earlier occurrences", func(t *testing.T) {
		got := SelectTargets(anchor, series, ScopeFuture)
		if len(got) != 2 || got[0].id != 2 || got[1].id != 3 {
			t.Fatalf("unexpected targets %+v", got)
		}
	})

	t.Run("all returns the whole series", func(t *testing.T) {
		if got := SelectTargets(anchor, series, ScopeAll); len(got) != 3 {
			t.Fatalf("unexpected targets %+v", got)
		}
	})

	t.Run("single returns the anchor", func(t *testing.T) {
		got := SelectTargets(anchor, series, ScopeSingle)
		if len(got) != 1 || got[0].id != 2 {
			t.Fatalf("unexpected targets %+v", got)
		}
	})

	t.Run("non recurring anchors are downgraded", func(t *testing.T) {
		if EffectiveScope(ScopeAll, false) != ScopeSingle {
			t.Fatalf("expected downgrade to single")
		}
		if EffectiveScope(ScopeFuture, true) != ScopeFuture {
			t.Fatalf("expected future to be kept for series")
		}
	})
}

type keyed OrderKey

func (k keyed) OrderKey() OrderKey { return OrderKey(k) }

func TestSortOrder(t *testing.T) {
	day := calendar.MustParseDate("2024-01-01")
	nine := calendar.MustParseClockTime("09:00")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	items := []keyed{
		{Date: day.AddDays(1), Start: nine, Active: true, ID: 1},
		{Date: day, Start: nine, Active: false, UpdatedAt: base.Add(time.Hour), ID: 2},
		{Date: day, Start: nine, Active: true, UpdatedAt: base, ID: 3},
		{Date: day, Start: nine, Active: true, UpdatedAt: base.Add(time.Minute), ID: 4},
		{Date: day, Start: nine, Active: true, UpdatedAt: base.Add(time.Minute), ID: 5},
		{Date: day, Start: calendar.MustParseClockTime("08:00"), Active: false, ID: 6},
	}
	Sort(items)

	want := []int64{6, 5, 4, 3, 2, 1}
	for i, item := range items {
		if item.ID != want[i] {
			t.Fatalf("position %d: expected id %d, got %d", i, want[i], item.ID)
		}
	}
}
