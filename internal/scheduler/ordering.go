package scheduler

import (
	"sort"
	"time"

	"github.com/example/booking-core/internal/calendar"
)

// OrderKey carries the fields that define listing order.
type OrderKey struct {
	Date      calendar.Date
	Start     calendar.ClockTime
	Active    bool
	UpdatedAt time.Time
	ID        int64
}

// Ordered is implemented by values sortable in listing order.
type Ordered interface {
	OrderKey() OrderKey
}

// Compare orders by date and start ascending, then active rows before
// terminal ones, then most recently updated first, then highest id first.
func Compare(a, b OrderKey) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if a.Start != b.Start {
		if a.Start < b.Start {
			return -1
		}
		return 1
	}
	if a.Active != b.Active {
		if a.Active {
			return -1
		}
		return 1
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		if a.UpdatedAt.After(b.UpdatedAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

// Sort orders items in place using Compare.
func Sort[T Ordered](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return Compare(items[i].OrderKey(), items[j].OrderKey()) < 0
	})
}
