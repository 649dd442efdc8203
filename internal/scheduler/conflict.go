package scheduler

import (
	"github.com/example/booking-core/internal/calendar"
)

// Slot is the part of a booking the overlap rule looks at.
type Slot struct {
	ID             int64
	OrganizationID int64
	SpecialistID   int64
	Date           calendar.Date
	Start          calendar.ClockTime
	End            calendar.ClockTime
	Active         bool
}

// Overlaps reports whether the half-open intervals [a.Start, a.End) and
// [b.Start, b.End) intersect on the same specialist and date. Touching
// intervals do not overlap.
func Overlaps(a, b Slot) bool {
	if a.OrganizationID != b.OrganizationID || a.SpecialistID != b.SpecialistID {
		return false
	}
	if a.Date != b.Date {
		return false
	}
	return a.Start < b.End && b.Start < a.End
}

// Conflict details an existing booking that blocks a candidate slot.
type Conflict struct {
	WithID int64
	Date   calendar.Date
	Start  calendar.ClockTime
	End    calendar.ClockTime
}

// DetectConflicts returns every active existing slot that overlaps the
// candidate. Slots whose id is listed in exclude are ignored, as is the
// candidate itself when it carries a non-zero id. An inactive candidate
// never conflicts.
func DetectConflicts(existing []Slot, candidate Slot, exclude ...int64) []Conflict {
	if !candidate.Active {
		return nil
	}
	skip := make(map[int64]struct{}, len(exclude)+1)
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	if candidate.ID != 0 {
		skip[candidate.ID] = struct{}{}
	}

	var conflicts []Conflict
	for _, slot := range existing {
		if !slot.Active {
			continue
		}
		if _, ok := skip[slot.ID]; ok && slot.ID != 0 {
			continue
		}
		if !Overlaps(slot, candidate) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			WithID: slot.ID,
			Date:   slot.Date,
			Start:  slot.Start,
			End:    slot.End,
		})
	}
	return conflicts
}

// PairwiseConflicts checks a batch of candidate slots against each other and
// returns the ids of the first overlapping pair found, or ok=false.
func PairwiseConflicts(slots []Slot) (first, second int64, ok bool) {
	for i := 0; i < len(slots); i++ {
		if !slots[i].Active {
			continue
		}
		for j := i + 1; j < len(slots); j++ {
			if !slots[j].Active {
				continue
			}
			if Overlaps(slots[i], slots[j]) {
				return slots[i].ID, slots[j].ID, true
			}
		}
	}
	return 0, 0, false
}
