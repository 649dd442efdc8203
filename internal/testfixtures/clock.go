package testfixtures

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/booking-core/internal/calendar"
)

// Clock is a settable time source for services and the outbox worker.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock starts at start, or at ReferenceTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc returns c.Now, or time.Now for a nil clock.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}

// SetSlot moves the clock to the given YYYY-MM-DD date and HH:MM time in UTC.
func (c *Clock) SetSlot(date, clock string) time.Time {
	d := calendar.MustParseDate(date)
	t := calendar.MustParseClockTime(clock)
	at := d.Time().Add(time.Duration(t.Minutes()) * time.Minute)
	c.mu.Lock()
	c.current = at
	c.mu.Unlock()
	return at
}

// GroupKeys hands out deterministic repeat group keys "series-1", "series-2", ...
type GroupKeys struct {
	mu   sync.Mutex
	next int
}

// Next returns the next key.
func (g *GroupKeys) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("series-%d", g.next)
}
