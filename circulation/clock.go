package circulation

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injectable source of "now"
// =============================================================================

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Used by tests and replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// AdvanceDays moves the clock forward by whole calendar days.
func (c *FixedClock) AdvanceDays(n int) {
	c.mu.Lock()
	c.t = c.t.AddDate(0, 0, n)
	c.mu.Unlock()
}

// =============================================================================
// CALENDAR DAYS - All due-date arithmetic is date-only
// =============================================================================

// civilDay returns t's calendar date in loc as UTC midnight, so two values
// can be subtracted without daylight saving drift.
func civilDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from from to to, as seen in loc.
// Negative when to is on an earlier day.
func DaysBetween(from, to time.Time, loc *time.Location) int {
	return int(civilDay(to, loc).Sub(civilDay(from, loc)).Hours() / 24)
}

// addDays moves t by n calendar days in loc, keeping the wall-clock time.
func addDays(t time.Time, n int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).AddDate(0, 0, n).UTC()
}
