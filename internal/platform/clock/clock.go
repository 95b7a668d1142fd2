// Package clock supplies the current time to the inventory core so that
// stock, warning and statistics behaviour is reproducible in tests.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// DateLayout is the calendar date format used for order dates and reports.
const DateLayout = "2006-01-02"

// Clock returns the current instant.
type Clock interface {
	Now() time.Time
}

// System is the wall clock in the process' local time zone.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Manual is a settable clock for tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock frozen at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Date formats t as a calendar date.
func Date(t time.Time) string {
	return t.Format(DateLayout)
}

// RecentDates returns the calendar dates of the last days days counting back
// from now, newest first. days <= 0 yields no dates.
func RecentDates(now time.Time, days int) []string {
	if days <= 0 {
		return nil
	}
	dates := make([]string, 0, days)
	for i := 0; i < days; i++ {
		dates = append(dates, Date(now.AddDate(0, 0, -i)))
	}
	return dates
}

// DaysBetween counts calendar days from one date to another, both in
// DateLayout. It is negative when to precedes from.
func DaysBetween(from, to string) (int, error) {
	f, err := time.Parse(DateLayout, from)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", from, err)
	}
	t, err := time.Parse(DateLayout, to)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", to, err)
	}
	return int(t.Sub(f).Hours() / 24), nil
}
