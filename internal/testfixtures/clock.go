package testfixtures

import (
	"sync"
	"time"

	"github.com/example/reservation-engine/internal/application"
)

// Clock is a manually driven time source shared by the services under test.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewClock starts at start, or at ReferenceTime when start is zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// NowFunc returns Now for injection; a nil clock falls back to wall time.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward and returns the new instant.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Before places the clock d ahead of start, e.g. just inside a lead time or
// cancellation window.
func (c *Clock) Before(start time.Time, d time.Duration) time.Time {
	at := start.Add(-d)
	c.Set(at)
	return at
}

// PastGrace places the clock one second after the reservation's end plus
// grace, the first instant the auto-complete sweep picks it up.
func (c *Clock) PastGrace(reservation application.Reservation, grace time.Duration) time.Time {
	at := reservation.EndAt.Add(grace).Add(time.Second)
	c.Set(at)
	return at
}
