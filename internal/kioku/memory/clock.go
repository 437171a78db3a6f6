package memory

import (
	"sync"
	"time"
)

// Clock supplies turn timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns strictly increasing UTC timestamps, even when the
// wall clock stalls or steps backwards. Sequential RecordTurn calls in one
// process therefore never share a created_at.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMonotonicClock returns a MonotonicClock over time.Now.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// Now implements Clock.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
