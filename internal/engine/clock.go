// Package engine implements locum's response-scheduling and multi-session
// orchestration core: the debounced reply scheduler, the request-versioning
// controller around the assistant backend call, the per-session state
// machine, and the background-queue orchestrator that time-shares the single
// host viewport.
package engine

import (
	"sync"
	"time"
)

// ActivityClock tracks the single shared "last meaningful activity"
// timestamp. It is updated by message arrival, local user input, and
// assistant-call activity, and is monotonically non-decreasing.
type ActivityClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewActivityClock creates a clock initialized to now.
func NewActivityClock() *ActivityClock {
	return &ActivityClock{last: time.Now()}
}

// Touch records activity at the current time.
func (c *ActivityClock) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now := time.Now(); now.After(c.last) {
		c.last = now
	}
}

// Last returns the most recent activity timestamp.
func (c *ActivityClock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// IdleFor reports whether at least d has elapsed since the last activity.
func (c *ActivityClock) IdleFor(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.last) >= d
}
