package engine

import (
	"log/slog"
	"sync"
)

// DeferredResult holds a reply computed for a session that was no longer
// foreground by the time the backend call completed. It is consumed the
// next time its origin session regains foreground, and only delivered if
// the session's last message is still the one recorded here.
type DeferredResult struct {
	OriginSessionID     string
	OriginLastMessageID string
	Content             *string
	Summary             *string
	Customization       *string
	Profiles            map[string]string
}

// DeferredCell is the single-slot holding area for a DeferredResult.
// Overwrite policy is last-write-wins: a second deferral before the first
// is consumed replaces it.
type DeferredCell struct {
	mu     sync.Mutex
	val    *DeferredResult
	logger *slog.Logger
}

// NewDeferredCell creates an empty cell.
func NewDeferredCell(logger *slog.Logger) *DeferredCell {
	return &DeferredCell{logger: logger}
}

// Put stores a deferred result, replacing any existing one.
func (c *DeferredCell) Put(d DeferredResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.val != nil && c.logger != nil {
		c.logger.Debug("deferred result overwritten",
			"old_session", c.val.OriginSessionID,
			"new_session", d.OriginSessionID)
	}
	c.val = &d
}

// Take removes and returns the stored result if its origin matches
// sessionID. A result for a different session is left in place.
func (c *DeferredCell) Take(sessionID string) *DeferredResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.val == nil || c.val.OriginSessionID != sessionID {
		return nil
	}
	d := c.val
	c.val = nil
	return d
}

// Empty reports whether the cell holds no result.
func (c *DeferredCell) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val == nil
}
