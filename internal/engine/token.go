package engine

import "sync"

// RequestToken is the process-wide supersession counter guarding reply
// attempts. A response is delivered only if the token captured at
// schedule-time still equals the counter at delivery-time; any newer
// schedule or cancel bumps the counter and invalidates outstanding work.
//
// The in-flight flag rides along: at most one backend call runs at a time,
// and invalidating a token never cancels the call itself, only the
// delivery of its result.
type RequestToken struct {
	mu       sync.Mutex
	counter  uint64
	inFlight bool
}

// NewRequestToken creates a token counter starting at zero.
func NewRequestToken() *RequestToken {
	return &RequestToken{}
}

// Arm bumps the counter and returns the new value, invalidating any
// previously armed work.
func (t *RequestToken) Arm() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return t.counter
}

// Invalidate bumps the counter without arming new work.
func (t *RequestToken) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
}

// Current reports whether tok is still the most recently armed token.
func (t *RequestToken) Current(tok uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counter == tok
}

// BeginCall marks a backend call as in flight. Returns false if one
// already is.
func (t *RequestToken) BeginCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight {
		return false
	}
	t.inFlight = true
	return true
}

// EndCall clears the in-flight flag.
func (t *RequestToken) EndCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
}

// InFlight reports whether a backend call is currently running.
func (t *RequestToken) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}
