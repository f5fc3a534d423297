package engine

import (
	"log/slog"
	"sync"
)

// Status collects the pipeline's overlapping activity conditions behind a
// single value: local user composing, reply timer pending, backend call in
// flight, outbound delivery in progress, foreground swap in progress.
// All mutation goes through methods so illegal combinations (two calls in
// flight, two deliveries) are caught in one place, and the admission-gate
// predicate is a single check.
type Status struct {
	mu        sync.Mutex
	composing bool
	pending   bool
	calling   bool
	sending   bool
	swapping  bool
	logger    *slog.Logger
}

// NewStatus creates an all-clear status.
func NewStatus(logger *slog.Logger) *Status {
	return &Status{logger: logger}
}

// SetComposing records whether the local user is typing.
func (s *Status) SetComposing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composing = v
}

// SetPending records whether a reply timer is armed.
func (s *Status) SetPending(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = v
}

// BeginCall marks a backend call in flight.
func (s *Status) BeginCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calling && s.logger != nil {
		s.logger.Warn("backend call started while another is in flight")
	}
	s.calling = true
}

// EndCall clears the in-flight condition.
func (s *Status) EndCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calling = false
}

// BeginSend marks an outbound delivery in progress.
func (s *Status) BeginSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending && s.logger != nil {
		s.logger.Warn("delivery started while another is in progress")
	}
	s.sending = true
}

// EndSend clears the delivery condition.
func (s *Status) EndSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
}

// BeginSwap marks a foreground swap in progress.
func (s *Status) BeginSwap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapping = true
}

// EndSwap clears the swap condition.
func (s *Status) EndSwap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapping = false
}

// Composing reports whether the local user is typing.
func (s *Status) Composing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composing
}

// Swapping reports whether a foreground swap is in progress.
func (s *Status) Swapping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapping
}

// Pending reports whether a reply timer is armed.
func (s *Status) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// GateOpen is the admission-gate predicate: the foreground is available
// when nothing at all is happening.
func (s *Status) GateOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.composing && !s.pending && !s.calling && !s.sending && !s.swapping
}

// Quiescent reports whether the single-session pipeline has gone quiet:
// no pending timer, no backend call in flight, no delivery underway.
// Unlike GateOpen it ignores user composing and swap state.
func (s *Status) Quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending && !s.calling && !s.sending
}
