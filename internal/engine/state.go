package engine

import (
	"strings"

	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/store"
)

// SessionState is the in-memory working set for the current foreground
// session: the rebuilt message catalog, the set of processed message IDs,
// and the participant list. It is owned by the Machine and discarded on
// every foreground swap.
type SessionState struct {
	ID           string
	Participants []string
	Catalog      []chat.Message
	Processed    map[string]struct{}
}

func newSessionState(id string) *SessionState {
	return &SessionState{
		ID:        id,
		Processed: make(map[string]struct{}),
	}
}

// Append adds a message to the catalog, deduplicating by ID.
// Returns false if the message was already present.
func (s *SessionState) Append(m chat.Message) bool {
	if _, seen := s.Processed[m.ID]; seen {
		return false
	}
	s.Processed[m.ID] = struct{}{}
	s.Catalog = append(s.Catalog, m)
	return true
}

// ReplaceCatalog installs a freshly rebuilt catalog and marks every
// message in it as processed.
func (s *SessionState) ReplaceCatalog(t *chat.Transcript) {
	s.Catalog = nil
	s.Processed = make(map[string]struct{})
	if t == nil {
		return
	}
	s.Participants = t.Participants
	for _, m := range t.Messages {
		s.Processed[m.ID] = struct{}{}
		s.Catalog = append(s.Catalog, m)
	}
}

// Recent returns up to n of the newest catalog messages in order.
func (s *SessionState) Recent(n int) []chat.Message {
	if n <= 0 || len(s.Catalog) <= n {
		out := make([]chat.Message, len(s.Catalog))
		copy(out, s.Catalog)
		return out
	}
	out := make([]chat.Message, n)
	copy(out, s.Catalog[len(s.Catalog)-n:])
	return out
}

// LastMessageID returns the newest catalog message ID, or "".
func (s *SessionState) LastMessageID() string {
	if len(s.Catalog) == 0 {
		return ""
	}
	return s.Catalog[len(s.Catalog)-1].ID
}

// matchMarker locates the last-processed marker in a rebuilt catalog.
// Match by ID first; if not found (the host may promote provisional IDs to
// permanent ones while the session is unobserved), fall back to exact
// (content, sender) within a bounded trailing window. Returns the matched
// index, or -1 when the marker cannot be located.
func matchMarker(catalog []chat.Message, marker *store.Marker, window int) int {
	if marker == nil {
		return -1
	}
	for i := len(catalog) - 1; i >= 0; i-- {
		if catalog[i].ID == marker.ID {
			return i
		}
	}
	start := len(catalog) - window
	if start < 0 {
		start = 0
	}
	for i := len(catalog) - 1; i >= start; i-- {
		if catalog[i].Content == marker.Content && catalog[i].Sender == marker.Sender {
			return i
		}
	}
	return -1
}

// mentionsAssistant reports whether the text references the assistant by
// name (case-insensitive).
func mentionsAssistant(text, name string) bool {
	if name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(name))
}

// selectTrigger picks the reply trigger among the candidate messages that
// followed the resume point, honoring the session mode: Active replies to
// the latest non-self candidate, Available to the latest candidate that
// references the assistant by name. A candidate already followed by a
// self-authored reply in the same batch never triggers (the reply went out
// before the session was swapped away).
func selectTrigger(candidates []chat.Message, mode store.Mode, assistantName string) *chat.Message {
	eligible := func(m chat.Message) bool {
		if m.OwnOriginated() {
			return false
		}
		if mode == store.ModeAvailable {
			return mentionsAssistant(m.Content, assistantName)
		}
		return mode == store.ModeActive
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		m := candidates[i]
		if !eligible(m) {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].AssistantOriginated {
				return nil
			}
		}
		return &m
	}
	return nil
}
