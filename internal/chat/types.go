// Package chat defines the domain types and collaborator contracts for the
// single-viewport chat host that locum participates in. The host side is
// instrumented externally; locum only consumes these interfaces.
package chat

import (
	"context"
	"errors"
	"time"
)

// MessageKind describes the content carried by a message.
type MessageKind string

const (
	KindText      MessageKind = "text"
	KindImage     MessageKind = "image"
	KindTextImage MessageKind = "text+image"
)

// Message is a single message extracted from the host conversation view.
type Message struct {
	// ID is the host-assigned message identifier. The host may promote
	// provisional IDs to permanent ones while a session is not visible.
	ID string `json:"id"`
	// Sender is the display name of the message author.
	Sender string `json:"sender"`
	// Content is the plain-text content of the message.
	Content string `json:"content"`
	// Kind indicates whether the message carries text, an image, or both.
	Kind MessageKind `json:"kind"`
	// ImageRef is a host-side reference for the attached image, if any.
	ImageRef string `json:"image_ref,omitempty"`
	// SelfOriginated is true for messages typed by the local user.
	SelfOriginated bool `json:"self_originated"`
	// AssistantOriginated is true for messages sent by locum itself.
	AssistantOriginated bool `json:"assistant_originated"`
	// Timestamp is when the host recorded the message.
	Timestamp time.Time `json:"timestamp"`
}

// HasImage returns true if the message carries an image attachment.
func (m Message) HasImage() bool {
	return m.Kind == KindImage || m.Kind == KindTextImage
}

// OwnOriginated is true for messages authored locally, whether by the
// local user or by locum.
func (m Message) OwnOriginated() bool {
	return m.SelfOriginated || m.AssistantOriginated
}

// Transcript is the parsed content of one session as currently rendered.
type Transcript struct {
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// LastMessageID returns the ID of the newest message, or "" when empty.
func (t *Transcript) LastMessageID() string {
	if t == nil || len(t.Messages) == 0 {
		return ""
	}
	return t.Messages[len(t.Messages)-1].ID
}

// MessageEvent is pushed by the host when a new message appears in the
// foreground session.
type MessageEvent struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// ChangeEvent is pushed by the host when a non-foreground session's
// preview snippet changes.
type ChangeEvent struct {
	SessionID string `json:"session_id"`
	Snippet   string `json:"snippet"`
}

// Scraper extracts structured content from the host application.
type Scraper interface {
	// ParseSession returns the parsed transcript of a session as rendered.
	// Only the foreground session can be parsed in full.
	ParseSession(ctx context.Context, sessionID string) (*Transcript, error)

	// ActiveSessionID returns the session currently visible in the host
	// viewport, or "" when none is open.
	ActiveSessionID(ctx context.Context) (string, error)

	// ListSessions returns the IDs of all sessions in the host session list.
	ListSessions(ctx context.Context) ([]string, error)

	// ComposingInput reports whether the local user is actively typing in
	// the host input control.
	ComposingInput(ctx context.Context) (bool, error)
}

// ErrUserComposing is returned by Sender.Send when delivery was refused
// because the local user is currently composing input.
var ErrUserComposing = errors.New("local user is composing input")

// SendOptions carries optional pacing parameters for outbound delivery.
type SendOptions struct {
	// PerCharDelay spaces out the typed characters to simulate human
	// typing. Zero delivers the message at once.
	PerCharDelay time.Duration
}

// Sender delivers a message into the host's own input control.
// Callers must await a bounded local-input-clear condition before invoking.
type Sender interface {
	Send(ctx context.Context, text string, opts SendOptions) error
}

// Navigator switches the host viewport between sessions.
// SwitchTo is fire-and-forget; callers confirm the switch by observing
// Scraper.ActiveSessionID.
type Navigator interface {
	SwitchTo(ctx context.Context, sessionID string) error
}

// ImageFetcher retrieves image data by host-side reference.
type ImageFetcher interface {
	FetchImage(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

// Notifier surfaces user-visible notices in the host UI.
type Notifier interface {
	// Transient shows a non-blocking, auto-dismissing notice.
	Transient(text string)
	// Persistent shows a notice that stays until the next user action.
	Persistent(text string)
	// Indicator toggles the non-intrusive background-processing indicator.
	Indicator(active bool)
}
