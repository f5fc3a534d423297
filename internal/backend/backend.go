// Package backend defines the assistant backend contract: one completion
// call per reply attempt, with structured memory updates and a normalized
// error taxonomy. The actual backend implementation is external.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/locum-sh/locum/internal/chat"
)

// Category classifies a backend failure. Errors are normalized at this
// boundary and never propagate as raw errors past the caller.
type Category string

const (
	CategoryQuota     Category = "quota"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryServer    Category = "server"
	CategoryNetwork   Category = "network"
	CategoryModel     Category = "model"
	CategoryUnknown   Category = "unknown"
)

// Fatal returns true for categories that deactivate the session.
func (c Category) Fatal() bool {
	return c == CategoryQuota || c == CategoryAuth
}

// Error is a categorized backend failure.
type Error struct {
	Category Category
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error (%s): %s", e.Category, e.Message)
}

// Categorize extracts the category from a backend error.
// Non-categorized errors map to CategoryUnknown.
func Categorize(err error) Category {
	var be *Error
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryUnknown
}

// Request is the context handed to the backend for one completion call.
type Request struct {
	// SessionID identifies the conversation being replied to.
	SessionID string
	// Recent is the literal window of most recent messages.
	Recent []chat.Message
	// Summary condenses the history older than the literal window.
	Summary string
	// Customization is the session's style directive, if any.
	Customization string
	// Profiles maps participant names to accumulated notes.
	Profiles map[string]string
	// Participants lists the conversation participants.
	Participants []string
	// ImageData optionally carries one image's bytes.
	ImageData []byte
	// ImageMime is the MIME type for ImageData.
	ImageMime string
	// Instruction is an additional one-time instruction (used by the
	// activation flow).
	Instruction string
}

// Result is the outcome of a completion call. Pointer fields distinguish
// "absent" from "explicitly empty": a non-nil empty Customization clears
// the stored directive.
type Result struct {
	// Content is the reply text. Nil means the backend chose not to speak.
	Content *string
	// Summary replaces the stored conversation summary when present.
	Summary *string
	// Customization replaces the stored style directive when present.
	Customization *string
	// Profiles merges into the stored participant notes when present.
	Profiles map[string]string
	// ImageRequest asks the caller to fetch one image by reference and
	// repeat the call with its data included.
	ImageRequest *string
}

// HasContent returns true when the result carries non-empty reply text.
func (r *Result) HasContent() bool {
	return r != nil && r.Content != nil && *r.Content != ""
}

// Backend performs assistant completion calls.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// ActivationFallback is sent when the activation flow cannot obtain a
// proper greeting from the backend.
const ActivationFallback = "Hello! I'm here and happy to help."
