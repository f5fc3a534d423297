package bridge

import (
	"encoding/json"

	"github.com/locum-sh/locum/internal/chat"
)

// Frame types pushed by the host instrumentation.
const (
	frameMessage       = "message"
	frameChange        = "change"
	frameComposing     = "composing"
	frameActiveSession = "active_session"
	frameResponse      = "response"
)

// Frame types sent to the host instrumentation.
const (
	frameParseSession = "parse_session"
	frameListSessions = "list_sessions"
	frameFetchImage   = "fetch_image"
	frameSwitchTo     = "switch_to"
	frameType         = "type"
	frameSubmit       = "submit"
	frameNotice       = "notice"
	frameIndicator    = "indicator"
)

// Notice levels for the "notice" frame.
const (
	noticeTransient  = "transient"
	noticePersistent = "persistent"
)

// frame is the single wire envelope in both directions. ID correlates
// request frames with their "response" frame; push frames carry no ID.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Snippet   string          `json:"snippet,omitempty"`
	Composing bool            `json:"composing,omitempty"`
	Message   *chat.Message   `json:"message,omitempty"`
	Text      string          `json:"text,omitempty"`
	Level     string          `json:"level,omitempty"`
	Active    bool            `json:"active,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// imagePayload is the "fetch_image" response payload.
type imagePayload struct {
	Data []byte `json:"data"`
	Mime string `json:"mime"`
}
