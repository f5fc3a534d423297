package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/logging"
)

// wireMessage is one literal-window message on the wire.
type wireMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Self      bool   `json:"self"`
	Assistant bool   `json:"assistant"`
	HasImage  bool   `json:"has_image,omitempty"`
}

type wireRequest struct {
	SessionID     string            `json:"session_id"`
	Model         string            `json:"model,omitempty"`
	Messages      []wireMessage     `json:"messages"`
	Summary       string            `json:"summary,omitempty"`
	Customization string            `json:"customization,omitempty"`
	Profiles      map[string]string `json:"profiles,omitempty"`
	Participants  []string          `json:"participants,omitempty"`
	Instruction   string            `json:"instruction,omitempty"`
	ImageData     []byte            `json:"image_data,omitempty"`
	ImageMime     string            `json:"image_mime,omitempty"`
}

type wireResponse struct {
	Content       *string           `json:"content"`
	Summary       *string           `json:"summary"`
	Customization *string           `json:"customization"`
	Profiles      map[string]string `json:"profiles"`
	ImageRequest  *string           `json:"image_request"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the HTTP assistant backend.
type Client struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

// NewClient creates an HTTP backend client from configuration.
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		http:   &http.Client{Timeout: cfg.Timeout.Std()},
	}
}

// Complete performs one completion call.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	log := logging.Backend()

	body, err := json.Marshal(c.toWire(req))
	if err != nil {
		return nil, &Error{Category: CategoryUnknown, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Category: CategoryUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug("completion request",
		"session_id", req.SessionID, "messages", len(req.Recent),
		"image", len(req.ImageData) > 0)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Category: CategoryNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Category: CategoryNetwork, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, categorizeHTTP(resp.StatusCode, data)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &Error{Category: CategoryModel,
			Message: fmt.Sprintf("malformed response: %v", err)}
	}

	return &Result{
		Content:       wire.Content,
		Summary:       wire.Summary,
		Customization: wire.Customization,
		Profiles:      wire.Profiles,
		ImageRequest:  wire.ImageRequest,
	}, nil
}

func (c *Client) toWire(req Request) wireRequest {
	msgs := make([]wireMessage, 0, len(req.Recent))
	for _, m := range req.Recent {
		msgs = append(msgs, wireMessage{
			Sender:    m.Sender,
			Content:   m.Content,
			Self:      m.SelfOriginated,
			Assistant: m.AssistantOriginated,
			HasImage:  m.HasImage(),
		})
	}
	return wireRequest{
		SessionID:     req.SessionID,
		Model:         c.model,
		Messages:      msgs,
		Summary:       req.Summary,
		Customization: req.Customization,
		Profiles:      req.Profiles,
		Participants:  req.Participants,
		Instruction:   req.Instruction,
		ImageData:     req.ImageData,
		ImageMime:     req.ImageMime,
	}
}

// categorizeHTTP maps an HTTP failure to the error taxonomy. Quota
// exhaustion arrives either as 402 or as a coded 429.
func categorizeHTTP(status int, body []byte) *Error {
	var we wireError
	_ = json.Unmarshal(body, &we)
	msg := we.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case we.Error.Code == "insufficient_quota" || status == http.StatusPaymentRequired:
		return &Error{Category: CategoryQuota, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Category: CategoryAuth, Message: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Category: CategoryRateLimit, Message: msg}
	case status >= 500:
		return &Error{Category: CategoryServer, Message: msg}
	case status >= 400:
		return &Error{Category: CategoryModel, Message: msg}
	}
	return &Error{Category: CategoryUnknown, Message: msg}
}

var _ Backend = (*Client)(nil)
