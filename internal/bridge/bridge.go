// Package bridge runs the local WebSocket endpoint the host-side
// instrumentation connects to. It exposes the host's capabilities
// (scraping, sending, navigation, images, notices) as Go interfaces and
// fans the host's push events out as channels.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/logging"
)

const (
	rpcTimeout = 15 * time.Second
	feedBuffer = 128
)

// ErrHostDisconnected is returned when no host instrumentation is
// currently connected.
var ErrHostDisconnected = errors.New("host instrumentation not connected")

// Bridge is the WebSocket bridge server. One host connection is active at
// a time; a newer connection replaces the previous one.
type Bridge struct {
	cfg    config.BridgeConfig
	logger *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conn   *hostConn

	pendingMu sync.Mutex
	pending   map[string]chan *frame

	active atomic.Value // string, last pushed active session

	userComposing atomic.Bool

	messages  chan chat.MessageEvent
	changes   chan chat.ChangeEvent
	composing chan bool
}

// New creates a bridge server for the given configuration.
func New(cfg config.BridgeConfig) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		logger: logging.Bridge(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local instrumentation only; no browser origins involved.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending:   make(map[string]chan *frame),
		messages:  make(chan chat.MessageEvent, feedBuffer),
		changes:   make(chan chat.ChangeEvent, feedBuffer),
		composing: make(chan bool, feedBuffer),
	}
	b.active.Store("")
	return b
}

// Addr returns the configured listen address.
func (b *Bridge) Addr() string {
	return net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))
}

// Start begins listening and serving host connections. It returns once the
// listener is bound; serving continues until Shutdown.
func (b *Bridge) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)

	ln, err := net.Listen("tcp", b.Addr())
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", b.Addr(), err)
	}

	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("bridge server stopped", "error", err)
		}
	}()

	b.logger.Info("bridge listening", "addr", b.Addr())
	return nil
}

// Shutdown stops the server and closes the active host connection.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.connMu.Lock()
	if b.conn != nil {
		b.conn.close()
		b.conn = nil
	}
	b.connMu.Unlock()

	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

// Messages returns the foreground message feed.
func (b *Bridge) Messages() <-chan chat.MessageEvent { return b.messages }

// Changes returns the non-foreground change feed.
func (b *Bridge) Changes() <-chan chat.ChangeEvent { return b.changes }

// Composing returns the local-user composing feed.
func (b *Bridge) Composing() <-chan bool { return b.composing }

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hc := newHostConn(conn, b.logger)

	b.connMu.Lock()
	if b.conn != nil {
		b.logger.Info("replacing existing host connection")
		b.conn.close()
	}
	b.conn = hc
	b.connMu.Unlock()

	b.logger.Info("host instrumentation connected", "remote", r.RemoteAddr)

	go hc.writePump()
	b.readLoop(hc)

	b.connMu.Lock()
	if b.conn == hc {
		b.conn = nil
	}
	b.connMu.Unlock()
	hc.close()
	b.failPending()
	b.logger.Info("host instrumentation disconnected")
}

func (b *Bridge) readLoop(hc *hostConn) {
	for {
		f, err := hc.readFrame()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("bridge read ended", "error", err)
			}
			return
		}
		b.dispatch(f)
	}
}

// dispatch routes one incoming frame. Push frames go to their feed
// channels non-blocking; a full feed drops the event with a warning.
func (b *Bridge) dispatch(f *frame) {
	switch f.Type {
	case frameMessage:
		if f.Message == nil {
			return
		}
		ev := chat.MessageEvent{SessionID: f.SessionID, Message: *f.Message}
		select {
		case b.messages <- ev:
		default:
			b.logger.Warn("message feed full, dropping event", "session_id", f.SessionID)
		}
	case frameChange:
		ev := chat.ChangeEvent{SessionID: f.SessionID, Snippet: f.Snippet}
		select {
		case b.changes <- ev:
		default:
			b.logger.Warn("change feed full, dropping event", "session_id", f.SessionID)
		}
	case frameComposing:
		b.userComposing.Store(f.Composing)
		select {
		case b.composing <- f.Composing:
		default:
		}
	case frameActiveSession:
		b.active.Store(f.SessionID)
	case frameResponse:
		b.pendingMu.Lock()
		ch, ok := b.pending[f.ID]
		b.pendingMu.Unlock()
		if !ok {
			b.logger.Debug("response for unknown request", "id", f.ID)
			return
		}
		ch <- f
	default:
		b.logger.Debug("unknown frame type", "type", f.Type)
	}
}

func (b *Bridge) currentConn() (*hostConn, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil, ErrHostDisconnected
	}
	return b.conn, nil
}

// failPending unblocks all outstanding RPCs after a disconnect.
func (b *Bridge) failPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		select {
		case ch <- &frame{Type: frameResponse, ID: id, Error: ErrHostDisconnected.Error()}:
		default:
		}
	}
}

// rpc sends a request frame and waits for its correlated response.
func (b *Bridge) rpc(ctx context.Context, f frame) (json.RawMessage, error) {
	hc, err := b.currentConn()
	if err != nil {
		return nil, err
	}

	f.ID = uuid.NewString()
	ch := make(chan *frame, 1)
	b.pendingMu.Lock()
	b.pending[f.ID] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, f.ID)
		b.pendingMu.Unlock()
	}()

	if err := hc.sendFrame(f); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(rpcTimeout):
		return nil, fmt.Errorf("host did not answer %s within %s", f.Type, rpcTimeout)
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("host %s failed: %s", f.Type, resp.Error)
		}
		return resp.Payload, nil
	}
}

// push sends a fire-and-forget frame.
func (b *Bridge) push(f frame) error {
	hc, err := b.currentConn()
	if err != nil {
		return err
	}
	return hc.sendFrame(f)
}

// ParseSession asks the host to parse a session's rendered transcript.
func (b *Bridge) ParseSession(ctx context.Context, sessionID string) (*chat.Transcript, error) {
	payload, err := b.rpc(ctx, frame{Type: frameParseSession, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var t chat.Transcript
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("malformed transcript: %w", err)
	}
	return &t, nil
}

// ActiveSessionID returns the last active session the host pushed.
func (b *Bridge) ActiveSessionID(ctx context.Context) (string, error) {
	if _, err := b.currentConn(); err != nil {
		return "", err
	}
	return b.active.Load().(string), nil
}

// ListSessions asks the host for all session IDs in its session list.
func (b *Bridge) ListSessions(ctx context.Context) ([]string, error) {
	payload, err := b.rpc(ctx, frame{Type: frameListSessions})
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return nil, fmt.Errorf("malformed session list: %w", err)
	}
	return ids, nil
}

// ComposingInput reports the last composing state the host pushed.
func (b *Bridge) ComposingInput(ctx context.Context) (bool, error) {
	if _, err := b.currentConn(); err != nil {
		return false, err
	}
	return b.userComposing.Load(), nil
}

// FetchImage retrieves one image's bytes by host reference.
func (b *Bridge) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	payload, err := b.rpc(ctx, frame{Type: frameFetchImage, Ref: ref})
	if err != nil {
		return nil, "", err
	}
	var img imagePayload
	if err := json.Unmarshal(payload, &img); err != nil {
		return nil, "", fmt.Errorf("malformed image payload: %w", err)
	}
	return img.Data, img.Mime, nil
}

// SwitchTo asks the host to bring a session into the viewport.
func (b *Bridge) SwitchTo(ctx context.Context, sessionID string) error {
	return b.push(frame{Type: frameSwitchTo, SessionID: sessionID})
}

// Send types text into the host input and submits it. With a per-character
// delay set, the text is streamed in paced chunks so the host renders
// human-plausible typing.
func (b *Bridge) Send(ctx context.Context, text string, opts chat.SendOptions) error {
	if b.userComposing.Load() {
		return chat.ErrUserComposing
	}

	if opts.PerCharDelay <= 0 {
		if err := b.push(frame{Type: frameType, Text: text}); err != nil {
			return err
		}
		return b.push(frame{Type: frameSubmit})
	}

	limiter := rate.NewLimiter(rate.Every(opts.PerCharDelay), 1)
	var sb strings.Builder
	for _, r := range text {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if b.userComposing.Load() {
			// Clear what we already typed and back off.
			if err := b.push(frame{Type: frameType, Text: ""}); err != nil {
				b.logger.Debug("input clear dropped", "error", err)
			}
			return chat.ErrUserComposing
		}
		sb.WriteRune(r)
		if err := b.push(frame{Type: frameType, Text: sb.String()}); err != nil {
			return err
		}
	}
	return b.push(frame{Type: frameSubmit})
}

// Transient shows an auto-dismissing notice in the host UI.
func (b *Bridge) Transient(text string) {
	if err := b.push(frame{Type: frameNotice, Level: noticeTransient, Text: text}); err != nil {
		b.logger.Debug("transient notice dropped", "error", err)
	}
}

// Persistent shows a sticky notice in the host UI.
func (b *Bridge) Persistent(text string) {
	if err := b.push(frame{Type: frameNotice, Level: noticePersistent, Text: text}); err != nil {
		b.logger.Debug("persistent notice dropped", "error", err)
	}
}

// Indicator toggles the background-processing indicator.
func (b *Bridge) Indicator(active bool) {
	if err := b.push(frame{Type: frameIndicator, Active: active}); err != nil {
		b.logger.Debug("indicator toggle dropped", "error", err)
	}
}

var (
	_ chat.Scraper      = (*Bridge)(nil)
	_ chat.Sender       = (*Bridge)(nil)
	_ chat.Navigator    = (*Bridge)(nil)
	_ chat.ImageFetcher = (*Bridge)(nil)
	_ chat.Notifier     = (*Bridge)(nil)
)
