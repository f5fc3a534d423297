package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/locum-sh/locum/internal/backend"
	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/store"
)

// inputClearPoll is how often the controller re-checks the local input
// while waiting to deliver.
const inputClearPoll = 250 * time.Millisecond

// activationInstruction is the one-time extra instruction for the
// activation flow.
const activationInstruction = "You have just been activated in this conversation. " +
	"Greet the participants briefly, in plain text only."

// errCallInFlight reports a lost race for the single in-flight call slot.
var errCallInFlight = errors.New("another backend call is in flight")

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	Store    *store.Store
	Backend  backend.Backend
	Images   chat.ImageFetcher
	Sender   chat.Sender
	Notifier chat.Notifier
	Token    *RequestToken
	Cell     *DeferredCell
	Status   *Status
	Clock    *ActivityClock
	Logger   *slog.Logger

	RecentWindow      int
	InputClearTimeout time.Duration
	Pacing            config.PacingConfig

	// Foreground returns the current foreground session ID.
	Foreground func() string
	// LastMessageID returns the given session's current last message ID,
	// read fresh from the working catalog.
	LastMessageID func(sessionID string) string
	// Recent returns the newest n catalog messages of the foreground
	// session.
	Recent func(n int) []chat.Message
	// Participants returns the foreground conversation's participants.
	Participants func() []string
	// Composing reports whether the local user is typing.
	Composing func() bool
	// MarkProcessed records the last-processed marker after a completed
	// attempt.
	MarkProcessed func(sessionID string, m chat.Message)
	// OnFatalError forces the session to Deactivated after a quota/auth
	// failure. The caller surfaces the single persistent notice.
	OnFatalError func(sessionID string)
}

// Controller wraps each assistant-backend call with the request token, the
// in-flight flag, and the single-slot deferred-result mechanism for
// cross-session delivery.
type Controller struct {
	store    *store.Store
	backend  backend.Backend
	images   chat.ImageFetcher
	sender   chat.Sender
	notifier chat.Notifier
	token    *RequestToken
	cell     *DeferredCell
	status   *Status
	clock    *ActivityClock
	logger   *slog.Logger

	recentWindow      int
	inputClearTimeout time.Duration

	mu     sync.Mutex
	pacing config.PacingConfig
	streak int // consecutive server/network errors

	sending atomic.Bool

	foreground    func() string
	lastMessageID func(sessionID string) string
	recent        func(n int) []chat.Message
	participants  func() []string
	composing     func() bool
	markProcessed func(sessionID string, m chat.Message)
	onFatalError  func(sessionID string)
}

// NewController creates a controller.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		store:             cfg.Store,
		backend:           cfg.Backend,
		images:            cfg.Images,
		sender:            cfg.Sender,
		notifier:          cfg.Notifier,
		token:             cfg.Token,
		cell:              cfg.Cell,
		status:            cfg.Status,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		recentWindow:      cfg.RecentWindow,
		inputClearTimeout: cfg.InputClearTimeout,
		pacing:            cfg.Pacing,
		foreground:        cfg.Foreground,
		lastMessageID:     cfg.LastMessageID,
		recent:            cfg.Recent,
		participants:      cfg.Participants,
		composing:         cfg.Composing,
		markProcessed:     cfg.MarkProcessed,
		onFatalError:      cfg.OnFatalError,
	}
}

// UpdatePacing replaces the pacing tunables (config live-reload).
func (c *Controller) UpdatePacing(p config.PacingConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pacing = p
}

// SelfTyping reports whether the controller is mid-delivery of its own
// reply. The scheduler consults this so self-typing is never mistaken for
// user activity.
func (c *Controller) SelfTyping() bool {
	return c.sending.Load()
}

// GenerateAndSend performs one assistant-backend call for the given trigger
// and delivers, defers, or drops its result according to the token.
func (c *Controller) GenerateAndSend(ctx context.Context, tok uint64, trigger chat.Message) {
	origin := c.foreground()
	if origin == "" {
		return
	}
	// Captured fresh, not cached: needed later to test staleness.
	originLastID := c.lastMessageID(origin)

	st := c.store.Get(origin)
	req := backend.Request{
		SessionID:     origin,
		Recent:        c.recent(c.recentWindow),
		Summary:       st.Summary,
		Customization: st.Customization,
		Profiles:      st.Profiles,
		Participants:  c.participants(),
	}

	if trigger.HasImage() && c.images != nil {
		data, mime, err := c.images.FetchImage(ctx, trigger.ImageRef)
		if err != nil {
			c.logger.Warn("image fetch failed",
				"session_id", origin, "image_ref", trigger.ImageRef, "error", err)
		} else {
			req.ImageData, req.ImageMime = data, mime
		}
	}

	res, err := c.call(ctx, req)
	if err != nil {
		if errors.Is(err, errCallInFlight) {
			c.logger.Debug("reply attempt dropped: call slot taken",
				"session_id", origin)
			return
		}
		c.handleBackendError(origin, err)
		return
	}
	c.resetStreak()

	if !c.token.Current(tok) {
		// Superseded while the call ran.
		if c.foreground() != origin && res.HasContent() {
			c.cell.Put(DeferredResult{
				OriginSessionID:     origin,
				OriginLastMessageID: originLastID,
				Content:             res.Content,
				Summary:             res.Summary,
				Customization:       res.Customization,
				Profiles:            res.Profiles,
			})
			c.logger.Info("reply deferred: session changed mid-call",
				"session_id", origin, "last_message_id", originLastID)
		} else {
			c.logger.Debug("reply superseded, dropped", "session_id", origin)
		}
		return
	}

	c.persistMemory(origin, res)

	if res.HasContent() {
		if err := c.deliver(ctx, *res.Content, true); err != nil {
			c.logger.Warn("delivery failed", "session_id", origin, "error", err)
			return
		}
	}
	if c.markProcessed != nil {
		c.markProcessed(origin, trigger)
	}
}

// call runs the backend completion, including at most one follow-up call
// when the backend requests an additional image. The in-flight flag is
// cleared before the caller attempts delivery, so a blocked delivery never
// blocks new scheduling.
func (c *Controller) call(ctx context.Context, req backend.Request) (*backend.Result, error) {
	if !c.token.BeginCall() {
		return nil, errCallInFlight
	}
	c.status.BeginCall()
	c.clock.Touch()
	defer func() {
		c.token.EndCall()
		c.status.EndCall()
		c.clock.Touch()
	}()

	res, err := c.backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.ImageRequest != nil && c.images != nil {
		data, mime, ferr := c.images.FetchImage(ctx, *res.ImageRequest)
		if ferr != nil {
			c.logger.Warn("requested image fetch failed",
				"image_ref", *res.ImageRequest, "error", ferr)
			return res, nil
		}
		req.ImageData, req.ImageMime = data, mime
		res, err = c.backend.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

// persistMemory stores any returned summary, customization (including
// explicit clearing to empty), and profile updates, independent of whether
// a reply was produced.
func (c *Controller) persistMemory(sessionID string, res *backend.Result) {
	if res.Summary == nil && res.Customization == nil && len(res.Profiles) == 0 {
		return
	}
	err := c.store.Update(sessionID, func(st *store.State) {
		if res.Summary != nil {
			st.Summary = *res.Summary
		}
		if res.Customization != nil {
			st.Customization = *res.Customization
		}
		if len(res.Profiles) > 0 {
			if st.Profiles == nil {
				st.Profiles = make(map[string]string)
			}
			for name, notes := range res.Profiles {
				st.Profiles[name] = notes
			}
		}
	})
	if err != nil {
		c.logger.Error("failed to persist memory updates",
			"session_id", sessionID, "error", err)
	}
}

// DeliverDeferred delivers a previously deferred result to its origin
// session, which has regained foreground: memory fields are persisted and
// the content, if any, is sent with normal pacing.
func (c *Controller) DeliverDeferred(ctx context.Context, d *DeferredResult) {
	c.persistMemory(d.OriginSessionID, &backend.Result{
		Summary:       d.Summary,
		Customization: d.Customization,
		Profiles:      d.Profiles,
	})
	if d.Content != nil && *d.Content != "" {
		if err := c.deliver(ctx, *d.Content, true); err != nil {
			c.logger.Warn("deferred delivery failed",
				"session_id", d.OriginSessionID, "error", err)
		}
	}
}

// GenerateActivation runs the one-shot activation flow: same call pattern
// with an additional one-time instruction and a mandatory textual result.
// If the backend is busy or fails, a fixed fallback phrase is sent instead.
// The scheduler is bypassed entirely: no pacing, immediate.
func (c *Controller) GenerateActivation(ctx context.Context, sessionID string) {
	if c.token.InFlight() {
		c.sendActivation(ctx, backend.ActivationFallback)
		return
	}

	st := c.store.Get(sessionID)
	req := backend.Request{
		SessionID:     sessionID,
		Recent:        c.recent(c.recentWindow),
		Summary:       st.Summary,
		Customization: st.Customization,
		Profiles:      st.Profiles,
		Participants:  c.participants(),
		Instruction:   activationInstruction,
	}

	res, err := c.call(ctx, req)
	if err != nil {
		if errors.Is(err, errCallInFlight) {
			c.sendActivation(ctx, backend.ActivationFallback)
			return
		}
		cat := backend.Categorize(err)
		c.handleBackendError(sessionID, err)
		if cat.Fatal() {
			return
		}
		c.sendActivation(ctx, backend.ActivationFallback)
		return
	}
	c.resetStreak()

	text := backend.ActivationFallback
	if res.HasContent() {
		text = *res.Content
	}
	c.sendActivation(ctx, text)
}

func (c *Controller) sendActivation(ctx context.Context, text string) {
	if err := c.deliver(ctx, text, false); err != nil {
		c.logger.Warn("activation delivery failed", "error", err)
	}
}

// deliver sends content through the Message Sender, first awaiting a
// bounded local-input-clear condition. The per-character typing delay is
// derived from content length, capped at a fixed total ceiling, and only
// applied when pacing is enabled and the delay stays above the minimum
// threshold.
func (c *Controller) deliver(ctx context.Context, text string, paced bool) error {
	c.sending.Store(true)
	c.status.BeginSend()
	defer func() {
		c.sending.Store(false)
		c.status.EndSend()
	}()

	deadline := time.Now().Add(c.inputClearTimeout)
	for c.composing() {
		if time.Now().After(deadline) {
			return chat.ErrUserComposing
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inputClearPoll):
		}
	}

	var opts chat.SendOptions
	c.mu.Lock()
	pacing := c.pacing
	c.mu.Unlock()
	if paced && pacing.Enabled {
		perChar := pacing.TypePerChar.Std()
		if n := len([]rune(text)); n > 0 {
			if total := perChar * time.Duration(n); total > pacing.TypeCeiling.Std() {
				perChar = pacing.TypeCeiling.Std() / time.Duration(n)
			}
		}
		if perChar >= pacing.TypeMinPerChar.Std() {
			opts.PerCharDelay = perChar
		}
	}

	err := c.sender.Send(ctx, text, opts)
	if errors.Is(err, chat.ErrUserComposing) {
		c.logger.Debug("send refused: user started composing")
	}
	return err
}

// handleBackendError applies the error taxonomy: quota/auth deactivate the
// session with one persistent notice; rate_limit is log-only; server and
// network surface a transient notice only on the first occurrence of a
// streak; model and unknown always surface a transient notice.
func (c *Controller) handleBackendError(sessionID string, err error) {
	cat := backend.Categorize(err)
	c.logger.Error("backend call failed",
		"session_id", sessionID, "category", string(cat), "error", err)

	switch cat {
	case backend.CategoryQuota, backend.CategoryAuth:
		c.resetStreak()
		if c.onFatalError != nil {
			c.onFatalError(sessionID)
		}
		c.notifier.Persistent("Assistant disabled for this conversation: " + err.Error())
	case backend.CategoryRateLimit:
		// Rely on the next natural trigger to retry.
	case backend.CategoryServer, backend.CategoryNetwork:
		c.mu.Lock()
		c.streak++
		first := c.streak == 1
		c.mu.Unlock()
		if first {
			c.notifier.Transient("Assistant is having trouble responding; will keep trying.")
		}
	default:
		c.notifier.Transient("Assistant error: " + err.Error())
	}
}

func (c *Controller) resetStreak() {
	c.mu.Lock()
	c.streak = 0
	c.mu.Unlock()
}

// ErrorStreak returns the current consecutive-error count.
func (c *Controller) ErrorStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streak
}
