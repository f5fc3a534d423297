package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/store"
)

var (
	// ErrNotConfigured is returned by mode changes while no backend
	// credentials are present.
	ErrNotConfigured = errors.New("assistant backend is not configured")
	// ErrInvalidMode is returned for unknown or non-selectable modes.
	ErrInvalidMode = errors.New("invalid session mode")
)

// MachineConfig wires a Machine to its collaborators.
type MachineConfig struct {
	Store      *store.Store
	Scraper    chat.Scraper
	Notifier   chat.Notifier
	Scheduler  *Scheduler
	Controller *Controller
	Cell       *DeferredCell
	Status     *Status
	Clock      *ActivityClock
	Logger     *slog.Logger

	AssistantName     string
	ResumeMatchWindow int
	CatalogRetry      time.Duration
	// Configured reports whether backend credentials are present. When it
	// returns false every session reads as uninitialized and mode changes
	// are refused.
	Configured func() bool
}

// Machine owns the foreground session: its working catalog, its operating
// mode, and the swap protocol that tears one session down and brings the
// next one up.
type Machine struct {
	store      *store.Store
	scraper    chat.Scraper
	notifier   chat.Notifier
	scheduler  *Scheduler
	controller *Controller
	cell       *DeferredCell
	status     *Status
	clock      *ActivityClock
	logger     *slog.Logger

	assistantName string
	resumeWindow  int
	catalogRetry  time.Duration
	configured    func() bool

	// swapMu serializes foreground swaps end to end.
	swapMu sync.Mutex

	mu      sync.Mutex
	current *SessionState

	// mode mirrors the current session's persisted mode so the scheduler
	// can read it without taking the machine lock.
	mode atomic.Value // store.Mode

	// catalogReady flips false at swap start and true once the working
	// catalog has been rebuilt. The orchestrator waits on it.
	catalogReady atomic.Bool
}

// NewMachine creates a machine with no current session.
func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		store:         cfg.Store,
		scraper:       cfg.Scraper,
		notifier:      cfg.Notifier,
		scheduler:     cfg.Scheduler,
		controller:    cfg.Controller,
		cell:          cfg.Cell,
		status:        cfg.Status,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		assistantName: cfg.AssistantName,
		resumeWindow:  cfg.ResumeMatchWindow,
		catalogRetry:  cfg.CatalogRetry,
		configured:    cfg.Configured,
	}
	m.mode.Store(store.ModeDeactivated)
	return m
}

// CurrentSessionID returns the foreground session ID the machine is bound
// to, or "".
func (m *Machine) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

// CurrentMode returns the foreground session's operating mode. Safe to
// call from scheduler timer callbacks.
func (m *Machine) CurrentMode() store.Mode {
	return m.mode.Load().(store.Mode)
}

// CatalogReady reports whether the working catalog reflects the current
// foreground session.
func (m *Machine) CatalogReady() bool {
	return m.catalogReady.Load()
}

// effectiveMode overlays the uninitialized mode on a persisted mode while
// no backend credentials are configured. The persisted mode is untouched;
// it takes effect again once configuration completes.
func (m *Machine) effectiveMode(persisted store.Mode) store.Mode {
	if m.configured != nil && !m.configured() {
		return store.ModeUninitialized
	}
	return persisted
}

// LastMessageID returns the working catalog's newest message ID when
// sessionID is the current foreground session, or "".
func (m *Machine) LastMessageID(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID != sessionID {
		return ""
	}
	return m.current.LastMessageID()
}

// Recent returns up to n of the newest working-catalog messages.
func (m *Machine) Recent(n int) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Recent(n)
}

// Participants returns the foreground conversation's participant list.
func (m *Machine) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	out := make([]string, len(m.current.Participants))
	copy(out, m.current.Participants)
	return out
}

// MarkProcessed persists the last-processed marker after a completed reply
// attempt.
func (m *Machine) MarkProcessed(sessionID string, msg chat.Message) {
	err := m.store.SetMarker(sessionID, store.Marker{
		ID:      msg.ID,
		Content: msg.Content,
		Sender:  msg.Sender,
	})
	if err != nil {
		m.logger.Error("failed to persist last-processed marker",
			"session_id", sessionID, "error", err)
	}
}

// HandleConversationChange runs the full foreground-swap protocol for a
// newly visible session: guards up and pending work cancelled before any
// slow step, working state rebuilt from the host view, then resume
// matching and deferred-result consumption.
func (m *Machine) HandleConversationChange(ctx context.Context, sessionID string) {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	m.status.BeginSwap()
	m.catalogReady.Store(false)
	m.scheduler.CancelPending()

	m.mu.Lock()
	m.current = newSessionState(sessionID)
	m.mu.Unlock()

	st := m.store.Get(sessionID)
	mode := m.effectiveMode(st.Mode)
	m.mode.Store(mode)
	m.logger.Info("foreground session changed",
		"session_id", sessionID, "mode", mode)

	transcript, err := m.rebuildCatalog(ctx, sessionID)
	if err != nil {
		m.status.EndSwap()
		m.logger.Warn("catalog rebuild abandoned",
			"session_id", sessionID, "error", err)
		return
	}

	m.mu.Lock()
	m.current.ReplaceCatalog(transcript)
	catalog := m.current.Catalog
	m.mu.Unlock()

	m.catalogReady.Store(true)
	m.status.EndSwap()

	if mode.Engaged() {
		m.resumeMatch(catalog, st)
	}
	m.consumeDeferred(ctx, sessionID)
}

// rebuildCatalog parses the newly foregrounded session, retrying while the
// host is still rendering it.
func (m *Machine) rebuildCatalog(ctx context.Context, sessionID string) (*chat.Transcript, error) {
	for {
		transcript, err := m.scraper.ParseSession(ctx, sessionID)
		if err == nil {
			return transcript, nil
		}
		m.logger.Debug("session not yet parseable, retrying",
			"session_id", sessionID, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.catalogRetry):
		}
	}
}

// resumeMatch locates the last-processed marker in the rebuilt catalog and
// schedules a reply to whatever eligible message arrived after it. Without
// a locatable marker the whole visible history is treated as already seen.
func (m *Machine) resumeMatch(catalog []chat.Message, st store.State) {
	if st.LastProcessed == nil {
		return
	}
	idx := matchMarker(catalog, st.LastProcessed, m.resumeWindow)
	if idx < 0 {
		m.logger.Info("last-processed marker not found, treating history as seen",
			"session_id", st.SessionID, "marker_id", st.LastProcessed.ID)
		return
	}
	candidates := catalog[idx+1:]
	if len(candidates) == 0 {
		return
	}
	trigger := selectTrigger(candidates, st.Mode, m.assistantName)
	if trigger == nil {
		return
	}
	m.logger.Info("resuming missed conversation",
		"session_id", st.SessionID, "trigger_id", trigger.ID,
		"missed", len(candidates))
	m.scheduler.Schedule(*trigger)
}

// consumeDeferred delivers a held deferred result to its origin session,
// dropping it when the conversation has moved on since the reply was
// computed.
func (m *Machine) consumeDeferred(ctx context.Context, sessionID string) {
	d := m.cell.Take(sessionID)
	if d == nil {
		return
	}
	if d.OriginLastMessageID != m.LastMessageID(sessionID) {
		m.logger.Info("deferred reply dropped: conversation moved on",
			"session_id", sessionID,
			"deferred_last_id", d.OriginLastMessageID)
		return
	}
	m.logger.Info("delivering deferred reply", "session_id", sessionID)
	m.controller.DeliverDeferred(ctx, d)
}

// OnForegroundMessage handles one new message in the foreground session.
func (m *Machine) OnForegroundMessage(ev chat.MessageEvent) {
	if m.status.Swapping() {
		return
	}

	m.mu.Lock()
	if m.current == nil || m.current.ID != ev.SessionID {
		m.mu.Unlock()
		return
	}
	if !m.current.Append(ev.Message) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if ev.Message.OwnOriginated() {
		return
	}

	switch m.CurrentMode() {
	case store.ModeActive:
		m.scheduler.Schedule(ev.Message)
	case store.ModeAvailable:
		if mentionsAssistant(ev.Message.Content, m.assistantName) {
			m.scheduler.Schedule(ev.Message)
		}
	}
}

// GetMode returns the effective mode of a session: uninitialized while the
// backend lacks credentials, otherwise the persisted mode.
func (m *Machine) GetMode(sessionID string) store.Mode {
	if m.configured != nil && !m.configured() {
		return store.ModeUninitialized
	}
	return m.store.Get(sessionID).Mode
}

// SetMode applies a user-requested mode change to a session. The change is
// always persisted; entry effects (cancellation, notices, the activation
// flow) run only when the session is the current foreground one.
func (m *Machine) SetMode(ctx context.Context, sessionID string, mode store.Mode) error {
	if !mode.Valid() || mode == store.ModeUninitialized {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if m.configured != nil && !m.configured() {
		return ErrNotConfigured
	}

	prev := m.store.Get(sessionID).Mode
	if prev == mode {
		return nil
	}
	if err := m.store.SetMode(sessionID, mode); err != nil {
		return err
	}
	m.logger.Info("session mode changed",
		"session_id", sessionID, "from", prev, "to", mode)

	if m.CurrentSessionID() != sessionID {
		return nil
	}
	m.mode.Store(mode)

	switch mode {
	case store.ModeDeactivated:
		m.scheduler.CancelPending()
		m.notifier.Transient("Assistant deactivated for this conversation.")
	case store.ModeAvailable:
		m.notifier.Transient("Assistant available: mention " + m.assistantName + " to get a reply.")
	case store.ModeActive:
		go m.controller.GenerateActivation(ctx, sessionID)
	}
	return nil
}

// ForceDeactivate deactivates a session after a fatal backend error. No
// notice is emitted here; the error handler surfaces the single persistent
// one.
func (m *Machine) ForceDeactivate(sessionID string) {
	if err := m.store.SetMode(sessionID, store.ModeDeactivated); err != nil {
		m.logger.Error("failed to persist forced deactivation",
			"session_id", sessionID, "error", err)
	}
	if m.CurrentSessionID() == sessionID {
		m.mode.Store(store.ModeDeactivated)
		m.scheduler.CancelPending()
	}
	m.logger.Warn("session force-deactivated", "session_id", sessionID)
}
