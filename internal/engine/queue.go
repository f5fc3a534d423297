package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/store"
)

// foregroundPoll is how often the orchestrator re-checks machine state
// while waiting for a viewport switch to take effect.
const foregroundPoll = 100 * time.Millisecond

// OrchestratorConfig wires an Orchestrator to its collaborators.
type OrchestratorConfig struct {
	Store     *store.Store
	Scraper   chat.Scraper
	Navigator chat.Navigator
	Notifier  chat.Notifier
	Status    *Status
	Clock     *ActivityClock
	Machine   *Machine
	Logger    *slog.Logger

	Queue             config.QueueConfig
	AssistantName     string
	SelfSnippetPrefix string
	Configured        func() bool
}

// Orchestrator monitors non-foreground sessions through the host change
// feed and services the ones that qualify, one at a time, by briefly
// swapping them into the single viewport when the foreground is free.
type Orchestrator struct {
	store     *store.Store
	scraper   chat.Scraper
	navigator chat.Navigator
	notifier  chat.Notifier
	status    *Status
	clock     *ActivityClock
	machine   *Machine
	logger    *slog.Logger

	assistantName     string
	selfSnippetPrefix string
	configured        func() bool

	mu         sync.Mutex
	cfg        config.QueueConfig
	queue      []string
	queued     map[string]bool
	processing string
	aborted    bool
	abort      chan struct{}

	// fast is true while servicing queued entries; the scheduler skips
	// pacing entirely during that window.
	fast atomic.Bool

	// expected holds the session ID of a viewport switch the orchestrator
	// itself initiated, so the foreground watcher can tell it apart from
	// user navigation.
	expected atomic.Value // string

	wake chan struct{}
}

// NewOrchestrator creates an orchestrator. Run must be called for it to
// service anything.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		store:             cfg.Store,
		scraper:           cfg.Scraper,
		navigator:         cfg.Navigator,
		notifier:          cfg.Notifier,
		status:            cfg.Status,
		clock:             cfg.Clock,
		machine:           cfg.Machine,
		logger:            cfg.Logger,
		assistantName:     cfg.AssistantName,
		selfSnippetPrefix: cfg.SelfSnippetPrefix,
		configured:        cfg.Configured,
		cfg:               cfg.Queue,
		queued:            make(map[string]bool),
		abort:             make(chan struct{}),
		wake:              make(chan struct{}, 1),
	}
	o.expected.Store("")
	return o
}

// UpdateConfig replaces the queue tunables (config live-reload).
func (o *Orchestrator) UpdateConfig(q config.QueueConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = q
}

func (o *Orchestrator) config() config.QueueConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// FastServicing reports whether a queued session is being serviced right
// now. Safe to call from scheduler timer callbacks.
func (o *Orchestrator) FastServicing() bool {
	return o.fast.Load()
}

// Expecting reports whether the orchestrator itself initiated a viewport
// switch to sessionID.
func (o *Orchestrator) Expecting(sessionID string) bool {
	return sessionID != "" && o.expected.Load().(string) == sessionID
}

// OnChange qualifies one change-feed event and enqueues its session when it
// warrants attention.
func (o *Orchestrator) OnChange(ev chat.ChangeEvent) {
	if o.configured != nil && !o.configured() {
		return
	}
	cfg := o.config()
	if cfg.Policy == config.PolicyIgnore {
		return
	}
	if ev.SessionID == o.machine.CurrentSessionID() {
		return
	}
	if o.selfSnippetPrefix != "" && strings.HasPrefix(ev.Snippet, o.selfSnippetPrefix) {
		// Preview of our own outgoing content.
		return
	}

	st := o.store.Get(ev.SessionID)
	switch st.Mode {
	case store.ModeActive:
	case store.ModeAvailable:
		if !mentionsAssistant(ev.Snippet, o.assistantName) {
			return
		}
	default:
		return
	}

	o.mu.Lock()
	if ev.SessionID == o.processing || o.queued[ev.SessionID] {
		o.mu.Unlock()
		return
	}
	o.queued[ev.SessionID] = true
	o.queue = append(o.queue, ev.SessionID)
	o.mu.Unlock()

	o.logger.Info("session queued for background servicing",
		"session_id", ev.SessionID, "mode", st.Mode)

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Intervene reacts to the user manually switching the viewport while
// servicing was underway: the whole queue is dropped and the current
// servicing round aborts without navigating back.
func (o *Orchestrator) Intervene(sessionID string) {
	o.mu.Lock()
	dropped := len(o.queue)
	o.queue = nil
	o.queued = make(map[string]bool)
	wasServicing := o.processing != "" || o.fast.Load()
	if wasServicing && !o.aborted {
		o.aborted = true
		close(o.abort)
	}
	o.mu.Unlock()

	if dropped > 0 || wasServicing {
		o.logger.Info("user intervened, background servicing aborted",
			"session_id", sessionID, "dropped", dropped)
	}
}

// Run drives the servicing loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		o.drain(ctx)
	}
}

func (o *Orchestrator) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) pop() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return ""
	}
	id := o.queue[0]
	o.queue = o.queue[1:]
	delete(o.queued, id)
	o.processing = id
	return id
}

func (o *Orchestrator) isAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborted
}

func (o *Orchestrator) resetAbort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = false
	o.abort = make(chan struct{})
}

func (o *Orchestrator) abortCh() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abort
}

func (o *Orchestrator) drain(ctx context.Context) {
	for o.pending() > 0 {
		if !o.awaitAdmission(ctx) {
			return
		}
		if o.pending() == 0 {
			return
		}
		o.service(ctx)
	}
}

// awaitAdmission blocks until the foreground may be borrowed: the idle
// policy first waits out the inactivity threshold, then the admission gate
// is polled, backing off and starting over on timeout. Returns false when
// ctx is done or the queue empties while waiting.
func (o *Orchestrator) awaitAdmission(ctx context.Context) bool {
	for {
		cfg := o.config()

		if cfg.Policy == config.PolicyIdle {
			for !o.clock.IdleFor(cfg.IdleThreshold.Std()) {
				if !sleepCtx(ctx, cfg.IdlePoll.Std()) {
					return false
				}
				if o.pending() == 0 {
					return false
				}
			}
		}

		deadline := time.Now().Add(cfg.GateTimeout.Std())
		for time.Now().Before(deadline) {
			if o.status.GateOpen() {
				return true
			}
			if !sleepCtx(ctx, cfg.GatePoll.Std()) {
				return false
			}
		}

		o.logger.Debug("admission gate busy, backing off",
			"backoff", cfg.Backoff.Std())
		if !sleepCtx(ctx, cfg.Backoff.Std()) {
			return false
		}
		if o.pending() == 0 {
			return false
		}
	}
}

// service borrows the viewport for every queued entry, then returns it to
// where the user left it unless they intervened meanwhile.
func (o *Orchestrator) service(ctx context.Context) {
	cfg := o.config()

	returnTarget, err := o.scraper.ActiveSessionID(ctx)
	if err != nil {
		o.logger.Warn("could not record return target", "error", err)
		returnTarget = ""
	}

	o.resetAbort()
	o.fast.Store(true)
	o.notifier.Indicator(true)
	defer func() {
		o.fast.Store(false)
		o.expected.Store("")
		o.notifier.Indicator(false)
		o.mu.Lock()
		o.processing = ""
		o.mu.Unlock()
	}()

	for {
		if o.isAborted() {
			return
		}
		id := o.pop()
		if id == "" {
			break
		}
		o.serviceOne(ctx, cfg, id)
	}

	if o.isAborted() || returnTarget == "" {
		return
	}
	o.logger.Debug("returning viewport", "session_id", returnTarget)
	o.expected.Store(returnTarget)
	if err := o.navigator.SwitchTo(ctx, returnTarget); err != nil {
		o.logger.Warn("failed to return viewport",
			"session_id", returnTarget, "error", err)
		return
	}
	o.waitForeground(ctx, returnTarget, cfg.NavConfirmTimeout.Std())
}

func (o *Orchestrator) serviceOne(ctx context.Context, cfg config.QueueConfig, id string) {
	known, err := o.scraper.ListSessions(ctx)
	if err == nil && !containsString(known, id) {
		o.logger.Info("queued session no longer exists, skipping", "session_id", id)
		return
	}

	o.logger.Info("servicing queued session", "session_id", id)
	o.expected.Store(id)
	if err := o.navigator.SwitchTo(ctx, id); err != nil {
		o.logger.Warn("viewport switch failed", "session_id", id, "error", err)
		return
	}
	if !o.waitForeground(ctx, id, cfg.NavConfirmTimeout.Std()) {
		o.logger.Warn("viewport switch not confirmed, skipping", "session_id", id)
		return
	}
	if !o.waitQuiescent(ctx, cfg.QuiescenceTimeout.Std()) {
		o.logger.Warn("pipeline did not go quiet in time", "session_id", id)
	}
	o.sleepAbortable(ctx, cfg.Settle.Std())
}

// waitForeground waits until the machine has bound to sessionID with a
// rebuilt catalog, bounded by timeout and the abort signal.
func (o *Orchestrator) waitForeground(ctx context.Context, sessionID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	abort := o.abortCh()
	for time.Now().Before(deadline) {
		if o.machine.CurrentSessionID() == sessionID && o.machine.CatalogReady() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-abort:
			return false
		case <-time.After(foregroundPoll):
		}
	}
	return false
}

// waitQuiescent waits for the single-session pipeline to go quiet: no
// pending timer, no call in flight, no delivery underway.
func (o *Orchestrator) waitQuiescent(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	abort := o.abortCh()
	for time.Now().Before(deadline) {
		if o.status.Quiescent() && o.machine.CatalogReady() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-abort:
			return false
		case <-time.After(foregroundPoll):
		}
	}
	return false
}

func (o *Orchestrator) sleepAbortable(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-o.abortCh():
	case <-time.After(d):
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
