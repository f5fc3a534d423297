package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/locum-sh/locum/internal/backend"
	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/logging"
	"github.com/locum-sh/locum/internal/store"
)

// foregroundWatchInterval is how often the engine compares the host's
// visible session against the machine's bound session.
const foregroundWatchInterval = 500 * time.Millisecond

// Host bundles the capabilities the instrumented host application exposes
// over the bridge.
type Host interface {
	chat.Scraper
	chat.Sender
	chat.Navigator
	chat.ImageFetcher
	chat.Notifier
}

// Feed delivers the host's push events. Channels stay open for the
// lifetime of the bridge.
type Feed interface {
	Messages() <-chan chat.MessageEvent
	Changes() <-chan chat.ChangeEvent
	Composing() <-chan bool
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Config  *config.Config
	Host    Host
	Feed    Feed
	Store   *store.Store
	Backend backend.Backend
	// ConfigPath enables live reload of tunables when set.
	ConfigPath string
}

// Engine assembles and drives the whole response pipeline.
type Engine struct {
	host   Host
	feed   Feed
	store  *store.Store
	logger *slog.Logger

	configPath string

	clock        *ActivityClock
	token        *RequestToken
	cell         *DeferredCell
	status       *Status
	scheduler    *Scheduler
	controller   *Controller
	machine      *Machine
	orchestrator *Orchestrator

	mu  sync.Mutex
	ctx context.Context
}

// New assembles an engine from its configuration.
func New(cfg EngineConfig) *Engine {
	e := &Engine{
		host:       cfg.Host,
		feed:       cfg.Feed,
		store:      cfg.Store,
		logger:     logging.Engine(),
		configPath: cfg.ConfigPath,
	}

	e.clock = NewActivityClock()
	e.token = NewRequestToken()
	e.cell = NewDeferredCell(logging.Engine())
	e.status = NewStatus(logging.Engine())

	c := cfg.Config
	configured := func() bool { return c.Backend.Configured() }

	e.scheduler = NewScheduler(SchedulerConfig{
		Pacing:        c.Pacing,
		Logger:        logging.Scheduler(),
		Token:         e.token,
		Status:        e.status,
		FastServicing: func() bool { return e.orchestrator.FastServicing() },
		Composing:     e.status.Composing,
		SelfTyping:    func() bool { return e.controller.SelfTyping() },
		CurrentMode:   func() store.Mode { return e.machine.CurrentMode() },
		Fire: func(tok uint64, trigger chat.Message) {
			go e.controller.GenerateAndSend(e.runCtx(), tok, trigger)
		},
	})

	e.controller = NewController(ControllerConfig{
		Store:             cfg.Store,
		Backend:           cfg.Backend,
		Images:            cfg.Host,
		Sender:            cfg.Host,
		Notifier:          cfg.Host,
		Token:             e.token,
		Cell:              e.cell,
		Status:            e.status,
		Clock:             e.clock,
		Logger:            logging.Backend(),
		RecentWindow:      c.RecentWindow,
		InputClearTimeout: c.InputClearTimeout.Std(),
		Pacing:            c.Pacing,
		Foreground:        func() string { return e.machine.CurrentSessionID() },
		LastMessageID:     func(id string) string { return e.machine.LastMessageID(id) },
		Recent:            func(n int) []chat.Message { return e.machine.Recent(n) },
		Participants:      func() []string { return e.machine.Participants() },
		Composing:         e.status.Composing,
		MarkProcessed:     func(id string, msg chat.Message) { e.machine.MarkProcessed(id, msg) },
		OnFatalError:      func(id string) { e.machine.ForceDeactivate(id) },
	})

	e.machine = NewMachine(MachineConfig{
		Store:             cfg.Store,
		Scraper:           cfg.Host,
		Notifier:          cfg.Host,
		Scheduler:         e.scheduler,
		Controller:        e.controller,
		Cell:              e.cell,
		Status:            e.status,
		Clock:             e.clock,
		Logger:            logging.Engine(),
		AssistantName:     c.AssistantName,
		ResumeMatchWindow: c.ResumeMatchWindow,
		CatalogRetry:      c.CatalogRetry.Std(),
		Configured:        configured,
	})

	e.orchestrator = NewOrchestrator(OrchestratorConfig{
		Store:             cfg.Store,
		Scraper:           cfg.Host,
		Navigator:         cfg.Host,
		Notifier:          cfg.Host,
		Status:            e.status,
		Clock:             e.clock,
		Machine:           e.machine,
		Logger:            logging.Queue(),
		Queue:             c.Queue,
		AssistantName:     c.AssistantName,
		SelfSnippetPrefix: c.SelfSnippetPrefix,
		Configured:        configured,
	})

	return e
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// GetMode returns the effective mode of a session.
func (e *Engine) GetMode(sessionID string) store.Mode {
	return e.machine.GetMode(sessionID)
}

// SetMode applies a user-requested mode change.
func (e *Engine) SetMode(ctx context.Context, sessionID string, mode store.Mode) error {
	return e.machine.SetMode(ctx, sessionID, mode)
}

// OnConfigChanged reloads tunables when the configuration file changes.
func (e *Engine) OnConfigChanged(event config.ChangeEvent) {
	cfg, err := config.Load(event.Path)
	if err != nil {
		e.logger.Warn("config reload failed, keeping current settings",
			"path", event.Path, "error", err)
		return
	}
	e.scheduler.UpdatePacing(cfg.Pacing)
	e.controller.UpdatePacing(cfg.Pacing)
	e.orchestrator.UpdateConfig(cfg.Queue)
	e.logger.Info("configuration reloaded", "path", event.Path)
}

// Run starts the pipeline and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.startup(ctx)

	var wg sync.WaitGroup
	loops := []func(context.Context){
		e.orchestrator.Run,
		e.messageLoop,
		e.changeLoop,
		e.composingLoop,
		e.foregroundWatch,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}

	var watcher *config.Watcher
	if e.configPath != "" {
		w, err := config.NewWatcher(e.configPath, e.logger)
		if err != nil {
			e.logger.Warn("config watcher unavailable",
				"path", e.configPath, "error", err)
		} else {
			w.Subscribe(e)
			w.Start()
			watcher = w
		}
	}

	<-ctx.Done()
	if watcher != nil {
		watcher.Close()
	}
	wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// startup purges persisted sessions the host no longer knows and binds the
// machine to whatever session is currently visible.
func (e *Engine) startup(ctx context.Context) {
	if known, err := e.host.ListSessions(ctx); err == nil {
		if removed, err := e.store.PurgeOrphans(known); err == nil && removed > 0 {
			e.logger.Info("purged orphan sessions", "count", removed)
		}
	} else {
		e.logger.Warn("could not list host sessions at startup", "error", err)
	}

	active, err := e.host.ActiveSessionID(ctx)
	if err != nil {
		e.logger.Warn("could not read active session at startup", "error", err)
		return
	}
	if active != "" {
		e.machine.HandleConversationChange(ctx, active)
	}
}

// messageLoop reduces the foreground message feed.
func (e *Engine) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.feed.Messages():
			if !ev.Message.AssistantOriginated {
				e.clock.Touch()
			}
			e.machine.OnForegroundMessage(ev)
		}
	}
}

// changeLoop reduces the non-foreground change feed. Background activity
// deliberately does not touch the activity clock, so the idle policy keeps
// measuring the local user.
func (e *Engine) changeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.feed.Changes():
			e.orchestrator.OnChange(ev)
		}
	}
}

// composingLoop reduces the composing feed.
func (e *Engine) composingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-e.feed.Composing():
			e.status.SetComposing(v)
			if v {
				e.clock.Touch()
			}
		}
	}
}

// foregroundWatch reconciles the host's visible session with the machine's
// bound session. A switch the orchestrator did not initiate counts as user
// intervention.
func (e *Engine) foregroundWatch(ctx context.Context) {
	ticker := time.NewTicker(foregroundWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := e.host.ActiveSessionID(ctx)
		if err != nil || active == "" {
			continue
		}
		if active == e.machine.CurrentSessionID() {
			continue
		}

		if !e.orchestrator.Expecting(active) {
			e.clock.Touch()
			if e.orchestrator.FastServicing() {
				e.orchestrator.Intervene(active)
			}
		}
		e.machine.HandleConversationChange(ctx, active)
	}
}
