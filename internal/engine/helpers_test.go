package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/locum-sh/locum/internal/backend"
	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/store"
)

// fakeHost is an in-memory stand-in for the bridge: scraping, sending,
// navigation, images and notices all recorded under one mutex.
type fakeHost struct {
	mu          sync.Mutex
	active      string
	sessions    []string
	transcripts map[string]*chat.Transcript
	parseFails  map[string]int
	composing   bool
	sent        []string
	switched    []string
	transients  []string
	persistents []string
	indicators  []bool
	images      map[string]string // ref -> mime

	// onSwitch, when set, is invoked after SwitchTo updates the active
	// session (simulating the host viewport plus the foreground watcher).
	onSwitch func(sessionID string)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		transcripts: make(map[string]*chat.Transcript),
		parseFails:  make(map[string]int),
		images:      make(map[string]string),
	}
}

func (f *fakeHost) setTranscript(id string, t *chat.Transcript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts[id] = t
	found := false
	for _, s := range f.sessions {
		if s == id {
			found = true
		}
	}
	if !found {
		f.sessions = append(f.sessions, id)
	}
}

func (f *fakeHost) setActive(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = id
}

func (f *fakeHost) ParseSession(ctx context.Context, sessionID string) (*chat.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parseFails[sessionID] > 0 {
		f.parseFails[sessionID]--
		return nil, context.DeadlineExceeded
	}
	t, ok := f.transcripts[sessionID]
	if !ok {
		return &chat.Transcript{}, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeHost) ActiveSessionID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeHost) ListSessions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeHost) ComposingInput(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.composing, nil
}

func (f *fakeHost) Send(ctx context.Context, text string, opts chat.SendOptions) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) SwitchTo(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.active = sessionID
	f.switched = append(f.switched, sessionID)
	cb := f.onSwitch
	f.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
	return nil
}

func (f *fakeHost) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mime, ok := f.images[ref]
	if !ok {
		return nil, "", context.DeadlineExceeded
	}
	return []byte("img:" + ref), mime, nil
}

func (f *fakeHost) Transient(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transients = append(f.transients, text)
}

func (f *fakeHost) Persistent(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistents = append(f.persistents, text)
}

func (f *fakeHost) Indicator(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indicators = append(f.indicators, active)
}

func (f *fakeHost) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeHost) switchedTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.switched))
	copy(out, f.switched)
	return out
}

func (f *fakeHost) transientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transients)
}

func (f *fakeHost) persistentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persistents)
}

// fakeBackend pops scripted outcomes in order; when the script runs out it
// returns a silent result.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []backend.Request
	results []*backend.Result
	errs    []error

	// onCall runs during the call, before the scripted outcome is
	// returned. Used to simulate mid-call supersession.
	onCall func(req backend.Request)
}

func (f *fakeBackend) script(res *backend.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	f.errs = append(f.errs, err)
}

func (f *fakeBackend) Complete(ctx context.Context, req backend.Request) (*backend.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var res *backend.Result
	var err error
	if len(f.results) > 0 {
		res, err = f.results[0], f.errs[0]
		f.results, f.errs = f.results[1:], f.errs[1:]
	} else {
		res = &backend.Result{}
	}
	cb := f.onCall
	f.mu.Unlock()

	if cb != nil {
		cb(req)
	}
	return res, err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) call(i int) backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// testRig wires a full pipeline against fakes, with pacing disabled and
// every tunable shrunk so tests finish fast.
type testRig struct {
	host       *fakeHost
	backend    *fakeBackend
	store      *store.Store
	clock      *ActivityClock
	token      *RequestToken
	cell       *DeferredCell
	status     *Status
	scheduler  *Scheduler
	controller *Controller
	machine    *Machine
	orch       *Orchestrator
	configured atomic.Bool
}

func testPacing() config.PacingConfig {
	return config.PacingConfig{
		Enabled:        false,
		MinDelay:       config.Duration(time.Millisecond),
		ReadSpeedMin:   1000,
		ReadSpeedMax:   1000,
		ImageReadMin:   config.Duration(time.Millisecond),
		ImageReadMax:   config.Duration(2 * time.Millisecond),
		UnpacedMin:     config.Duration(time.Millisecond),
		UnpacedMax:     config.Duration(2 * time.Millisecond),
		ExtendCap:      config.Duration(100 * time.Millisecond),
		InFlightRetry:  config.Duration(10 * time.Millisecond),
		TypePerChar:    config.Duration(0),
		TypeCeiling:    config.Duration(time.Second),
		TypeMinPerChar: config.Duration(time.Millisecond),
	}
}

func testQueue() config.QueueConfig {
	return config.QueueConfig{
		Policy:            config.PolicyProcess,
		IdleThreshold:     config.Duration(20 * time.Millisecond),
		IdlePoll:          config.Duration(5 * time.Millisecond),
		GatePoll:          config.Duration(5 * time.Millisecond),
		GateTimeout:       config.Duration(time.Second),
		Backoff:           config.Duration(20 * time.Millisecond),
		NavConfirmTimeout: config.Duration(2 * time.Second),
		QuiescenceTimeout: config.Duration(2 * time.Second),
		Settle:            config.Duration(time.Millisecond),
	}
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := &testRig{
		host:    newFakeHost(),
		backend: &fakeBackend{},
		store:   st,
		clock:   NewActivityClock(),
		token:   NewRequestToken(),
		cell:    NewDeferredCell(slog.Default()),
		status:  NewStatus(slog.Default()),
	}
	r.configured.Store(true)
	configured := func() bool { return r.configured.Load() }

	r.scheduler = NewScheduler(SchedulerConfig{
		Pacing:        testPacing(),
		Logger:        slog.Default(),
		Token:         r.token,
		Status:        r.status,
		FastServicing: func() bool { return r.orch.FastServicing() },
		Composing:     r.status.Composing,
		SelfTyping:    func() bool { return r.controller.SelfTyping() },
		CurrentMode:   func() store.Mode { return r.machine.CurrentMode() },
		Fire: func(tok uint64, trigger chat.Message) {
			go r.controller.GenerateAndSend(context.Background(), tok, trigger)
		},
	})

	r.controller = NewController(ControllerConfig{
		Store:             st,
		Backend:           r.backend,
		Images:            r.host,
		Sender:            r.host,
		Notifier:          r.host,
		Token:             r.token,
		Cell:              r.cell,
		Status:            r.status,
		Clock:             r.clock,
		Logger:            slog.Default(),
		RecentWindow:      20,
		InputClearTimeout: 50 * time.Millisecond,
		Pacing:            testPacing(),
		Foreground:        func() string { return r.machine.CurrentSessionID() },
		LastMessageID:     func(id string) string { return r.machine.LastMessageID(id) },
		Recent:            func(n int) []chat.Message { return r.machine.Recent(n) },
		Participants:      func() []string { return r.machine.Participants() },
		Composing:         r.status.Composing,
		MarkProcessed:     func(id string, msg chat.Message) { r.machine.MarkProcessed(id, msg) },
		OnFatalError:      func(id string) { r.machine.ForceDeactivate(id) },
	})

	r.machine = NewMachine(MachineConfig{
		Store:             st,
		Scraper:           r.host,
		Notifier:          r.host,
		Scheduler:         r.scheduler,
		Controller:        r.controller,
		Cell:              r.cell,
		Status:            r.status,
		Clock:             r.clock,
		Logger:            slog.Default(),
		AssistantName:     "Nova",
		ResumeMatchWindow: 50,
		CatalogRetry:      5 * time.Millisecond,
		Configured:        configured,
	})

	r.orch = NewOrchestrator(OrchestratorConfig{
		Store:             st,
		Scraper:           r.host,
		Navigator:         r.host,
		Notifier:          r.host,
		Status:            r.status,
		Clock:             r.clock,
		Machine:           r.machine,
		Logger:            slog.Default(),
		Queue:             testQueue(),
		AssistantName:     "Nova",
		SelfSnippetPrefix: "You:",
		Configured:        configured,
	})

	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func msg(id, sender, content string) chat.Message {
	return chat.Message{
		ID: id, Sender: sender, Content: content,
		Kind: chat.KindText, Timestamp: time.Now(),
	}
}

func selfMsg(id, content string) chat.Message {
	m := msg(id, "Me", content)
	m.SelfOriginated = true
	return m
}

func assistantMsg(id, content string) chat.Message {
	m := msg(id, "Nova", content)
	m.AssistantOriginated = true
	return m
}

func strPtr(s string) *string { return &s }
