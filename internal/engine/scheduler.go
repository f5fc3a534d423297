package engine

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/store"
)

// pendingReply is the single active timer record: at most one exists at a
// time, scoped to the current foreground session. Rescheduling always goes
// through cancel-and-re-arm with a fresh generation number; a fired timer
// whose generation is stale is ignored.
type pendingReply struct {
	gen        uint64
	tok        uint64
	trigger    chat.Message
	timer      *time.Timer
	deadline   time.Time
	burstStart time.Time
}

// SchedulerConfig wires a Scheduler to its collaborators. The function
// fields must be safe to call without further locking (they are invoked
// while the scheduler holds its own mutex).
type SchedulerConfig struct {
	Pacing config.PacingConfig
	Logger *slog.Logger
	Token  *RequestToken
	Status *Status

	// FastServicing reports whether the background orchestrator is
	// mid-servicing a queued session, which skips all pacing.
	FastServicing func() bool
	// Composing reports whether the local user is typing.
	Composing func() bool
	// SelfTyping reports whether locum itself is mid-delivery, which must
	// never be mistaken for user activity.
	SelfTyping func() bool
	// CurrentMode returns the foreground session's operating mode.
	CurrentMode func() store.Mode
	// Fire performs the reply attempt. Called outside the scheduler lock.
	Fire func(tok uint64, trigger chat.Message)
}

// Scheduler decides when to attempt a reply to a trigger message, with
// debounce-and-extend semantics.
type Scheduler struct {
	mu      sync.Mutex
	pacing  config.PacingConfig
	rng     *rand.Rand
	logger  *slog.Logger
	token   *RequestToken
	status  *Status
	pending *pendingReply
	gen     uint64

	fastServicing func() bool
	composing     func() bool
	selfTyping    func() bool
	currentMode   func() store.Mode
	fire          func(tok uint64, trigger chat.Message)
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		pacing:        cfg.Pacing,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:        cfg.Logger,
		token:         cfg.Token,
		status:        cfg.Status,
		fastServicing: cfg.FastServicing,
		composing:     cfg.Composing,
		selfTyping:    cfg.SelfTyping,
		currentMode:   cfg.CurrentMode,
		fire:          cfg.Fire,
	}
}

// UpdatePacing replaces the pacing tunables (config live-reload).
func (s *Scheduler) UpdatePacing(p config.PacingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pacing = p
}

// Schedule arms or extends a reply attempt for the trigger message.
// Dispatch priority: immediate (background fast-servicing), extend (paced
// with a timer already armed), fresh.
func (s *Scheduler) Schedule(trigger chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.fastServicing != nil && s.fastServicing():
		// Servicing a queued background session: no pacing, fire on the
		// next scheduling opportunity. Validity checks still run on fire.
		s.armLocked(trigger, 0, time.Now())
		if s.logger != nil {
			s.logger.Debug("reply scheduled immediately", "trigger_id", trigger.ID)
		}
	case s.pacing.Enabled && s.pending != nil:
		s.extendLocked(trigger)
	default:
		delay := s.freshDelayLocked(trigger)
		s.armLocked(trigger, delay, time.Now())
		if s.logger != nil {
			s.logger.Debug("reply scheduled",
				"trigger_id", trigger.ID, "delay", delay)
		}
	}
}

// CancelPending clears any armed timer and invalidates in-flight work by
// bumping the request token.
func (s *Scheduler) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPendingLocked()
	s.token.Invalidate()
}

// armLocked cancels any existing timer and arms a new one. The previous
// token is superseded by Arm.
func (s *Scheduler) armLocked(trigger chat.Message, delay time.Duration, burstStart time.Time) {
	s.clearPendingLocked()

	tok := s.token.Arm()
	s.gen++
	gen := s.gen
	p := &pendingReply{
		gen:        gen,
		tok:        tok,
		trigger:    trigger,
		deadline:   time.Now().Add(delay),
		burstStart: burstStart,
	}
	p.timer = time.AfterFunc(delay, func() { s.onFire(gen) })
	s.pending = p
	s.status.SetPending(true)
}

// extendLocked adds the new trigger's reading time to the existing target
// fire time, capped so the total never exceeds the extend cap from the
// moment pacing last had no pending timer.
func (s *Scheduler) extendLocked(trigger chat.Message) {
	p := s.pending
	p.timer.Stop()

	newDeadline := p.deadline.Add(s.readingTimeLocked(trigger))
	if limit := p.burstStart.Add(s.pacing.ExtendCap.Std()); newDeadline.After(limit) {
		newDeadline = limit
	}

	tok := s.token.Arm()
	s.gen++
	gen := s.gen

	delay := time.Until(newDeadline)
	if delay < 0 {
		delay = 0
	}

	p.gen = gen
	p.tok = tok
	p.trigger = trigger
	p.deadline = newDeadline
	p.timer = time.AfterFunc(delay, func() { s.onFire(gen) })

	if s.logger != nil {
		s.logger.Debug("pending reply extended",
			"trigger_id", trigger.ID,
			"deadline", newDeadline,
			"burst_start", p.burstStart)
	}
}

// onFire runs when an armed timer elapses. Before handing off to the
// concurrency controller it re-validates, in order: token still current;
// local user not composing (self-typing exempt); session mode still
// engaged; no other backend call in flight (reschedule rather than
// abandon).
func (s *Scheduler) onFire(gen uint64) {
	s.mu.Lock()

	if s.pending == nil || s.pending.gen != gen {
		s.mu.Unlock()
		return
	}
	p := s.pending

	if !s.token.Current(p.tok) {
		s.clearPendingLocked()
		s.mu.Unlock()
		return
	}

	if s.composing() && !s.selfTyping() {
		s.clearPendingLocked()
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("reply attempt dropped: user is composing",
				"trigger_id", p.trigger.ID)
		}
		return
	}

	if !s.currentMode().Engaged() {
		s.clearPendingLocked()
		s.mu.Unlock()
		return
	}

	if s.token.InFlight() {
		// Another call is running: retry this same attempt shortly,
		// keeping its token so supersession still applies.
		retry := s.pacing.InFlightRetry.Std()
		s.gen++
		next := s.gen
		p.gen = next
		p.deadline = time.Now().Add(retry)
		p.timer = time.AfterFunc(retry, func() { s.onFire(next) })
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Debug("reply attempt rescheduled: call in flight",
				"trigger_id", p.trigger.ID, "retry", retry)
		}
		return
	}

	tok, trigger := p.tok, p.trigger
	s.clearPendingLocked()
	s.mu.Unlock()

	s.fire(tok, trigger)
}

func (s *Scheduler) clearPendingLocked() {
	if s.pending != nil {
		s.pending.timer.Stop()
		s.pending = nil
	}
	s.status.SetPending(false)
}

// freshDelayLocked computes the delay for a newly armed timer.
func (s *Scheduler) freshDelayLocked(trigger chat.Message) time.Duration {
	if s.pacing.Enabled {
		d := s.readingTimeLocked(trigger)
		if min := s.pacing.MinDelay.Std(); d < min {
			d = min
		}
		return d
	}
	return s.randDurationLocked(s.pacing.UnpacedMin.Std(), s.pacing.UnpacedMax.Std())
}

// readingTimeLocked estimates how long a human would take to read the
// trigger: text length over a randomized reading speed, plus a flat
// randomized addition per image.
func (s *Scheduler) readingTimeLocked(m chat.Message) time.Duration {
	chars := len([]rune(m.Content))
	speed := s.pacing.ReadSpeedMin
	if s.pacing.ReadSpeedMax > s.pacing.ReadSpeedMin {
		speed += s.rng.Intn(s.pacing.ReadSpeedMax - s.pacing.ReadSpeedMin + 1)
	}
	if speed <= 0 {
		speed = 1
	}
	d := time.Duration(chars) * time.Second / time.Duration(speed)
	if m.HasImage() {
		d += s.randDurationLocked(s.pacing.ImageReadMin.Std(), s.pacing.ImageReadMax.Std())
	}
	return d
}

func (s *Scheduler) randDurationLocked(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}
