package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/locum-sh/locum/internal/backend"
	"github.com/locum-sh/locum/internal/chat"
	"github.com/locum-sh/locum/internal/store"
)

func TestSwapBindsSessionAndRebuildsCatalog(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{
		Participants: []string{"Ana", "Me"},
		Messages:     []chat.Message{msg("m1", "Ana", "hi"), selfMsg("m2", "hey")},
	})

	r.machine.HandleConversationChange(context.Background(), "s1")

	if got := r.machine.CurrentSessionID(); got != "s1" {
		t.Errorf("CurrentSessionID = %q", got)
	}
	if !r.machine.CatalogReady() {
		t.Error("catalog should be ready after the swap")
	}
	if r.status.Swapping() {
		t.Error("swap guard should be down")
	}
	if got := r.machine.LastMessageID("s1"); got != "m2" {
		t.Errorf("LastMessageID = %q, want m2", got)
	}
	if got := r.machine.Recent(10); len(got) != 2 {
		t.Errorf("Recent = %d messages, want 2", len(got))
	}
}

func TestSwapRetriesWhileHostRenders(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{
		Messages: []chat.Message{msg("m1", "Ana", "hi")},
	})
	r.host.parseFails["s1"] = 2

	r.machine.HandleConversationChange(context.Background(), "s1")

	if !r.machine.CatalogReady() {
		t.Error("swap should survive transient parse failures")
	}
}

func TestSwapLoadsPersistedMode(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}

	r.machine.HandleConversationChange(context.Background(), "s1")

	if got := r.machine.CurrentMode(); got != store.ModeActive {
		t.Errorf("CurrentMode = %q, want active", got)
	}
}

func TestResumeRepliesToMissedMessage(t *testing.T) {
	r := newTestRig(t)
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	if err := r.store.SetMarker("s1", store.Marker{ID: "m1", Content: "hi", Sender: "Ana"}); err != nil {
		t.Fatal(err)
	}
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hi"),
		msg("m2", "Ana", "are you around?"),
	}})
	r.backend.script(&backend.Result{Content: strPtr("here now")}, nil)

	r.machine.HandleConversationChange(context.Background(), "s1")

	if !waitFor(t, 2*time.Second, func() bool { return len(r.host.sentMessages()) == 1 }) {
		t.Fatal("missed message should produce a reply")
	}
	if got := r.host.sentMessages()[0]; got != "here now" {
		t.Errorf("sent = %q", got)
	}
}

func TestResumeSkipsAlreadyAnsweredBatch(t *testing.T) {
	r := newTestRig(t)
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	if err := r.store.SetMarker("s1", store.Marker{ID: "m1", Content: "hi", Sender: "Ana"}); err != nil {
		t.Fatal(err)
	}
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hi"),
		msg("m2", "Ana", "question?"),
		assistantMsg("m3", "answer"),
	}})

	r.machine.HandleConversationChange(context.Background(), "s1")

	time.Sleep(100 * time.Millisecond)
	if n := len(r.host.sentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0 (batch already answered)", n)
	}
}

func TestResumeUnlocatableMarkerTreatsHistoryAsSeen(t *testing.T) {
	r := newTestRig(t)
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	if err := r.store.SetMarker("s1", store.Marker{ID: "gone", Content: "gone", Sender: "X"}); err != nil {
		t.Fatal(err)
	}
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hello there"),
	}})

	r.machine.HandleConversationChange(context.Background(), "s1")

	time.Sleep(100 * time.Millisecond)
	if n := len(r.host.sentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0 with an unlocatable marker", n)
	}
}

func TestDeferredDeliveredWhenConversationUnmoved(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hi"),
	}})
	r.cell.Put(DeferredResult{
		OriginSessionID:     "s1",
		OriginLastMessageID: "m1",
		Content:             strPtr("held reply"),
	})

	r.machine.HandleConversationChange(context.Background(), "s1")

	if sent := r.host.sentMessages(); len(sent) != 1 || sent[0] != "held reply" {
		t.Fatalf("sent = %v, want the deferred reply", sent)
	}
	if !r.cell.Empty() {
		t.Error("cell should be consumed")
	}
}

func TestDeferredDroppedWhenConversationMovedOn(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hi"),
		msg("m2", "Ana", "never mind"),
	}})
	r.cell.Put(DeferredResult{
		OriginSessionID:     "s1",
		OriginLastMessageID: "m1",
		Content:             strPtr("stale reply"),
	})

	r.machine.HandleConversationChange(context.Background(), "s1")

	if n := len(r.host.sentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0 (conversation moved on)", n)
	}
	if !r.cell.Empty() {
		t.Error("stale deferred result should still be consumed")
	}
}

func TestForegroundMessageActiveModeReplies(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")
	r.backend.script(&backend.Result{Content: strPtr("sure")}, nil)

	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: msg("m1", "Ana", "can you help?"),
	})

	if !waitFor(t, 2*time.Second, func() bool { return len(r.host.sentMessages()) == 1 }) {
		t.Fatal("active mode should reply to a non-self message")
	}
}

func TestForegroundMessageAvailableModeNeedsMention(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeAvailable); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")

	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: msg("m1", "Ana", "anyone there?"),
	})
	time.Sleep(50 * time.Millisecond)
	if len(r.host.sentMessages()) != 0 {
		t.Fatal("available mode must ignore messages without a mention")
	}

	r.backend.script(&backend.Result{Content: strPtr("yes?")}, nil)
	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: msg("m2", "Ana", "Nova, you there?"),
	})
	if !waitFor(t, 2*time.Second, func() bool { return len(r.host.sentMessages()) == 1 }) {
		t.Fatal("available mode should reply when addressed by name")
	}
}

func TestForegroundMessageIgnoresOwnAndStale(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")

	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: selfMsg("m1", "my own message"),
	})
	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: assistantMsg("m2", "earlier reply"),
	})
	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "other", Message: msg("m3", "Ana", "wrong session"),
	})

	time.Sleep(50 * time.Millisecond)
	if len(r.host.sentMessages()) != 0 {
		t.Error("own, assistant, and stale-session messages must not trigger")
	}
}

func TestForegroundMessageDedupedByID(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")
	r.backend.script(&backend.Result{Content: strPtr("once")}, nil)

	ev := chat.MessageEvent{SessionID: "s1", Message: msg("m1", "Ana", "hello")}
	r.machine.OnForegroundMessage(ev)
	r.machine.OnForegroundMessage(ev)

	waitFor(t, 2*time.Second, func() bool { return len(r.host.sentMessages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(r.host.sentMessages()); n != 1 {
		t.Errorf("sent %d replies for a duplicated event, want 1", n)
	}
}

func TestSetModeValidation(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	if err := r.machine.SetMode(ctx, "s1", store.ModeUninitialized); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("uninitialized: err = %v, want ErrInvalidMode", err)
	}
	if err := r.machine.SetMode(ctx, "s1", store.Mode("sleepy")); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("unknown: err = %v, want ErrInvalidMode", err)
	}

	r.configured.Store(false)
	if err := r.machine.SetMode(ctx, "s1", store.ModeActive); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured: err = %v, want ErrNotConfigured", err)
	}
	if got := r.machine.GetMode("s1"); got != store.ModeUninitialized {
		t.Errorf("GetMode = %q, want uninitialized while unconfigured", got)
	}
}

func TestUnconfiguredSessionStaysSilent(t *testing.T) {
	r := newTestRig(t)
	r.configured.Store(false)
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	if err := r.store.SetMarker("s1", store.Marker{ID: "m1", Content: "hi", Sender: "Ana"}); err != nil {
		t.Fatal(err)
	}
	r.host.setTranscript("s1", &chat.Transcript{Messages: []chat.Message{
		msg("m1", "Ana", "hi"),
		msg("m2", "Ana", "still there?"),
	}})

	r.machine.HandleConversationChange(context.Background(), "s1")

	if got := r.machine.CurrentMode(); got != store.ModeUninitialized {
		t.Errorf("CurrentMode = %q, want uninitialized without credentials", got)
	}

	r.machine.OnForegroundMessage(chat.MessageEvent{
		SessionID: "s1", Message: msg("m3", "Ana", "hello?"),
	})

	time.Sleep(50 * time.Millisecond)
	if n := r.backend.callCount(); n != 0 {
		t.Errorf("backend called %d times, want 0 while unconfigured", n)
	}
	if n := len(r.host.sentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0 while unconfigured", n)
	}
	// The persisted mode is dormant, not clobbered.
	if got := r.store.Get("s1").Mode; got != store.ModeActive {
		t.Errorf("persisted mode = %q, want active preserved", got)
	}
}

func TestSetModePersistsForNonForegroundSession(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	r.machine.HandleConversationChange(context.Background(), "s1")

	if err := r.machine.SetMode(context.Background(), "s2", store.ModeActive); err != nil {
		t.Fatal(err)
	}

	if got := r.store.Get("s2").Mode; got != store.ModeActive {
		t.Errorf("persisted mode = %q, want active", got)
	}
	// No entry effects for a background session.
	if r.host.transientCount() != 0 || r.backend.callCount() != 0 {
		t.Error("mode change on a background session must have no entry effects")
	}
}

func TestSetModeActiveRunsActivation(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	r.machine.HandleConversationChange(context.Background(), "s1")
	r.backend.script(&backend.Result{Content: strPtr("hello everyone")}, nil)

	if err := r.machine.SetMode(context.Background(), "s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(r.host.sentMessages()) == 1 }) {
		t.Fatal("activation should greet the conversation")
	}
	if got := r.host.sentMessages()[0]; got != "hello everyone" {
		t.Errorf("greeting = %q", got)
	}
	if got := r.machine.CurrentMode(); got != store.ModeActive {
		t.Errorf("CurrentMode = %q", got)
	}
}

func TestSetModeDeactivatedCancelsAndNotices(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")

	if err := r.machine.SetMode(context.Background(), "s1", store.ModeDeactivated); err != nil {
		t.Fatal(err)
	}

	if r.host.transientCount() != 1 {
		t.Errorf("transient notices = %d, want 1", r.host.transientCount())
	}
	if r.status.Pending() {
		t.Error("pending work should be cancelled")
	}
	if got := r.machine.CurrentMode(); got != store.ModeDeactivated {
		t.Errorf("CurrentMode = %q", got)
	}
}

func TestSetModeSelfLoopIsNoOp(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeAvailable); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")

	if err := r.machine.SetMode(context.Background(), "s1", store.ModeAvailable); err != nil {
		t.Fatal(err)
	}
	if r.host.transientCount() != 0 {
		t.Error("self-loop mode change must have no entry effects")
	}
}

func TestForceDeactivateEmitsNoNotice(t *testing.T) {
	r := newTestRig(t)
	r.host.setTranscript("s1", &chat.Transcript{})
	if err := r.store.SetMode("s1", store.ModeActive); err != nil {
		t.Fatal(err)
	}
	r.machine.HandleConversationChange(context.Background(), "s1")

	r.machine.ForceDeactivate("s1")

	if got := r.store.Get("s1").Mode; got != store.ModeDeactivated {
		t.Errorf("persisted mode = %q, want deactivated", got)
	}
	if got := r.machine.CurrentMode(); got != store.ModeDeactivated {
		t.Errorf("CurrentMode = %q, want deactivated", got)
	}
	if r.host.transientCount() != 0 || r.host.persistentCount() != 0 {
		t.Error("forced deactivation must not emit its own notice")
	}
}
