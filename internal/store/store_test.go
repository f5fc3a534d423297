package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetUnknownSessionDefaults(t *testing.T) {
	s := newTestStore(t)

	st := s.Get("never-seen")
	if st.Mode != ModeDeactivated {
		t.Errorf("Mode = %q, want deactivated", st.Mode)
	}
	if st.SessionID != "never-seen" {
		t.Errorf("SessionID = %q, want never-seen", st.SessionID)
	}
	if st.Summary != "" || st.Customization != "" || st.LastProcessed != nil {
		t.Error("unknown session should have empty memory")
	}
}

func TestUpdatePersists(t *testing.T) {
	s := newTestStore(t)

	err := s.Update("sess-1", func(st *State) {
		st.Mode = ModeActive
		st.Summary = "talked about the weather"
		st.Profiles = map[string]string{"Ana": "likes hiking"}
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	st := s.Get("sess-1")
	if st.Mode != ModeActive {
		t.Errorf("Mode = %q, want active", st.Mode)
	}
	if st.Summary != "talked about the weather" {
		t.Errorf("Summary = %q", st.Summary)
	}
	if st.Profiles["Ana"] != "likes hiking" {
		t.Errorf("Profiles = %v", st.Profiles)
	}
	if st.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestSetModeAndMarker(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetMode("sess-1", ModeAvailable); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	marker := Marker{ID: "m42", Content: "see you there", Sender: "Bob"}
	if err := s.SetMarker("sess-1", marker); err != nil {
		t.Fatalf("SetMarker failed: %v", err)
	}

	st := s.Get("sess-1")
	if st.Mode != ModeAvailable {
		t.Errorf("Mode = %q, want available", st.Mode)
	}
	if st.LastProcessed == nil || *st.LastProcessed != marker {
		t.Errorf("LastProcessed = %+v, want %+v", st.LastProcessed, marker)
	}
}

func TestUnreadableStateDegradesToDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := os.MkdirAll(filepath.Join(dir, "sess-1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sess-1", stateFileName), []byte("{corrupt"), 0644); err != nil {
		t.Fatal(err)
	}

	st := s.Get("sess-1")
	if st.Mode != ModeDeactivated {
		t.Errorf("corrupt state should degrade to deactivated, got %q", st.Mode)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SetMode(id, ModeActive); err != nil {
			t.Fatal(err)
		}
	}

	states, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(states) != 3 {
		t.Errorf("List returned %d sessions, want 3", len(states))
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetMode("sess-1", ModeActive); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("sess-1") {
		t.Fatal("session should exist after SetMode")
	}

	if err := s.Purge("sess-1"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if s.Exists("sess-1") {
		t.Error("session should not exist after purge")
	}
	if err := s.Purge("sess-1"); err != ErrSessionNotFound {
		t.Errorf("second purge = %v, want ErrSessionNotFound", err)
	}
}

func TestPurgeOrphans(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"keep-1", "keep-2", "gone-1", "gone-2"} {
		if err := s.SetMode(id, ModeAvailable); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.PurgeOrphans([]string{"keep-1", "keep-2"})
	if err != nil {
		t.Fatalf("PurgeOrphans failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !s.Exists("keep-1") || !s.Exists("keep-2") {
		t.Error("known sessions were purged")
	}
	if s.Exists("gone-1") || s.Exists("gone-2") {
		t.Error("orphan sessions survived")
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	s.Close()

	if err := s.SetMode("x", ModeActive); err != ErrStoreClosed {
		t.Errorf("SetMode on closed store = %v, want ErrStoreClosed", err)
	}
	if st := s.Get("x"); st.Mode != ModeDeactivated {
		t.Errorf("Get on closed store should return defaults, got %q", st.Mode)
	}
}

func TestModeHelpers(t *testing.T) {
	if !ModeActive.Engaged() || !ModeAvailable.Engaged() {
		t.Error("active and available should be engaged")
	}
	if ModeDeactivated.Engaged() || ModeUninitialized.Engaged() {
		t.Error("deactivated and uninitialized should not be engaged")
	}
	if Mode("sleepy").Valid() {
		t.Error("unknown mode should not be valid")
	}
}
