// Package store provides persisted per-session state for locum: operating
// mode and conversational memory (summary, style directive, participant
// notes, last-processed marker).
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/locum-sh/locum/internal/fileutil"
	"github.com/locum-sh/locum/internal/logging"
)

const stateFileName = "state.json"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
)

// Mode is a session's operating mode.
type Mode string

const (
	// ModeUninitialized means no assistant credentials are configured.
	// It is automatic, terminal until configuration completes, and not
	// user-selectable.
	ModeUninitialized Mode = "uninitialized"
	// ModeDeactivated is the initial mode for any session with no
	// persisted mode. The assistant never replies.
	ModeDeactivated Mode = "deactivated"
	// ModeAvailable replies only when addressed by name.
	ModeAvailable Mode = "available"
	// ModeActive replies to any non-self message.
	ModeActive Mode = "active"
)

// Valid returns true for a recognized mode value.
func (m Mode) Valid() bool {
	switch m {
	case ModeUninitialized, ModeDeactivated, ModeAvailable, ModeActive:
		return true
	}
	return false
}

// Engaged returns true when the mode permits replies.
func (m Mode) Engaged() bool {
	return m == ModeAvailable || m == ModeActive
}

// Marker records the last message locum processed in a session, kept with
// enough content to re-locate the position when host message IDs change
// while the session is unobserved.
type Marker struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// State is the persisted record for one session.
type State struct {
	SessionID     string            `json:"session_id"`
	Mode          Mode              `json:"mode"`
	Summary       string            `json:"summary,omitempty"`
	Customization string            `json:"customization,omitempty"`
	Profiles      map[string]string `json:"profiles,omitempty"`
	LastProcessed *Marker           `json:"last_processed,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// defaultState is the state assumed for a session with no (or unreadable)
// persisted record.
func defaultState(sessionID string) State {
	return State{
		SessionID: sessionID,
		Mode:      ModeDeactivated,
	}
}

// Store persists session state as one JSON file per session directory.
// It is safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewStore creates a session store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	log := logging.Store()
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	log.Debug("session store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

// sessionDir returns the directory path for a session.
func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) statePath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), stateFileName)
}

// Get returns the persisted state for a session. A missing or unreadable
// record degrades to defaults (mode Deactivated, empty memory); read
// failures are logged, never raised.
func (s *Store) Get(sessionID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return defaultState(sessionID)
	}

	var st State
	if err := fileutil.ReadJSON(s.statePath(sessionID), &st); err != nil {
		if !os.IsNotExist(err) {
			logging.Store().Warn("unreadable session state, using defaults",
				"session_id", sessionID, "error", err)
		}
		return defaultState(sessionID)
	}
	if !st.Mode.Valid() {
		st.Mode = ModeDeactivated
	}
	st.SessionID = sessionID
	return st
}

// Update applies fn to the session's state and persists the result
// atomically. The session directory is created on first write.
func (s *Store) Update(sessionID string, fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var st State
	if err := fileutil.ReadJSON(s.statePath(sessionID), &st); err != nil {
		if !os.IsNotExist(err) {
			logging.Store().Warn("unreadable session state, rewriting from defaults",
				"session_id", sessionID, "error", err)
		}
		st = defaultState(sessionID)
	}
	st.SessionID = sessionID

	fn(&st)
	st.UpdatedAt = time.Now()

	if err := os.MkdirAll(s.sessionDir(sessionID), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(s.statePath(sessionID), st, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	logging.Store().Debug("session state updated",
		"session_id", sessionID, "mode", st.Mode)
	return nil
}

// SetMode persists a mode change for a session.
func (s *Store) SetMode(sessionID string, mode Mode) error {
	return s.Update(sessionID, func(st *State) {
		st.Mode = mode
	})
}

// SetMarker persists the last-processed marker for a session.
func (s *Store) SetMarker(sessionID string, marker Marker) error {
	return s.Update(sessionID, func(st *State) {
		st.LastProcessed = &marker
	})
}

// List returns the persisted state for all known sessions.
func (s *Store) List() ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var states []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var st State
		if err := fileutil.ReadJSON(s.statePath(entry.Name()), &st); err != nil {
			continue
		}
		st.SessionID = entry.Name()
		if !st.Mode.Valid() {
			st.Mode = ModeDeactivated
		}
		states = append(states, st)
	}

	return states, nil
}

// Exists checks whether a session has a persisted record.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	_, err := os.Stat(s.statePath(sessionID))
	return err == nil
}

// Purge removes a session's persisted keys entirely.
func (s *Store) Purge(sessionID string) error {
	log := logging.Store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrSessionNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	log.Debug("session purged", "session_id", sessionID)
	return nil
}

// PurgeOrphans deletes persisted sessions that are no longer present in the
// host's session list. Returns the number of sessions removed.
func (s *Store) PurgeOrphans(known []string) (int, error) {
	log := logging.Store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	keep := make(map[string]bool, len(known))
	for _, id := range known {
		keep[id] = true
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read store directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			log.Warn("failed to purge orphan session",
				"session_id", entry.Name(), "error", err)
			continue
		}
		removed++
		log.Info("purged orphan session", "session_id", entry.Name())
	}

	return removed, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.Store().Debug("session store closed", "base_dir", s.baseDir)
	return nil
}
