package metric

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SessionStore persists one Session document per session id.
// All writes go through a temp file + rename so a crash mid-write never
// leaves a half-written document for the next load.
type SessionStore struct {
	dir string
}

// NewSessionStore creates a session store rooted at dir.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

func (s *SessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load reads the session document for sessionID. Returns (nil, nil)
// when no document exists.
func (s *SessionStore) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// Save writes the session document atomically.
func (s *SessionStore) Save(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	path := s.path(sess.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write session temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// Delete removes the session document. Missing documents are not an error.
func (s *SessionStore) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all stored sessions sorted by start time, newest first.
// Unreadable documents are skipped.
func (s *SessionStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil || sess == nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Live returns the sessions still marked active or recovered.
func (s *SessionStore) Live() ([]*Session, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var live []*Session
	for _, sess := range all {
		if sess.Live() {
			live = append(live, sess)
		}
	}
	return live, nil
}
