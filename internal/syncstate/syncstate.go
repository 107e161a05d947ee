// Package syncstate owns the durable per-session sync record: the dedup
// guard, prompt-attachment bookkeeping, delivery totals, and the spool
// of deltas awaiting sync. Every mutation is saved with a temp-file +
// rename so a crash never leaves a half-written document.
package syncstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
)

var stateLog = logging.ForComponent(logging.CompState)

// DefaultMaxAttempts is how many sync attempts a record gets before it
// is left failed terminally.
const DefaultMaxAttempts = 5

// State is the durable sync record for one session.
type State struct {
	SessionID       string    `json:"session_id"`
	LastLine        int64     `json:"last_line"`
	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`

	Status metric.SessionStatus `json:"status"`

	// ProcessedRecordIDs is the dedup guard: append-only, a record id
	// present here is never re-emitted, even across process restarts.
	ProcessedRecordIDs map[string]bool `json:"processed_record_ids"`

	// AttachedPrompts tracks prompt texts already attached to a delta
	// so each prompt is surfaced exactly once.
	AttachedPrompts map[string]bool `json:"attached_prompts,omitempty"`

	LastSyncedRecordID string            `json:"last_synced_record_id,omitempty"`
	LastSyncAt         time.Time         `json:"last_sync_at,omitempty"`
	Totals             metric.SyncTotals `json:"totals"`
}

// NewState creates a fresh state for a session.
func NewState(sessionID string) *State {
	return &State{
		SessionID:          sessionID,
		Status:             metric.StatusActive,
		ProcessedRecordIDs: make(map[string]bool),
		AttachedPrompts:    make(map[string]bool),
	}
}

// Has reports whether a record id is in the dedup guard. Satisfies the
// read-only set the adapters filter through.
func (s *State) Has(recordID string) bool {
	return s.ProcessedRecordIDs[recordID]
}

// HasPrompt reports whether a prompt text was already attached.
func (s *State) HasPrompt(text string) bool {
	return s.AttachedPrompts[text]
}

// Manager persists sync state and the pending-delta spool, one document
// of each per session id.
type Manager struct {
	dir         string
	maxAttempts int
}

// NewManager creates a sync state manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, maxAttempts: DefaultMaxAttempts}
}

// NewManagerWithMaxAttempts creates a manager with a custom attempt cap.
func NewManagerWithMaxAttempts(dir string, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{dir: dir, maxAttempts: maxAttempts}
}

func (m *Manager) statePath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".json")
}

func (m *Manager) spoolPath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".deltas.json")
}

// Load returns the state for sessionID, or a fresh one when no document
// exists. A corrupt document is logged and replaced with a fresh state:
// losing the dedup guard only risks duplicate work upstream, while
// refusing to load would stall extraction entirely.
func (m *Manager) Load(sessionID string) (*State, error) {
	data, err := os.ReadFile(m.statePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(sessionID), nil
		}
		return nil, fmt.Errorf("read sync state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		stateLog.Warn("sync_state_corrupt",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return NewState(sessionID), nil
	}
	if st.ProcessedRecordIDs == nil {
		st.ProcessedRecordIDs = make(map[string]bool)
	}
	if st.AttachedPrompts == nil {
		st.AttachedPrompts = make(map[string]bool)
	}
	return &st, nil
}

// Save writes the state document atomically.
func (m *Manager) Save(st *State) error {
	return m.writeJSON(m.statePath(st.SessionID), st)
}

// Admit is the authoritative check-then-add step: each delta's record
// id is checked against the dedup guard and added in the same logical
// step, the admitted deltas are appended to the pending spool, and both
// documents are saved before anything is returned. The spool append is
// itself idempotent by record id, so a crash anywhere between
// extraction and sync cannot cause a record to be both unsynced and
// re-extracted as new, nor spooled twice.
func (m *Manager) Admit(st *State, deltas []metric.Delta) ([]metric.Delta, error) {
	var admitted []metric.Delta
	for _, d := range deltas {
		if d.RecordID == "" || st.ProcessedRecordIDs[d.RecordID] {
			stateLog.Debug("delta_rejected_duplicate",
				slog.String("session", st.SessionID),
				slog.String("record", d.RecordID),
			)
			continue
		}
		st.ProcessedRecordIDs[d.RecordID] = true
		d.SessionID = st.SessionID
		d.SyncStatus = metric.SyncPending
		admitted = append(admitted, d)
	}
	if len(admitted) == 0 {
		return nil, nil
	}

	st.Totals.Created += len(admitted)
	st.LastProcessedAt = time.Now()

	pending, err := m.Pending(st.SessionID)
	if err != nil {
		return nil, err
	}
	// The spool append skips ids already spooled. A crash after the
	// spool write but before the state save loses the in-memory guard
	// additions, and the next pass re-admits the same records; without
	// this check the spool would hold two copies and one sync cycle
	// would deliver the record twice.
	spooled := make(map[string]bool, len(pending))
	for _, d := range pending {
		spooled[d.RecordID] = true
	}
	for _, d := range admitted {
		if !spooled[d.RecordID] {
			pending = append(pending, d)
		}
	}
	if err := m.writeJSON(m.spoolPath(st.SessionID), pending); err != nil {
		return nil, err
	}
	if err := m.Save(st); err != nil {
		return nil, err
	}
	return admitted, nil
}

// Pending returns the spooled deltas not yet delivered.
func (m *Manager) Pending(sessionID string) ([]metric.Delta, error) {
	data, err := os.ReadFile(m.spoolPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read delta spool: %w", err)
	}

	var deltas []metric.Delta
	if err := json.Unmarshal(data, &deltas); err != nil {
		stateLog.Warn("delta_spool_corrupt",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return deltas, nil
}

// MarkSynced removes delivered records from the spool and updates the
// delivery bookkeeping.
func (m *Manager) MarkSynced(st *State, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	synced := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		synced[id] = true
	}

	pending, err := m.Pending(st.SessionID)
	if err != nil {
		return err
	}
	remaining := pending[:0]
	for _, d := range pending {
		if !synced[d.RecordID] {
			remaining = append(remaining, d)
		}
	}
	if err := m.writeJSON(m.spoolPath(st.SessionID), remaining); err != nil {
		return err
	}

	st.Totals.Synced += len(recordIDs)
	st.LastSyncedRecordID = recordIDs[len(recordIDs)-1]
	st.LastSyncAt = time.Now()
	return m.Save(st)
}

// MarkFailed increments the attempt counter for a failed record and
// records the error. Records stay pending for the next sync cycle until
// they exceed the attempt cap, at which point they are dropped from the
// spool and counted as terminally failed.
func (m *Manager) MarkFailed(st *State, recordID, syncErr string) error {
	pending, err := m.Pending(st.SessionID)
	if err != nil {
		return err
	}

	terminal := false
	remaining := pending[:0]
	for i := range pending {
		d := pending[i]
		if d.RecordID == recordID {
			d.SyncStatus = metric.SyncFailed
			d.SyncAttempts++
			d.LastSyncError = syncErr
			if d.SyncAttempts >= m.maxAttempts {
				terminal = true
				continue
			}
		}
		remaining = append(remaining, d)
	}
	if err := m.writeJSON(m.spoolPath(st.SessionID), remaining); err != nil {
		return err
	}

	if terminal {
		st.Totals.Failed++
		stateLog.Warn("delta_failed_terminally",
			slog.String("session", st.SessionID),
			slog.String("record", recordID),
			slog.Int("attempts", m.maxAttempts),
			slog.String("error", syncErr),
		)
		return m.Save(st)
	}
	return nil
}

// MarkTerminal drops a record from the spool immediately: the collector
// rejected it in a way retrying cannot fix.
func (m *Manager) MarkTerminal(st *State, recordID, syncErr string) error {
	pending, err := m.Pending(st.SessionID)
	if err != nil {
		return err
	}

	found := false
	remaining := pending[:0]
	for _, d := range pending {
		if d.RecordID == recordID {
			found = true
			continue
		}
		remaining = append(remaining, d)
	}
	if !found {
		return nil
	}
	if err := m.writeJSON(m.spoolPath(st.SessionID), remaining); err != nil {
		return err
	}

	st.Totals.Failed++
	stateLog.Warn("delta_rejected_terminally",
		slog.String("session", st.SessionID),
		slog.String("record", recordID),
		slog.String("error", syncErr),
	)
	return m.Save(st)
}

// AttachPrompt records a prompt text as attached so it is never
// attached again. The caller saves via Admit or Save.
func (s *State) AttachPrompt(text string) {
	s.AttachedPrompts[text] = true
}

// Delete removes both documents for a session.
func (m *Manager) Delete(sessionID string) error {
	for _, path := range []string{m.statePath(sessionID), m.spoolPath(sessionID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (m *Manager) writeJSON(path string, v any) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create syncstate dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
