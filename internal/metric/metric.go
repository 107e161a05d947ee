// Package metric defines the data model shared by the extraction,
// correlation, and sync layers: per-record deltas and the per-session
// aggregate that survives process restarts.
package metric

import (
	"time"
)

// SyncStatus tracks a delta's progress toward the remote collector.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// SessionStatus is the lifecycle state of a tracked session.
type SessionStatus string

const (
	// StatusActive means the assistant process is (believed to be) running.
	StatusActive SessionStatus = "active"

	// StatusCompleted means the assistant exited and teardown ran.
	StatusCompleted SessionStatus = "completed"

	// StatusRecovered means the session file was found after a crash and
	// extraction resumed from durable state.
	StatusRecovered SessionStatus = "recovered"

	// StatusFailed means correlation exhausted its retries or the
	// assistant exited abnormally before any metrics were captured.
	StatusFailed SessionStatus = "failed"
)

// CorrelationStatus is the state of matching a CLI session to its
// assistant-native session file.
type CorrelationStatus string

const (
	CorrelationPending CorrelationStatus = "pending"
	CorrelationMatched CorrelationStatus = "matched"
	CorrelationFailed  CorrelationStatus = "failed"
)

// CorrelationResult records the outcome of session-file correlation.
// Mutated on each retry attempt, frozen once matched or exhausted.
type CorrelationResult struct {
	Status         CorrelationStatus `json:"status"`
	FilePath       string            `json:"file_path,omitempty"`
	AgentSessionID string            `json:"agent_session_id,omitempty"`
	MatchedAt      time.Time         `json:"matched_at,omitempty"`
	Retries        int               `json:"retries"`
}

// TokenUsage holds incremental token counts for one delta.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
}

// Total returns the sum of all token categories.
func (t TokenUsage) Total() int64 {
	return t.Input + t.Output + t.CacheCreation + t.CacheRead
}

// Add accumulates another usage into this one.
func (t *TokenUsage) Add(o TokenUsage) {
	t.Input += o.Input
	t.Output += o.Output
	t.CacheCreation += o.CacheCreation
	t.CacheRead += o.CacheRead
}

// ToolOutcome counts successful and failed invocations of one tool.
type ToolOutcome struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// FileOp describes a file operation inferred from tool arguments.
type FileOp struct {
	Type          string        `json:"type"` // read, write, edit
	Path          string        `json:"path"`
	Language      string        `json:"language,omitempty"`
	LinesAdded    int           `json:"lines_added,omitempty"`
	LinesRemoved  int           `json:"lines_removed,omitempty"`
	LinesModified int           `json:"lines_modified,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// Delta is one incremental unit of usage data derived from new session
// file content since the last watermark. Immutable once created except
// for the sync-status fields.
type Delta struct {
	// RecordID is derived from an assistant-native unique message or
	// turn identifier and is the deduplication key.
	RecordID       string `json:"record_id"`
	SessionID      string `json:"session_id"`
	AgentSessionID string `json:"agent_session_id,omitempty"`

	Timestamp    time.Time              `json:"timestamp"`
	Tokens       TokenUsage             `json:"tokens"`
	ToolCalls    map[string]int         `json:"tool_calls,omitempty"`
	ToolOutcomes map[string]ToolOutcome `json:"tool_outcomes,omitempty"`
	FileOps      []FileOp               `json:"file_ops,omitempty"`
	Models       []string               `json:"models,omitempty"`
	APIError     string                 `json:"api_error,omitempty"`
	UserPrompt   string                 `json:"user_prompt,omitempty"`

	SyncStatus    SyncStatus `json:"sync_status"`
	SyncedAt      time.Time  `json:"synced_at,omitempty"`
	SyncAttempts  int        `json:"sync_attempts"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
}

// MonitoringState tracks the change monitor's view of a session file.
type MonitoringState struct {
	Active      bool      `json:"active"`
	LastCheck   time.Time `json:"last_check,omitempty"`
	ChangeCount int       `json:"change_count"`
}

// WatermarkRef points at the watermark document for the matched file.
type WatermarkRef struct {
	FileKey string `json:"file_key,omitempty"`
	Type    string `json:"type,omitempty"`
}

// SyncTotals summarizes delivery progress for display and teardown
// reporting. The authoritative per-record state lives in the sync state
// document, not here.
type SyncTotals struct {
	Created int `json:"created"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Session is the aggregate root for one assistant run. Persisted to a
// per-session JSON file which is the single recoverable source of truth
// after a crash.
type Session struct {
	ID       string `json:"id"` // CLI-assigned
	Agent    string `json:"agent"`
	Provider string `json:"provider,omitempty"`
	Project  string `json:"project,omitempty"`
	WorkDir  string `json:"work_dir"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Status      SessionStatus     `json:"status"`
	Correlation CorrelationResult `json:"correlation"`
	Monitoring  MonitoringState   `json:"monitoring"`
	Watermark   WatermarkRef      `json:"watermark"`
	Totals      SyncTotals        `json:"totals"`
}

// Live reports whether the session is still being tracked.
func (s *Session) Live() bool {
	return s.Status == StatusActive || s.Status == StatusRecovered
}
