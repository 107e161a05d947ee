// Package statedb is the SQLite-backed session registry: a queryable
// index of tracked sessions and proxy activity. The per-session JSON
// documents remain the source of truth; the registry exists so the
// status surfaces (CLI listing, web API) don't scan and parse every
// document on each request.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/agent-relay/internal/metric"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for the session registry.
// Thread-safe for concurrent use from multiple goroutines within one
// process. Multiple OS processes can safely read/write via WAL mode +
// busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// SessionRow is a session summary row.
type SessionRow struct {
	ID             string
	Agent          string
	Provider       string
	Project        string
	WorkDir        string
	Status         string
	AgentSessionID string
	SessionFile    string
	StartedAt      time.Time
	EndedAt        time.Time
	DeltasCreated  int
	DeltasSynced   int
	DeltasFailed   int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and
// busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			agent            TEXT NOT NULL,
			provider         TEXT NOT NULL DEFAULT '',
			project          TEXT NOT NULL DEFAULT '',
			work_dir         TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'active',
			agent_session_id TEXT NOT NULL DEFAULT '',
			session_file     TEXT NOT NULL DEFAULT '',
			started_at       INTEGER NOT NULL,
			ended_at         INTEGER NOT NULL DEFAULT 0,
			deltas_created   INTEGER NOT NULL DEFAULT 0,
			deltas_synced    INTEGER NOT NULL DEFAULT 0,
			deltas_failed    INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create sessions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS proxy_activity (
			session_id    TEXT PRIMARY KEY,
			last_request  INTEGER NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create proxy_activity: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("statedb: commit migrate: %w", err)
	}
	return nil
}

// UpsertSession writes a session summary row from the aggregate.
func (s *StateDB) UpsertSession(sess *metric.Session) error {
	var endedAt int64
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions
			(id, agent, provider, project, work_dir, status, agent_session_id,
			 session_file, started_at, ended_at, deltas_created, deltas_synced, deltas_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status           = excluded.status,
			agent_session_id = excluded.agent_session_id,
			session_file     = excluded.session_file,
			ended_at         = excluded.ended_at,
			deltas_created   = excluded.deltas_created,
			deltas_synced    = excluded.deltas_synced,
			deltas_failed    = excluded.deltas_failed
	`,
		sess.ID, sess.Agent, sess.Provider, sess.Project, sess.WorkDir,
		string(sess.Status), sess.Correlation.AgentSessionID, sess.Correlation.FilePath,
		sess.StartedAt.Unix(), endedAt,
		sess.Totals.Created, sess.Totals.Synced, sess.Totals.Failed,
	)
	if err != nil {
		return fmt.Errorf("statedb: upsert session: %w", err)
	}
	return s.Touch()
}

// LoadSessions returns all registry rows, newest first.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT id, agent, provider, project, work_dir, status, agent_session_id,
		       session_file, started_at, ended_at, deltas_created, deltas_synced, deltas_failed
		FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRow
	for rows.Next() {
		var row SessionRow
		var startedAt, endedAt int64
		if err := rows.Scan(
			&row.ID, &row.Agent, &row.Provider, &row.Project, &row.WorkDir,
			&row.Status, &row.AgentSessionID, &row.SessionFile,
			&startedAt, &endedAt,
			&row.DeltasCreated, &row.DeltasSynced, &row.DeltasFailed,
		); err != nil {
			return nil, fmt.Errorf("statedb: scan session: %w", err)
		}
		row.StartedAt = time.Unix(startedAt, 0)
		if endedAt > 0 {
			row.EndedAt = time.Unix(endedAt, 0)
		}
		sessions = append(sessions, &row)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session row.
func (s *StateDB) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("statedb: delete session: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM proxy_activity WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("statedb: delete proxy activity: %w", err)
	}
	return s.Touch()
}

// RecordProxyActivity bumps the liveness row for a session. Called from
// the proxy event consumer; the correlator and status surfaces read it.
func (s *StateDB) RecordProxyActivity(sessionID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO proxy_activity (session_id, last_request, request_count)
		VALUES (?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			last_request  = excluded.last_request,
			request_count = request_count + 1
	`, sessionID, at.Unix())
	if err != nil {
		return fmt.Errorf("statedb: record proxy activity: %w", err)
	}
	return nil
}

// LastProxyActivity returns when the session last made an API request,
// and the total request count. Zero time means no activity recorded.
func (s *StateDB) LastProxyActivity(sessionID string) (time.Time, int, error) {
	var last int64
	var count int
	err := s.db.QueryRow(
		`SELECT last_request, request_count FROM proxy_activity WHERE session_id = ?`,
		sessionID,
	).Scan(&last, &count)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("statedb: last proxy activity: %w", err)
	}
	return time.Unix(last, 0), count, nil
}

// SetMeta stores a metadata key-value pair.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("statedb: set meta: %w", err)
	}
	return nil
}

// GetMeta retrieves a metadata value. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("statedb: get meta: %w", err)
	}
	return value, nil
}

// Touch updates the last_modified timestamp, signalling watchers that
// the registry changed.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixNano()))
}

// LastModified returns the last modification timestamp in unix nanos,
// or 0 when never touched.
func (s *StateDB) LastModified() (int64, error) {
	value, err := s.GetMeta("last_modified")
	if err != nil || value == "" {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("statedb: parse last_modified: %w", err)
	}
	return n, nil
}
