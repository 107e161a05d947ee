package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/lockfile"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/syncstate"
)

func testConfig(dataDir string) *config.Config {
	cfg := &config.Config{
		Agents: map[string]config.AgentSettings{
			"claude": {ConfigDir: filepath.Join(dataDir, "claude")},
		},
	}
	cfg.Collector.BatchSize = 50
	cfg.Collector.MaxAttempts = 5
	cfg.Collector.RatePerSec = 100
	cfg.Sync.DebounceSecs = 1
	cfg.Sync.PollSecs = 1
	cfg.Sync.WatermarkTTLHours = 24
	cfg.Sync.LockStaleSecs = 30
	return cfg
}

func testEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	dataDir := t.TempDir()
	restore := config.SetDataDirForTest(dataDir)
	t.Cleanup(restore)

	cfg := testConfig(dataDir)
	if mutate != nil {
		mutate(cfg)
	}

	db, err := statedb.Open(config.RegistryPath())
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	return New(cfg, db)
}

func assistantLine(uuid, ts string, in, out int) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"%s","timestamp":"%s","message":{"role":"assistant","model":"claude-sonnet-4-20250514","usage":{"input_tokens":%d,"output_tokens":%d},"content":[{"type":"text","text":"ok"}]}}`, uuid, ts, in, out)
}

func writeSessionFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// matchedSession starts a session and pins its correlation to a local
// session file, bypassing the retry schedule.
func matchedSession(t *testing.T, e *Engine, filePath string) *metric.Session {
	t.Helper()
	sess, err := e.StartSession("claude", filepath.Dir(filePath))
	require.NoError(t, err)
	sess.Correlation = metric.CorrelationResult{
		Status:         metric.CorrelationMatched,
		FilePath:       filePath,
		AgentSessionID: "11111111-2222-3333-4444-555555555555",
		MatchedAt:      time.Now(),
	}
	require.NoError(t, e.Sessions().Save(sess))
	return sess
}

func TestStartSessionUnknownAgent(t *testing.T) {
	e := testEngine(t, nil)
	_, err := e.StartSession("cursor", "/tmp")
	assert.Error(t, err)
}

func TestExtractOnceIsIdempotent(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
		assistantLine("aaaa0002-0000-0000-0000-000000000000", "2026-08-29T10:00:10Z", 20, 8),
	)
	sess := matchedSession(t, e, path)

	n, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unchanged file: nothing new
	n, err = e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Totals.Created)
	assert.NotEmpty(t, cur.Watermark.FileKey)

	pending, err := syncstate.NewManager(config.SyncStateDir()).Pending(sess.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", pending[0].AgentSessionID)
}

func TestExtractOncePicksUpAppendedLines(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	n, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(assistantLine("aaaa0002-0000-0000-0000-000000000000", "2026-08-29T10:00:10Z", 20, 8) + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExtractOnceSkipsWhenLocked(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	other := lockfile.NewManager(config.SessionsDir())
	acquired, err := other.Acquire(sess.ID)
	require.NoError(t, err)
	require.True(t, acquired)
	defer other.Release(sess.ID)

	_, err = e.ExtractOnce(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestExtractOnceNoCorrelationIsNoop(t *testing.T) {
	e := testEngine(t, nil)
	sess, err := e.StartSession("claude", t.TempDir())
	require.NoError(t, err)

	n, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExtractOnceSyncsWhenCollectorConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := testEngine(t, func(cfg *config.Config) {
		cfg.Collector.URL = srv.URL
	})
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
		assistantLine("aaaa0002-0000-0000-0000-000000000000", "2026-08-29T10:00:10Z", 20, 8),
	)
	sess := matchedSession(t, e, path)

	n, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, err := syncstate.NewManager(config.SyncStateDir()).Pending(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "synced deltas leave the spool")

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Totals.Synced)
}

func TestSyncSessionTerminalRejectionDropsRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e := testEngine(t, func(cfg *config.Config) {
		cfg.Collector.URL = srv.URL
	})
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	_, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)

	pending, err := syncstate.NewManager(config.SyncStateDir()).Pending(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "terminally rejected records leave the spool")

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Totals.Failed)
	assert.Equal(t, 0, cur.Totals.Synced)
}

func TestSyncSessionTransientFailureKeepsRecordsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := testEngine(t, func(cfg *config.Config) {
		cfg.Collector.URL = srv.URL
	})
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	_, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)

	pending, err := syncstate.NewManager(config.SyncStateDir()).Pending(sess.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "transient failures stay spooled for the next cycle")
}

func TestEndSessionMarksCompleted(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	require.NoError(t, e.EndSession(context.Background(), sess.ID, true))

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, metric.StatusCompleted, cur.Status)
	assert.False(t, cur.EndedAt.IsZero())
	assert.False(t, cur.Monitoring.Active)
	assert.Equal(t, 1, cur.Totals.Created, "final extraction ran")
}

func TestEndSessionAbnormalExitWithoutMetricsIsFailed(t *testing.T) {
	e := testEngine(t, nil)
	sess, err := e.StartSession("claude", t.TempDir())
	require.NoError(t, err)

	require.NoError(t, e.EndSession(context.Background(), sess.ID, false))

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, metric.StatusFailed, cur.Status)
}

func TestRecoverOrphans(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	n := e.RecoverOrphans(context.Background())
	assert.Equal(t, 1, n)

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, metric.StatusRecovered, cur.Status)
	assert.False(t, cur.EndedAt.IsZero())
	assert.Equal(t, 1, cur.Totals.Created, "extraction resumed from durable state")

	// Already-recovered sessions are not reprocessed
	assert.Equal(t, 0, e.RecoverOrphans(context.Background()))
}

func TestRecoverOrphansSkipsHeldLocks(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	other := lockfile.NewManager(config.SessionsDir())
	acquired, err := other.Acquire(sess.ID)
	require.NoError(t, err)
	require.True(t, acquired)
	defer other.Release(sess.ID)

	assert.Equal(t, 0, e.RecoverOrphans(context.Background()))

	cur, err := e.Sessions().Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, metric.StatusActive, cur.Status, "owned session left alone")
}

func TestSubscribeReceivesDeltaEvents(t *testing.T) {
	e := testEngine(t, nil)
	path := filepath.Join(t.TempDir(), "11111111-2222-3333-4444-555555555555.jsonl")
	writeSessionFile(t, path,
		assistantLine("aaaa0001-0000-0000-0000-000000000000", "2026-08-29T10:00:00Z", 10, 5),
	)
	sess := matchedSession(t, e, path)

	events, cancel := e.Subscribe()
	defer cancel()

	_, err := e.ExtractOnce(context.Background(), sess.ID)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventDelta, ev.Type)
		assert.Equal(t, sess.ID, ev.SessionID)
		assert.Equal(t, 1, ev.Deltas)
	case <-time.After(time.Second):
		t.Fatal("expected a delta event")
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := newBus()
	ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < 200; i++ {
		b.publish(Event{Type: EventProxy})
	}
	// Channel buffer is 64; the rest were dropped, not blocked on
	assert.Len(t, ch, 64)
}
