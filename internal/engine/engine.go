// Package engine orchestrates the per-session lifecycle: start, proxy
// wiring, correlation, change-driven extraction, remote sync, and
// teardown. Every mutation of durable session state flows through here
// under the per-session lock, and every failure degrades metrics
// fidelity only — nothing propagates to the assistant process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-relay/internal/agent"
	"github.com/asheshgoplani/agent-relay/internal/collector"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/correlate"
	"github.com/asheshgoplani/agent-relay/internal/extract"
	"github.com/asheshgoplani/agent-relay/internal/lockfile"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/syncstate"
	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

var engLog = logging.ForComponent(logging.CompEngine)

// ErrLocked means another process holds the session lock; the caller
// should skip this pass rather than wait.
var ErrLocked = errors.New("session locked by another process")

// Engine wires the per-session components together.
type Engine struct {
	cfg        *config.Config
	sessions   *metric.SessionStore
	syncs      *syncstate.Manager
	locks      *lockfile.Manager
	watermarks *watermark.Store
	registry   *statedb.StateDB
	remote     *collector.Client
	bus        *bus
}

// New creates an engine rooted at the configured data directory. The
// registry connection is shared with the caller (CLI, web server) and
// stays open for the engine's lifetime. A collector client is only
// created when a collector URL is configured; without one, deltas
// accumulate in the spool.
func New(cfg *config.Config, registry *statedb.StateDB) *Engine {
	e := &Engine{
		cfg:      cfg,
		sessions: metric.NewSessionStore(config.SessionsDir()),
		syncs:    syncstate.NewManagerWithMaxAttempts(config.SyncStateDir(), cfg.Collector.MaxAttempts),
		locks: lockfile.NewManagerWithStaleness(
			config.SessionsDir(), time.Duration(cfg.Sync.LockStaleSecs)*time.Second),
		watermarks: watermark.NewStoreWithTTL(
			config.WatermarksDir(), time.Duration(cfg.Sync.WatermarkTTLHours)*time.Hour),
		registry: registry,
		bus:      newBus(),
	}
	if cfg.Collector.URL != "" {
		e.remote = collector.NewClient(collector.Options{
			URL:        cfg.Collector.URL,
			Token:      cfg.Collector.Token,
			BatchSize:  cfg.Collector.BatchSize,
			RatePerSec: cfg.Collector.RatePerSec,
		})
	}
	return e
}

// Subscribe returns a channel of engine events and a cancel func.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.subscribe()
}

// Sessions exposes the session store for read-only surfaces.
func (e *Engine) Sessions() *metric.SessionStore {
	return e.sessions
}

func (e *Engine) adapterFor(agentName string) (agent.Adapter, error) {
	return agent.New(agentName, e.cfg.Agents[agentName].ConfigDir)
}

// StartSession creates a new tracked session and persists it.
func (e *Engine) StartSession(agentName, workDir string) (*metric.Session, error) {
	if _, err := e.adapterFor(agentName); err != nil {
		return nil, err
	}

	sess := &metric.Session{
		ID:          uuid.NewString(),
		Agent:       agentName,
		WorkDir:     workDir,
		StartedAt:   time.Now(),
		Status:      metric.StatusActive,
		Correlation: metric.CorrelationResult{Status: metric.CorrelationPending},
	}
	if err := e.saveSession(sess); err != nil {
		return nil, err
	}

	engLog.Info("session_started",
		slog.String("session", sess.ID),
		slog.String("agent", agentName),
		slog.String("work_dir", workDir),
	)
	e.bus.publish(Event{Type: EventSession, SessionID: sess.ID, Agent: agentName, Status: string(sess.Status)})
	return sess, nil
}

// CorrelateSession matches the session to its assistant-written file
// and persists the result. A failed correlation is recorded, not
// returned as an error: the session continues without metrics.
func (e *Engine) CorrelateSession(ctx context.Context, sess *metric.Session) error {
	adapter, err := e.adapterFor(sess.Agent)
	if err != nil {
		return err
	}

	sess.Correlation = correlate.New(adapter).Correlate(ctx, sess.WorkDir, sess.StartedAt)
	if sess.Correlation.Status == metric.CorrelationMatched {
		sess.Monitoring.Active = true
	}
	return e.saveSession(sess)
}

// ExtractOnce runs one lock-guarded extraction pass for the session and
// returns how many new deltas were admitted. Returns ErrLocked when
// another process holds the session lock. A session without a matched
// file is a no-op.
func (e *Engine) ExtractOnce(ctx context.Context, sessionID string) (int, error) {
	var admitted int
	acquired, err := e.locks.WithLock(sessionID, func() error {
		n, err := e.extractLocked(sessionID)
		admitted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, ErrLocked
	}

	if admitted > 0 {
		e.bus.publish(Event{Type: EventDelta, SessionID: sessionID, Deltas: admitted})
		if e.remote != nil {
			if _, _, err := e.SyncSession(ctx, sessionID); err != nil {
				engLog.Warn("post_extract_sync_failed",
					slog.String("session", sessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return admitted, nil
}

func (e *Engine) extractLocked(sessionID string) (int, error) {
	sess, err := e.sessions.Load(sessionID)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		return 0, fmt.Errorf("unknown session %s", sessionID)
	}
	if sess.Correlation.Status != metric.CorrelationMatched || sess.Correlation.FilePath == "" {
		return 0, nil
	}

	adapter, err := e.adapterFor(sess.Agent)
	if err != nil {
		return 0, err
	}
	st, err := e.syncs.Load(sessionID)
	if err != nil {
		return 0, err
	}

	ex := extract.New(adapter, e.watermarks)
	res, err := ex.Extract(sess.Correlation.FilePath, st)
	if err != nil {
		return 0, err
	}

	for i := range res.Deltas {
		res.Deltas[i].AgentSessionID = sess.Correlation.AgentSessionID
	}
	admitted, err := e.syncs.Admit(st, res.Deltas)
	if err != nil {
		return 0, err
	}

	// Watermark advances only after the admitted deltas are durable;
	// a crash in between re-reads and the dedup guard drops the copies.
	if res.Watermark != nil && res.Watermark.Type == watermark.TypeLine {
		st.LastLine = res.Watermark.Line
	}
	if err := e.syncs.Save(st); err != nil {
		return 0, err
	}
	if err := ex.Commit(res); err != nil {
		engLog.Warn("watermark_commit_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}

	sess.Monitoring.LastCheck = time.Now()
	if len(admitted) > 0 {
		sess.Monitoring.ChangeCount++
	}
	sess.Watermark = metric.WatermarkRef{FileKey: res.FileKey, Type: string(adapter.WatermarkType())}
	sess.Totals = st.Totals
	if err := e.saveSession(sess); err != nil {
		return 0, err
	}
	return len(admitted), nil
}

// SyncSession delivers the session's pending deltas to the collector
// and returns (synced, failed) counts. A nil collector client makes
// this a no-op; records that fail transiently stay spooled for the
// next cycle.
func (e *Engine) SyncSession(ctx context.Context, sessionID string) (int, int, error) {
	if e.remote == nil {
		return 0, 0, nil
	}

	var synced, failed int
	acquired, err := e.locks.WithLock(sessionID, func() error {
		st, err := e.syncs.Load(sessionID)
		if err != nil {
			return err
		}
		pending, err := e.syncs.Pending(sessionID)
		if err != nil || len(pending) == 0 {
			return err
		}

		var delivered []string
		for _, r := range e.remote.SendDeltas(ctx, pending) {
			switch r.Outcome {
			case collector.OutcomeSuccess:
				delivered = append(delivered, r.RecordID)
			case collector.OutcomeTerminal:
				failed++
				if err := e.syncs.MarkTerminal(st, r.RecordID, r.Err); err != nil {
					return err
				}
			case collector.OutcomeTransient:
				if err := e.syncs.MarkFailed(st, r.RecordID, r.Err); err != nil {
					return err
				}
			}
		}
		if err := e.syncs.MarkSynced(st, delivered); err != nil {
			return err
		}
		synced = len(delivered)

		sess, err := e.sessions.Load(sessionID)
		if err != nil || sess == nil {
			return err
		}
		sess.Totals = st.Totals
		return e.saveSession(sess)
	})
	if err != nil {
		return 0, 0, err
	}
	if !acquired {
		return 0, 0, ErrLocked
	}
	return synced, failed, nil
}

// EndSession runs the final extraction and sync, marks the session
// finished, and reports the summary to the collector. Sync and summary
// delivery are best-effort: teardown never blocks on the network.
func (e *Engine) EndSession(ctx context.Context, sessionID string, exitedCleanly bool) error {
	if _, err := e.ExtractOnce(ctx, sessionID); err != nil && !errors.Is(err, ErrLocked) {
		engLog.Warn("final_extract_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if _, _, err := e.SyncSession(ctx, sessionID); err != nil && !errors.Is(err, ErrLocked) {
		engLog.Warn("final_sync_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}

	sess, err := e.sessions.Load(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	sess.EndedAt = time.Now()
	sess.Monitoring.Active = false
	if exitedCleanly || sess.Totals.Created > 0 {
		sess.Status = metric.StatusCompleted
	} else {
		sess.Status = metric.StatusFailed
	}
	if err := e.saveSession(sess); err != nil {
		return err
	}

	if e.remote != nil {
		if err := e.remote.SendSessionSummary(ctx, sess); err != nil {
			engLog.Warn("session_summary_failed",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	engLog.Info("session_ended",
		slog.String("session", sessionID),
		slog.String("status", string(sess.Status)),
		slog.Int("deltas_created", sess.Totals.Created),
		slog.Int("deltas_synced", sess.Totals.Synced),
	)
	e.bus.publish(Event{Type: EventSession, SessionID: sessionID, Agent: sess.Agent, Status: string(sess.Status)})
	return nil
}

// RecoverOrphans finishes sessions left active by a crashed process:
// one final extraction and sync from durable state, then the session is
// marked recovered. Sessions whose lock is held by a live process are
// left alone. Returns how many sessions were recovered.
func (e *Engine) RecoverOrphans(ctx context.Context) int {
	live, err := e.sessions.Live()
	if err != nil {
		engLog.Warn("recovery_scan_failed", slog.String("error", err.Error()))
		return 0
	}

	recovered := 0
	for _, sess := range live {
		if sess.Status != metric.StatusActive || !sess.EndedAt.IsZero() {
			continue
		}
		if _, err := e.ExtractOnce(ctx, sess.ID); err != nil {
			if errors.Is(err, ErrLocked) {
				continue // another relay owns it
			}
			engLog.Warn("recovery_extract_failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()),
			)
		}
		if _, _, err := e.SyncSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrLocked) {
			engLog.Warn("recovery_sync_failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()),
			)
		}

		cur, err := e.sessions.Load(sess.ID)
		if err != nil || cur == nil {
			continue
		}
		cur.Status = metric.StatusRecovered
		cur.EndedAt = time.Now()
		cur.Monitoring.Active = false
		if err := e.saveSession(cur); err != nil {
			engLog.Warn("recovery_save_failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
		engLog.Info("session_recovered", slog.String("session", sess.ID))
	}
	return recovered
}

// saveSession persists the session document and mirrors it into the
// registry index.
func (e *Engine) saveSession(sess *metric.Session) error {
	if err := e.sessions.Save(sess); err != nil {
		return err
	}
	if e.registry != nil {
		if err := e.registry.UpsertSession(sess); err != nil {
			engLog.Warn("registry_upsert_failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
