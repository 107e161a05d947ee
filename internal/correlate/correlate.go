// Package correlate matches a CLI session to the assistant's
// independently generated session file. The assistant decides its own
// file name and creates the file at its own pace, so matching is a
// retry loop over the assistant's session directories: find the newest
// file matching the assistant's pattern that appeared at or after
// spawn time.
package correlate

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/agent"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
)

var corrLog = logging.ForComponent(logging.CompCorrelate)

// DefaultSchedule is the backoff between retries. With the immediate
// first attempt this bounds correlation at roughly 15.5 seconds.
var DefaultSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// DefaultClockSkew tolerates session files stamped slightly before the
// recorded spawn time, which happens when the assistant creates its
// file during its own startup.
const DefaultClockSkew = 2 * time.Second

// Correlator finds the assistant session file for a CLI session.
type Correlator struct {
	adapter  agent.Adapter
	schedule []time.Duration
	skew     time.Duration
}

// New creates a correlator with the default schedule and skew.
func New(adapter agent.Adapter) *Correlator {
	return &Correlator{adapter: adapter, schedule: DefaultSchedule, skew: DefaultClockSkew}
}

// NewWithSchedule creates a correlator with a custom retry schedule and
// clock-skew tolerance.
func NewWithSchedule(adapter agent.Adapter, schedule []time.Duration, skew time.Duration) *Correlator {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Correlator{adapter: adapter, schedule: schedule, skew: skew}
}

// Correlate attempts immediately, then retries on the backoff schedule.
// The result is matched or failed; a failed correlation is never fatal
// to the calling session, which proceeds without metrics. Cancelling
// ctx ends the loop early with the current (failed) result.
func (c *Correlator) Correlate(ctx context.Context, workDir string, spawnedAt time.Time) metric.CorrelationResult {
	result := metric.CorrelationResult{Status: metric.CorrelationPending}
	cutoff := spawnedAt.Add(-c.skew)

	for attempt := 0; ; attempt++ {
		if path := c.scanOnce(workDir, cutoff); path != "" {
			id, err := c.adapter.ExtractSessionID(path)
			if err != nil {
				corrLog.Warn("session_id_extract_failed",
					slog.String("file", path),
					slog.String("error", err.Error()),
				)
			} else {
				result.Status = metric.CorrelationMatched
				result.FilePath = path
				result.AgentSessionID = id
				result.MatchedAt = time.Now()
				corrLog.Info("session_correlated",
					slog.String("agent", c.adapter.Name()),
					slog.String("file", filepath.Base(path)),
					slog.Int("retries", result.Retries),
				)
				return result
			}
		}

		if attempt >= len(c.schedule) {
			result.Status = metric.CorrelationFailed
			corrLog.Warn("correlation_exhausted",
				slog.String("agent", c.adapter.Name()),
				slog.String("work_dir", workDir),
				slog.Int("retries", result.Retries),
			)
			return result
		}

		timer := time.NewTimer(c.schedule[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Status = metric.CorrelationFailed
			return result
		case <-timer.C:
		}
		result.Retries++
	}
}

// scanOnce re-scans the session directories and returns the newest
// candidate modified at or after the cutoff, or empty. Ties within the
// skew window resolve to the most recently modified file.
func (c *Correlator) scanOnce(workDir string, cutoff time.Time) string {
	dirs, err := c.adapter.SessionDirs(workDir)
	if err != nil {
		corrLog.Warn("session_dirs_failed", slog.String("error", err.Error()))
		return ""
	}

	var newest string
	var newestTime time.Time
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // Directory may not exist until the assistant writes
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !c.adapter.MatchesSessionPattern(path) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			mtime := info.ModTime()
			if mtime.Before(cutoff) {
				continue
			}
			if mtime.After(newestTime) {
				newestTime = mtime
				newest = path
			}
		}
	}
	return newest
}
