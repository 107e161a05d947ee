package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var lockLog = logging.ForComponent(logging.CompLock)

// DefaultStaleAfter is how old a lock file may be before it is
// considered abandoned. Holders are short-lived hook processes that
// exit normally, so age by mtime is the signal, not a heartbeat.
const DefaultStaleAfter = 30 * time.Second

// Manager provides cross-process mutual exclusion via lock files.
// One lock file per session id, containing the holder's pid as text.
type Manager struct {
	dir        string
	staleAfter time.Duration
}

// NewManager creates a lock manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, staleAfter: DefaultStaleAfter}
}

// NewManagerWithStaleness creates a manager with a custom staleness threshold.
func NewManagerWithStaleness(dir string, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{dir: dir, staleAfter: staleAfter}
}

// lockPath returns the lock file path for a session id.
func (m *Manager) lockPath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".lock")
}

// Acquire attempts to take the lock for sessionID. Returns true on
// success, false when another live process holds it. A lock file older
// than the staleness threshold is treated as abandoned and stolen.
// Never blocks.
func (m *Manager) Acquire(sessionID string) (bool, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}

	path := m.lockPath(sessionID)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return false, fmt.Errorf("write lock file: %w", werr)
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("create lock file: %w", err)
		}

		// Lock exists: acquirable only if stale
		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue // Holder released between OpenFile and Stat; retry
			}
			return false, fmt.Errorf("stat lock file: %w", statErr)
		}
		if time.Since(info.ModTime()) < m.staleAfter {
			return false, nil
		}

		lockLog.Warn("stale_lock_stolen",
			slog.String("session", sessionID),
			slog.Int("holder_pid", m.holderPID(sessionID)),
			slog.Duration("age", time.Since(info.ModTime())),
		)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, fmt.Errorf("remove stale lock: %w", rmErr)
		}
		// Loop once more to recreate with O_EXCL; a racing process may
		// win the recreate, in which case we report contention.
	}
	return false, nil
}

// Release removes the lock file for sessionID. Removing an already
// absent lock is not an error.
func (m *Manager) Release(sessionID string) error {
	err := os.Remove(m.lockPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the session lock. Returns
// (false, nil) when the lock is contended — the caller skips this
// trigger and relies on the next one. Release runs even if fn panics.
func (m *Manager) WithLock(sessionID string, fn func() error) (bool, error) {
	acquired, err := m.Acquire(sessionID)
	if err != nil {
		return false, err
	}
	if !acquired {
		lockLog.Debug("lock_contended_skip", slog.String("session", sessionID))
		return false, nil
	}
	defer func() {
		if relErr := m.Release(sessionID); relErr != nil {
			lockLog.Warn("lock_release_failed",
				slog.String("session", sessionID),
				slog.String("error", relErr.Error()),
			)
		}
	}()
	return true, fn()
}

// holderPID reads the pid recorded in the lock file, or 0.
func (m *Manager) holderPID(sessionID string) int {
	data, err := os.ReadFile(m.lockPath(sessionID))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
