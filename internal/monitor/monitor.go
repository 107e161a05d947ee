// Package monitor watches a matched session file for changes and
// invokes the extraction callback after a debounce window, so a burst
// of partial writes is processed once, after it settles. A polling
// fallback catches changes that native notifications miss.
package monitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var monLog = logging.ForComponent(logging.CompMonitor)

const (
	// DefaultDebounce is how long activity must settle before an
	// extraction pass runs.
	DefaultDebounce = 5 * time.Second

	// DefaultPollInterval is the mtime/size re-check cadence. Some
	// network filesystems drop inotify events entirely.
	DefaultPollInterval = 5 * time.Second
)

// Monitor watches one session file and debounces its change events
// into extraction callbacks. Only one callback runs at a time; events
// arriving mid-run queue exactly one follow-up pass.
type Monitor struct {
	path         string
	onChange     func()
	debounce     time.Duration
	pollInterval time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once

	changeCount atomic.Int64
	lastCheck   atomic.Int64 // unix nanos

	mu            sync.Mutex
	lastEvent     time.Time
	debounceTimer *time.Timer
	running       bool
	pending       bool

	pollMu       sync.Mutex
	lastPollSize int64
	lastPollMod  time.Time
}

// New creates a monitor for path. onChange is invoked after each
// settled burst of changes.
func New(path string, onChange func()) (*Monitor, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		path:         path,
		onChange:     onChange,
		debounce:     DefaultDebounce,
		pollInterval: DefaultPollInterval,
		watcher:      fsWatcher,
		stopCh:       make(chan struct{}),
	}, nil
}

// SetDebounce overrides the debounce window. Call before Start.
func (m *Monitor) SetDebounce(d time.Duration) {
	if d > 0 {
		m.debounce = d
	}
}

// SetPollInterval overrides the polling fallback cadence. Call before Start.
func (m *Monitor) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// Start begins watching. The watch is registered on the containing
// directory: editors and assistants replace files via rename, which a
// direct file watch silently loses.
func (m *Monitor) Start() error {
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	m.primePollState()

	go m.watchLoop()
	go m.pollLoop()
	return nil
}

// Stop ends watching. Safe to call more than once.
func (m *Monitor) Stop() error {
	var err error
	m.stopped.Do(func() {
		close(m.stopCh)
		err = m.watcher.Close()
	})
	return err
}

// ChangeCount returns the number of raw change signals observed.
func (m *Monitor) ChangeCount() int64 {
	return m.changeCount.Load()
}

// LastCheck returns when the monitor last looked at the file.
func (m *Monitor) LastCheck() time.Time {
	n := m.lastCheck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (m *Monitor) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			m.mu.Lock()
			if m.debounceTimer != nil {
				m.debounceTimer.Stop()
			}
			m.mu.Unlock()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.noteChange()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			monLog.Warn("watch_error",
				slog.String("file", filepath.Base(m.path)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// noteChange resets the debounce timer; the callback fires once the
// burst settles.
func (m *Monitor) noteChange() {
	m.changeCount.Add(1)
	m.lastCheck.Store(time.Now().UnixNano())
	logging.Aggregate(logging.CompMonitor, "change_signal",
		slog.String("file", filepath.Base(m.path)),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = time.Now()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		settled := time.Since(m.lastEvent) >= m.debounce
		m.mu.Unlock()
		if settled {
			m.dispatch()
		}
	})
}

// dispatch runs the callback with single-flight semantics: a trigger
// arriving mid-run queues exactly one follow-up pass instead of
// running concurrently or being dropped.
func (m *Monitor) dispatch() {
	m.mu.Lock()
	if m.running {
		m.pending = true
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go func() {
		for {
			m.onChange()

			m.mu.Lock()
			if m.pending {
				m.pending = false
				m.mu.Unlock()
				continue
			}
			m.running = false
			m.mu.Unlock()
			return
		}
	}()
}

func (m *Monitor) primePollState() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.pollMu.Lock()
	m.lastPollSize = info.Size()
	m.lastPollMod = info.ModTime()
	m.pollMu.Unlock()
}

func (m *Monitor) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.lastCheck.Store(time.Now().UnixNano())
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}

			m.pollMu.Lock()
			changed := info.Size() != m.lastPollSize || !info.ModTime().Equal(m.lastPollMod)
			m.lastPollSize = info.Size()
			m.lastPollMod = info.ModTime()
			m.pollMu.Unlock()

			if changed {
				monLog.Debug("poll_detected_change", slog.String("file", filepath.Base(m.path)))
				m.noteChange()
			}
		}
	}
}
