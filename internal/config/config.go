package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for user preferences.
const ConfigFileName = "config.toml"

// Config represents user-facing configuration in TOML format.
type Config struct {
	// Collector defines the remote metrics collector settings
	Collector CollectorSettings `toml:"collector"`

	// Proxy defines the local auth-injecting proxy settings
	Proxy ProxySettings `toml:"proxy"`

	// Sync defines extraction and sync tuning knobs
	Sync SyncSettings `toml:"sync"`

	// Agents defines per-agent overrides (session storage locations etc.)
	Agents map[string]AgentSettings `toml:"agents"`

	// Web defines the local status server settings
	Web WebSettings `toml:"web"`

	// Logs defines logging settings
	Logs LogSettings `toml:"logs"`
}

// CollectorSettings defines the remote collector endpoint.
type CollectorSettings struct {
	// URL is the collector base URL (empty disables remote sync)
	URL string `toml:"url"`

	// Token is the bearer token sent with every batch
	Token string `toml:"token"`

	// BatchSize is the max records per upload (default: 50)
	BatchSize int `toml:"batch_size"`

	// MaxAttempts is the per-record attempt cap before a record is
	// marked terminally failed (default: 5)
	MaxAttempts int `toml:"max_attempts"`

	// RatePerSec limits upload requests per second (default: 2)
	RatePerSec float64 `toml:"rate_per_sec"`
}

// ProxySettings defines the local reverse proxy.
type ProxySettings struct {
	// Listen is the local listen address; empty picks an ephemeral port
	Listen string `toml:"listen"`

	// Upstream is the real API base URL requests are forwarded to
	Upstream string `toml:"upstream"`

	// Placeholder is the dummy credential the assistant is configured
	// with; requests carrying it get the real credentials injected
	Placeholder string `toml:"placeholder"`

	// InjectHeaders are headers substituted into forwarded requests
	InjectHeaders map[string]string `toml:"inject_headers"`

	// InjectCookies are cookies appended to forwarded requests
	InjectCookies map[string]string `toml:"inject_cookies"`
}

// SyncSettings defines extraction/sync tuning.
type SyncSettings struct {
	// DebounceSecs is the quiescence window before extraction (default: 5)
	DebounceSecs int `toml:"debounce_secs"`

	// PollSecs is the polling fallback interval (default: 5)
	PollSecs int `toml:"poll_secs"`

	// WatermarkTTLHours is the watermark expiry (default: 24)
	WatermarkTTLHours int `toml:"watermark_ttl_hours"`

	// LockStaleSecs is the lock staleness threshold (default: 30)
	LockStaleSecs int `toml:"lock_stale_secs"`
}

// AgentSettings defines per-agent overrides.
type AgentSettings struct {
	// ConfigDir overrides the agent's session storage root
	ConfigDir string `toml:"config_dir"`

	// Command overrides the binary/alias used by `agent-relay run`
	Command string `toml:"command"`
}

// WebSettings defines the local status server.
type WebSettings struct {
	// Listen is the status server address (default: 127.0.0.1:8430)
	Listen string `toml:"listen"`

	// Token, when set, is required as a bearer token on every request
	Token string `toml:"token"`
}

// LogSettings defines logging behavior.
type LogSettings struct {
	// Level is "debug", "info", "warn", or "error" (default: "info")
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// Debug enables file logging even without an explicit log dir
	Debug bool `toml:"debug"`

	// Pprof starts a pprof server on localhost:6060
	Pprof bool `toml:"pprof"`
}

var (
	cachedConfig *Config
	cacheMu      sync.RWMutex
)

// dataDirOverride allows tests to redirect the data directory.
var dataDirOverride string

// SetDataDirForTest overrides the data directory. Returns a restore func.
func SetDataDirForTest(dir string) func() {
	old := dataDirOverride
	dataDirOverride = dir
	return func() { dataDirOverride = old }
}

// DataDir returns the agent-relay data directory (~/.agent-relay).
// AGENTRELAY_HOME overrides the default location.
func DataDir() string {
	if dataDirOverride != "" {
		return dataDirOverride
	}
	if env := os.Getenv("AGENTRELAY_HOME"); env != "" {
		return ExpandTilde(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".agent-relay")
	}
	return filepath.Join(home, ".agent-relay")
}

// SessionsDir returns the per-session state directory.
func SessionsDir() string { return filepath.Join(DataDir(), "sessions") }

// SyncStateDir returns the sync-state directory.
func SyncStateDir() string { return filepath.Join(DataDir(), "syncstate") }

// WatermarksDir returns the watermark directory.
func WatermarksDir() string { return filepath.Join(DataDir(), "watermarks") }

// LogsDir returns the log directory.
func LogsDir() string { return filepath.Join(DataDir(), "logs") }

// RegistryPath returns the SQLite registry path.
func RegistryPath() string { return filepath.Join(DataDir(), "relay.db") }

// Load reads config.toml from the data directory (cached).
// A missing file yields defaults; a malformed file is an error.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cachedConfig != nil {
		cfg := cachedConfig
		cacheMu.RUnlock()
		return cfg, nil
	}
	cacheMu.RUnlock()

	cfg := defaults()
	path := filepath.Join(DataDir(), ConfigFileName)
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(cfg)

	cacheMu.Lock()
	cachedConfig = cfg
	cacheMu.Unlock()
	return cfg, nil
}

// Reset clears the config cache (used by tests after SetDataDirForTest).
func Reset() {
	cacheMu.Lock()
	cachedConfig = nil
	cacheMu.Unlock()
}

func defaults() *Config {
	return &Config{
		Agents: make(map[string]AgentSettings),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Collector.BatchSize <= 0 {
		cfg.Collector.BatchSize = 50
	}
	if cfg.Collector.MaxAttempts <= 0 {
		cfg.Collector.MaxAttempts = 5
	}
	if cfg.Collector.RatePerSec <= 0 {
		cfg.Collector.RatePerSec = 2
	}
	if cfg.Sync.DebounceSecs <= 0 {
		cfg.Sync.DebounceSecs = 5
	}
	if cfg.Sync.PollSecs <= 0 {
		cfg.Sync.PollSecs = 5
	}
	if cfg.Sync.WatermarkTTLHours <= 0 {
		cfg.Sync.WatermarkTTLHours = 24
	}
	if cfg.Sync.LockStaleSecs <= 0 {
		cfg.Sync.LockStaleSecs = 30
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8430"
	}
	if cfg.Logs.Level == "" {
		cfg.Logs.Level = "info"
	}
}

// ExpandTilde expands a leading ~ to the user's home directory, with
// path traversal protection.
func ExpandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded := filepath.Clean(filepath.Join(home, path[2:]))
			if strings.HasPrefix(expanded, home) {
				return expanded
			}
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}
