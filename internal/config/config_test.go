package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	restore := SetDataDirForTest(t.TempDir())
	defer restore()
	Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Collector.BatchSize)
	assert.Equal(t, 5, cfg.Collector.MaxAttempts)
	assert.Equal(t, 5, cfg.Sync.DebounceSecs)
	assert.Equal(t, 24, cfg.Sync.WatermarkTTLHours)
	assert.Equal(t, 30, cfg.Sync.LockStaleSecs)
	assert.Equal(t, "127.0.0.1:8430", cfg.Web.Listen)
	assert.Equal(t, "info", cfg.Logs.Level)
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	restore := SetDataDirForTest(dir)
	defer restore()
	Reset()

	content := `
[collector]
url = "https://collector.example.com"
token = "secret"
batch_size = 10

[proxy]
upstream = "https://api.anthropic.com"
placeholder = "relay-placeholder-key"

[proxy.inject_headers]
x-api-key = "sk-real-key"

[sync]
debounce_secs = 2

[agents.claude]
config_dir = "~/.claude-work"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://collector.example.com", cfg.Collector.URL)
	assert.Equal(t, "secret", cfg.Collector.Token)
	assert.Equal(t, 10, cfg.Collector.BatchSize)
	assert.Equal(t, "https://api.anthropic.com", cfg.Proxy.Upstream)
	assert.Equal(t, "sk-real-key", cfg.Proxy.InjectHeaders["x-api-key"])
	assert.Equal(t, 2, cfg.Sync.DebounceSecs)
	assert.Equal(t, "~/.claude-work", cfg.Agents["claude"].ConfigDir)
	// Unset values still get defaults
	assert.Equal(t, 5, cfg.Collector.MaxAttempts)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	restore := SetDataDirForTest(dir)
	defer restore()
	Reset()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("not [valid"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandTilde("~/x"))
	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, "/abs/path", ExpandTilde("/abs/path"))
	// Traversal out of home is rejected
	assert.Equal(t, "~/../../etc/passwd", ExpandTilde("~/../../etc/passwd"))
}
