package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDiscardWithoutLogDir(t *testing.T) {
	Init(Config{Debug: false})
	defer Shutdown()

	// Must not panic; logger is valid but writes go nowhere
	Logger().Info("dropped")
	ForComponent(CompProxy).Debug("also_dropped")
}

func TestInitWritesJSONToLogDir(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	ForComponent(CompExtract).Info("pass_complete", slog.Int("deltas", 3))

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)

	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "pass_complete", entry["msg"])
	assert.Equal(t, "extract", entry["component"])
	assert.EqualValues(t, 3, entry["deltas"])
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown() // Reset global state

	// Component loggers created before Init must pick up the real handler later
	early := ForComponent(CompMonitor)

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	early.Warn("late_bound")

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "late_bound")
	assert.Contains(t, string(data), `"component":"monitor"`)
}

func TestDumpRingBuffer(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true})
	defer Shutdown()

	Logger().Info("ring_entry")

	dumpPath := filepath.Join(dir, "crash.log")
	require.NoError(t, DumpRingBuffer(dumpPath))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ring_entry")
}

func TestAggregatorBatchesEvents(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "debug", Debug: true, AggregateIntervalSecs: 1})
	defer Shutdown()

	for i := 0; i < 50; i++ {
		Aggregate(CompProxy, "request_forwarded", slog.String("method", "POST"))
	}

	// Wait for at least one flush
	time.Sleep(1500 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "event_summary")
	assert.Contains(t, string(data), `"count":50`)
}
