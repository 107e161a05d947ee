// Package agent provides per-assistant session file adapters. Each
// adapter knows where its assistant stores session files, how to
// recognize and identify them, and how to turn new file content into
// metric deltas. New assistants are added by implementing Adapter, not
// by branching on agent name in the engine.
package agent

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

// ErrUnknownAgent is returned for agent names with no registered adapter.
var ErrUnknownAgent = errors.New("unknown agent")

// StringSet is a read-only membership check, used for the dedup guard.
type StringSet interface {
	Has(string) bool
}

// Prompt is a user prompt found in a session file, to be attached to
// the nearest subsequent assistant delta.
type Prompt struct {
	Text      string
	Timestamp time.Time
}

// ParseResult is the output of one incremental parse pass.
type ParseResult struct {
	// Deltas are the new records since the watermark, already filtered
	// through the dedup set.
	Deltas []metric.Delta

	// Prompts are the user prompts seen in the parsed range, in file
	// order. Attachment bookkeeping is the extractor's job.
	Prompts []Prompt

	// Watermark is the new progress marker. Only valid when the pass
	// succeeded; a failed pass must not advance the stored watermark.
	Watermark *watermark.Watermark
}

// Adapter is the per-assistant session file contract.
type Adapter interface {
	// Name is the agent's registry name ("claude", "gemini", "codex").
	Name() string

	// WatermarkType selects the progress-tracking strategy for this
	// assistant's file format.
	WatermarkType() watermark.Type

	// SessionDirs returns the directories where this assistant stores
	// session files for the given working directory. Directories may
	// not exist yet when the assistant has not written anything.
	SessionDirs(workDir string) ([]string, error)

	// MatchesSessionPattern reports whether path looks like one of this
	// assistant's session files.
	MatchesSessionPattern(path string) bool

	// ExtractSessionID returns the assistant-native session id for a
	// matched file.
	ExtractSessionID(path string) (string, error)

	// ParseIncremental reads content past the watermark (nil means from
	// the beginning) and converts it to deltas, skipping record ids
	// already in dedup. Per-record parse errors are logged and skipped;
	// a fully unparsable file returns an error without a new watermark.
	ParseIncremental(path string, wm *watermark.Watermark, dedup StringSet) (*ParseResult, error)

	// UserPrompts returns the prompts in the file within [from, to].
	// Zero bounds mean unbounded.
	UserPrompts(path string, from, to time.Time) ([]Prompt, error)
}

// New returns the adapter for an agent name. configDir overrides the
// assistant's default config location; empty means default.
func New(name, configDir string) (Adapter, error) {
	switch name {
	case "claude":
		return NewClaude(configDir), nil
	case "gemini":
		return NewGemini(configDir), nil
	case "codex":
		return NewCodex(configDir), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}

// Names returns the registered agent names.
func Names() []string {
	return []string{"claude", "codex", "gemini"}
}

// promptInRange applies the optional [from, to] bounds.
func promptInRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

// langForPath maps a file extension to a language label for file ops.
func langForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".sh", ".bash":
		return "shell"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".sql":
		return "sql"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return ""
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
