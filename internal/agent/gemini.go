package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

var geminiLog = logging.ForComponent(logging.CompExtract)

// Gemini reads Gemini CLI session files: whole-document JSON under
// ~/.gemini/tmp/<project-hash>/chats/session-*.json. The CLI rewrites
// the entire file on every turn, so progress is tracked with a content
// hash watermark and each pass re-parses the full document.
type Gemini struct {
	configDir string
}

// NewGemini creates the Gemini adapter. configDir overrides the config
// location; empty falls back to ~/.gemini.
func NewGemini(configDir string) *Gemini {
	return &Gemini{configDir: configDir}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) WatermarkType() watermark.Type { return watermark.TypeHash }

// ConfigDir resolves the effective Gemini config directory.
func (g *Gemini) ConfigDir() string {
	if g.configDir != "" {
		return g.configDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gemini")
}

// projectHash derives Gemini's per-project directory name. Symlinks are
// resolved first (on macOS /tmp is a symlink to /private/tmp and the
// CLI hashes the resolved path).
func projectHash(workDir string) string {
	realPath, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		realPath = workDir
	}
	sum := sha256.Sum256([]byte(realPath))
	return hex.EncodeToString(sum[:])
}

func (g *Gemini) SessionDirs(workDir string) ([]string, error) {
	return []string{filepath.Join(g.ConfigDir(), "tmp", projectHash(workDir), "chats")}, nil
}

func (g *Gemini) MatchesSessionPattern(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "session-") && strings.HasSuffix(base, ".json")
}

// geminiSession is the whole-document session file shape. Field names
// are camelCase in the file.
type geminiSession struct {
	SessionID   string          `json:"sessionId"`
	StartTime   string          `json:"startTime"`
	LastUpdated string          `json:"lastUpdated"`
	Messages    []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"` // "user" or "gemini"
	Model     string `json:"model,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Tokens    struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
		Cached int64 `json:"cached"`
	} `json:"tokens"`
}

func (g *Gemini) ExtractSessionID(path string) (string, error) {
	session, err := g.readSession(path)
	if err != nil {
		return "", err
	}
	if session.SessionID == "" {
		return "", fmt.Errorf("session file has no sessionId: %s", filepath.Base(path))
	}
	return session.SessionID, nil
}

func (g *Gemini) readSession(path string) (*geminiSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var session geminiSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &session, nil
}

// geminiTime parses the CLI's timestamps, which sometimes carry
// milliseconds in a non-RFC3339 layout.
func geminiTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02T15:04:05.999Z", s)
	return t
}

func (g *Gemini) ParseIncremental(path string, wm *watermark.Watermark, dedup StringSet) (*ParseResult, error) {
	hash, err := watermark.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash session file: %w", err)
	}
	if wm != nil && wm.Hash == hash {
		return &ParseResult{Watermark: &watermark.Watermark{Type: watermark.TypeHash, Hash: hash}}, nil
	}

	// Whole-file rewrite format: re-parse everything, let dedup filter
	// out records already emitted in earlier passes.
	session, err := g.readSession(path)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{}
	fallbackTS := geminiTime(session.LastUpdated)

	for i, msg := range session.Messages {
		ts := geminiTime(msg.Timestamp)
		if ts.IsZero() {
			ts = fallbackTS
		}

		switch msg.Type {
		case "user":
			if p := strings.TrimSpace(msg.Content); p != "" {
				result.Prompts = append(result.Prompts, Prompt{Text: p, Timestamp: ts})
			}
		case "gemini":
			recordID := msg.ID
			if recordID == "" {
				// The message array is append-only within a session, so
				// the index is a stable identifier.
				recordID = fmt.Sprintf("%s:%d", session.SessionID, i)
			}
			if dedup != nil && dedup.Has(recordID) {
				continue
			}
			delta := metric.Delta{
				RecordID:       recordID,
				AgentSessionID: session.SessionID,
				Timestamp:      ts,
				Tokens: metric.TokenUsage{
					Input:     msg.Tokens.Input,
					Output:    msg.Tokens.Output,
					CacheRead: msg.Tokens.Cached,
				},
				SyncStatus: metric.SyncPending,
			}
			if msg.Model != "" {
				delta.Models = []string{msg.Model}
			}
			result.Deltas = append(result.Deltas, delta)
		default:
			geminiLog.Debug("skip_message_type",
				slog.String("file", filepath.Base(path)),
				slog.String("type", msg.Type),
			)
		}
	}

	result.Watermark = &watermark.Watermark{Type: watermark.TypeHash, Hash: hash}
	return result, nil
}

func (g *Gemini) UserPrompts(path string, from, to time.Time) ([]Prompt, error) {
	result, err := g.ParseIncremental(path, nil, nil)
	if err != nil {
		return nil, err
	}

	var prompts []Prompt
	for _, p := range result.Prompts {
		if promptInRange(p.Timestamp, from, to) {
			prompts = append(prompts, p)
		}
	}
	return prompts, nil
}
