package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

var codexLog = logging.ForComponent(logging.CompExtract)

// codexRolloutRegex matches rollout file names and captures the session
// uuid suffix: rollout-2026-08-29T10-00-00-<uuid>.jsonl
var codexRolloutRegex = regexp.MustCompile(`^rollout-.*-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\.jsonl$`)

// Codex reads Codex CLI rollout logs: JSONL files under
// ~/.codex/sessions/YYYY/MM/DD/. Records carry stable item ids but
// the CLI may compact or reorder them, so progress is tracked with an
// object-id-set watermark rather than a line offset.
type Codex struct {
	configDir string
}

// NewCodex creates the Codex adapter. configDir overrides the config
// location; empty falls back to ~/.codex.
func NewCodex(configDir string) *Codex {
	return &Codex{configDir: configDir}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) WatermarkType() watermark.Type { return watermark.TypeObjectSet }

// ConfigDir resolves the effective Codex config directory.
func (c *Codex) ConfigDir() string {
	if c.configDir != "" {
		return c.configDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".codex")
}

// SessionDirs returns today's and yesterday's date directories; a
// session spawned just before midnight lands in the earlier one. Codex
// does not partition sessions by working directory.
func (c *Codex) SessionDirs(string) ([]string, error) {
	root := filepath.Join(c.ConfigDir(), "sessions")
	now := time.Now()
	today := now.Format("2006/01/02")
	yesterday := now.AddDate(0, 0, -1).Format("2006/01/02")
	return []string{
		filepath.Join(root, filepath.FromSlash(today)),
		filepath.Join(root, filepath.FromSlash(yesterday)),
	}, nil
}

func (c *Codex) MatchesSessionPattern(path string) bool {
	return codexRolloutRegex.MatchString(filepath.Base(path))
}

func (c *Codex) ExtractSessionID(path string) (string, error) {
	m := codexRolloutRegex.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", fmt.Errorf("not a codex rollout file: %s", filepath.Base(path))
	}
	return m[1], nil
}

// codexEntry is one line of a rollout file: an envelope with a payload
// whose shape depends on the payload type.
type codexEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // response_item, event_msg, session_meta
	Payload   struct {
		Type    string `json:"type"` // message, function_call, function_call_output, token_count
		ID      string `json:"id,omitempty"`
		Role    string `json:"role,omitempty"`
		Model   string `json:"model,omitempty"`
		Name    string `json:"name,omitempty"`
		CallID  string `json:"call_id,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
		Output struct {
			Success *bool `json:"success,omitempty"`
		} `json:"output,omitempty"`
		Info struct {
			LastTokenUsage struct {
				InputTokens       int64 `json:"input_tokens"`
				CachedInputTokens int64 `json:"cached_input_tokens"`
				OutputTokens      int64 `json:"output_tokens"`
			} `json:"last_token_usage"`
		} `json:"info,omitempty"`
	} `json:"payload"`
}

func (c *Codex) ParseIncremental(path string, wm *watermark.Watermark, dedup StringSet) (*ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rollout file: %w", err)
	}
	defer file.Close()

	seen := make(map[string]bool)
	if wm != nil {
		for _, id := range wm.ObjectIDs {
			seen[id] = true
		}
	}

	sessionID, _ := c.ExtractSessionID(path)
	result := &ParseResult{}
	toolUses := make(map[string]toolUseRef)
	var newIDs []string
	var parsedOK, parseErrs int64

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry codexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			parseErrs++
			codexLog.Warn("skip_malformed_record",
				slog.String("file", filepath.Base(path)),
				slog.Int("line", lineNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		parsedOK++

		id := entry.Payload.ID
		if id == "" && entry.Payload.CallID != "" {
			id = entry.Payload.CallID + ":" + entry.Payload.Type
		}
		if id == "" && entry.Payload.Type == "token_count" {
			// Usage events carry no item id; the timestamp is unique
			// within a rollout file.
			id = "tc:" + entry.Timestamp.Format(time.RFC3339Nano)
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		newIDs = append(newIDs, id)

		c.applyEntry(&entry, id, sessionID, result, toolUses, dedup)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rollout file: %w", err)
	}
	if parseErrs > 0 && parsedOK == 0 {
		return nil, fmt.Errorf("no parsable records in %s", filepath.Base(path))
	}

	ids := newIDs
	if wm != nil {
		ids = append(append([]string{}, wm.ObjectIDs...), newIDs...)
	}
	result.Watermark = &watermark.Watermark{Type: watermark.TypeObjectSet, ObjectIDs: ids}
	return result, nil
}

func (c *Codex) applyEntry(entry *codexEntry, id, sessionID string, result *ParseResult, toolUses map[string]toolUseRef, dedup StringSet) {
	switch entry.Payload.Type {
	case "message":
		text := codexText(entry)
		switch entry.Payload.Role {
		case "user":
			if p := strings.TrimSpace(text); p != "" {
				result.Prompts = append(result.Prompts, Prompt{Text: p, Timestamp: entry.Timestamp})
			}
		case "assistant":
			if dedup != nil && dedup.Has(id) {
				return
			}
			delta := metric.Delta{
				RecordID:       id,
				AgentSessionID: sessionID,
				Timestamp:      entry.Timestamp,
				SyncStatus:     metric.SyncPending,
			}
			if entry.Payload.Model != "" {
				delta.Models = []string{entry.Payload.Model}
			}
			result.Deltas = append(result.Deltas, delta)
		}

	case "function_call":
		if entry.Payload.Name == "" || (dedup != nil && dedup.Has(id)) {
			return
		}
		delta := metric.Delta{
			RecordID:       id,
			AgentSessionID: sessionID,
			Timestamp:      entry.Timestamp,
			ToolCalls:      map[string]int{entry.Payload.Name: 1},
			SyncStatus:     metric.SyncPending,
		}
		if entry.Payload.CallID != "" {
			toolUses[entry.Payload.CallID] = toolUseRef{deltaIndex: len(result.Deltas), toolName: entry.Payload.Name}
		}
		result.Deltas = append(result.Deltas, delta)

	case "function_call_output":
		ref, ok := toolUses[entry.Payload.CallID]
		if !ok || ref.deltaIndex >= len(result.Deltas) {
			return
		}
		delta := &result.Deltas[ref.deltaIndex]
		if delta.ToolOutcomes == nil {
			delta.ToolOutcomes = make(map[string]metric.ToolOutcome)
		}
		outcome := delta.ToolOutcomes[ref.toolName]
		if entry.Payload.Output.Success != nil && !*entry.Payload.Output.Success {
			outcome.Failure++
		} else {
			outcome.Success++
		}
		delta.ToolOutcomes[ref.toolName] = outcome

	case "token_count":
		usage := entry.Payload.Info.LastTokenUsage
		if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.CachedInputTokens == 0 {
			return
		}
		tokens := metric.TokenUsage{
			Input:     usage.InputTokens,
			Output:    usage.OutputTokens,
			CacheRead: usage.CachedInputTokens,
		}
		// Fold usage into the most recent assistant delta of this pass;
		// usage events have no model turn of their own.
		if n := len(result.Deltas); n > 0 {
			result.Deltas[n-1].Tokens.Add(tokens)
			return
		}
		if dedup != nil && dedup.Has(id) {
			return
		}
		result.Deltas = append(result.Deltas, metric.Delta{
			RecordID:       id,
			AgentSessionID: sessionID,
			Timestamp:      entry.Timestamp,
			Tokens:         tokens,
			SyncStatus:     metric.SyncPending,
		})
	}
}

func codexText(entry *codexEntry) string {
	var parts []string
	for _, block := range entry.Payload.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Codex) UserPrompts(path string, from, to time.Time) ([]Prompt, error) {
	result, err := c.ParseIncremental(path, nil, nil)
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
