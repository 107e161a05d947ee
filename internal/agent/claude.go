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

var claudeLog = logging.ForComponent(logging.CompExtract)

// claudeDirNameRegex matches any character that is not alphanumeric or
// hyphen. Claude Code replaces all such characters with hyphens when it
// derives a project directory name from the working directory.
var claudeDirNameRegex = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// claudeSessionFileRegex matches UUID-named session files.
var claudeSessionFileRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jsonl$`)

// Claude reads Claude Code session logs: append-only JSONL files under
// $CLAUDE_CONFIG_DIR/projects/<project-dir>/<uuid>.jsonl, tracked with a
// line-offset watermark.
type Claude struct {
	configDir string
}

// NewClaude creates the Claude adapter. configDir overrides the config
// location; empty falls back to $CLAUDE_CONFIG_DIR then ~/.claude.
func NewClaude(configDir string) *Claude {
	return &Claude{configDir: configDir}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) WatermarkType() watermark.Type { return watermark.TypeLine }

// ConfigDir resolves the effective Claude config directory.
func (c *Claude) ConfigDir() string {
	if c.configDir != "" {
		return c.configDir
	}
	if envDir := os.Getenv("CLAUDE_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude")
}

// ProjectDirName converts a working directory to Claude's project
// directory naming format. Example: /Users/u/Code cloud/!Proj becomes
// -Users-u-Code-cloud--Proj.
func ProjectDirName(workDir string) string {
	return claudeDirNameRegex.ReplaceAllString(workDir, "-")
}

func (c *Claude) SessionDirs(workDir string) ([]string, error) {
	return []string{filepath.Join(c.ConfigDir(), "projects", ProjectDirName(workDir))}, nil
}

func (c *Claude) MatchesSessionPattern(path string) bool {
	base := filepath.Base(path)
	// Subagent transcripts (agent-*.jsonl) belong to the parent session
	if strings.HasPrefix(base, "agent-") {
		return false
	}
	return claudeSessionFileRegex.MatchString(base)
}

func (c *Claude) ExtractSessionID(path string) (string, error) {
	base := filepath.Base(path)
	if !claudeSessionFileRegex.MatchString(base) {
		return "", fmt.Errorf("not a claude session file: %s", base)
	}
	return strings.TrimSuffix(base, ".jsonl"), nil
}

// claudeEntry is one line of a Claude session JSONL file.
type claudeEntry struct {
	Type              string    `json:"type"`
	UUID              string    `json:"uuid"`
	Timestamp         time.Time `json:"timestamp"`
	IsMeta            bool      `json:"isMeta,omitempty"`
	IsAPIErrorMessage bool      `json:"isApiErrorMessage,omitempty"`
	Message           struct {
		Role    string          `json:"role"`
		Model   string          `json:"model,omitempty"`
		Content json.RawMessage `json:"content"`
		Usage   struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// claudeContentBlock is one element of a structured message content array.
type claudeContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Input     struct {
		FilePath     string `json:"file_path,omitempty"`
		NotebookPath string `json:"notebook_path,omitempty"`
		Content      string `json:"content,omitempty"`
		NewString    string `json:"new_string,omitempty"`
	} `json:"input,omitempty"`
}

// toolUseRef ties a tool_use id to the delta that invoked it, so a
// later tool_result in the same pass can record the outcome.
type toolUseRef struct {
	deltaIndex int
	toolName   string
}

func (c *Claude) ParseIncremental(path string, wm *watermark.Watermark, dedup StringSet) (*ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	var startLine int64
	if wm != nil {
		startLine = wm.Line
	}

	result := &ParseResult{}
	toolUses := make(map[string]toolUseRef)
	var lineNo, parsedOK, parseErrs int64

	scanner := bufio.NewScanner(file)
	// Tool outputs can be huge; a single line may run to megabytes
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		lineNo++
		if lineNo <= startLine {
			continue
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry claudeEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			parseErrs++
			claudeLog.Warn("skip_malformed_record",
				slog.String("file", filepath.Base(path)),
				slog.Int64("line", lineNo),
				slog.String("error", err.Error()),
			)
			continue
		}
		parsedOK++
		c.applyEntry(&entry, result, toolUses, dedup)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	// All new lines malformed means the file is not in the expected
	// format (or a partial write landed mid-pass): abort without a new
	// watermark so the next pass retries from the same position.
	if parseErrs > 0 && parsedOK == 0 {
		return nil, fmt.Errorf("no parsable records past line %d in %s", startLine, filepath.Base(path))
	}

	newLine := lineNo
	if newLine < startLine {
		// File shrank under us. Keep the larger offset; the next full
		// re-extraction (watermark expiry) reconciles, and dedup keeps
		// re-reads safe.
		newLine = startLine
	}
	result.Watermark = &watermark.Watermark{Type: watermark.TypeLine, Line: newLine}
	return result, nil
}

// applyEntry folds one JSONL record into the parse result.
func (c *Claude) applyEntry(entry *claudeEntry, result *ParseResult, toolUses map[string]toolUseRef, dedup StringSet) {
	switch entry.Type {
	case "assistant":
		if entry.UUID == "" || (dedup != nil && dedup.Has(entry.UUID)) {
			return
		}
		delta := metric.Delta{
			RecordID:  entry.UUID,
			Timestamp: entry.Timestamp,
			Tokens: metric.TokenUsage{
				Input:         entry.Message.Usage.InputTokens,
				Output:        entry.Message.Usage.OutputTokens,
				CacheCreation: entry.Message.Usage.CacheCreationInputTokens,
				CacheRead:     entry.Message.Usage.CacheReadInputTokens,
			},
			SyncStatus: metric.SyncPending,
		}
		if entry.Message.Model != "" {
			delta.Models = []string{entry.Message.Model}
		}

		for _, block := range parseContentBlocks(entry.Message.Content) {
			switch block.Type {
			case "tool_use":
				if block.Name == "" {
					continue
				}
				if delta.ToolCalls == nil {
					delta.ToolCalls = make(map[string]int)
				}
				delta.ToolCalls[block.Name]++
				if block.ID != "" {
					toolUses[block.ID] = toolUseRef{deltaIndex: len(result.Deltas), toolName: block.Name}
				}
				if op, ok := fileOpFromToolUse(block); ok {
					delta.FileOps = append(delta.FileOps, op)
				}
			case "text":
				if entry.IsAPIErrorMessage && delta.APIError == "" {
					delta.APIError = block.Text
				}
			}
		}
		result.Deltas = append(result.Deltas, delta)

	case "user":
		if entry.IsMeta {
			return
		}
		// String content is a typed prompt; array content carries tool
		// results back to the model.
		var text string
		if json.Unmarshal(entry.Message.Content, &text) == nil {
			if p := strings.TrimSpace(text); p != "" && !strings.HasPrefix(p, "<") {
				result.Prompts = append(result.Prompts, Prompt{Text: p, Timestamp: entry.Timestamp})
			}
			return
		}
		for _, block := range parseContentBlocks(entry.Message.Content) {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			ref, ok := toolUses[block.ToolUseID]
			if !ok || ref.deltaIndex >= len(result.Deltas) {
				continue // Result for a tool_use before the watermark
			}
			delta := &result.Deltas[ref.deltaIndex]
			if delta.ToolOutcomes == nil {
				delta.ToolOutcomes = make(map[string]metric.ToolOutcome)
			}
			outcome := delta.ToolOutcomes[ref.toolName]
			if block.IsError {
				outcome.Failure++
			} else {
				outcome.Success++
			}
			delta.ToolOutcomes[ref.toolName] = outcome
		}
	}
}

func parseContentBlocks(raw json.RawMessage) []claudeContentBlock {
	var blocks []claudeContentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return nil
	}
	return blocks
}

// fileOpFromToolUse infers a file operation from file-tool arguments.
func fileOpFromToolUse(block claudeContentBlock) (metric.FileOp, bool) {
	path := block.Input.FilePath
	if path == "" {
		path = block.Input.NotebookPath
	}
	if path == "" {
		return metric.FileOp{}, false
	}

	op := metric.FileOp{Path: path, Language: langForPath(path)}
	switch block.Name {
	case "Read":
		op.Type = "read"
	case "Write":
		op.Type = "write"
		op.LinesAdded = countLines(block.Input.Content)
	case "Edit", "MultiEdit", "NotebookEdit":
		op.Type = "edit"
		op.LinesModified = countLines(block.Input.NewString)
	default:
		return metric.FileOp{}, false
	}
	return op, true
}

func (c *Claude) UserPrompts(path string, from, to time.Time) ([]Prompt, error) {
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
