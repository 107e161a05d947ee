package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

func writeRolloutFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout-2026-08-29T10-00-00-99999999-8888-7777-6666-555555555555.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCodexMatchesSessionPattern(t *testing.T) {
	c := NewCodex("")
	assert.True(t, c.MatchesSessionPattern("/s/rollout-2026-08-29T10-00-00-99999999-8888-7777-6666-555555555555.jsonl"))
	assert.False(t, c.MatchesSessionPattern("/s/rollout-notes.jsonl"))
	assert.False(t, c.MatchesSessionPattern("/s/history.jsonl"))
}

func TestCodexExtractSessionID(t *testing.T) {
	c := NewCodex("")
	id, err := c.ExtractSessionID("/s/rollout-2026-08-29T10-00-00-99999999-8888-7777-6666-555555555555.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "99999999-8888-7777-6666-555555555555", id)
}

func TestCodexSessionDirsCoverTodayAndYesterday(t *testing.T) {
	c := NewCodex("/custom/codex")
	dirs, err := c.SessionDirs("/ignored")
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Contains(t, dirs[0], "/custom/codex/sessions/")
	assert.NotEqual(t, dirs[0], dirs[1])
}

func TestCodexParseMessagesAndTools(t *testing.T) {
	path := writeRolloutFile(t,
		`{"timestamp":"2026-08-29T10:00:00Z","type":"response_item","payload":{"type":"message","id":"msg_1","role":"user","content":[{"type":"input_text","text":"run the tests"}]}}`,
		`{"timestamp":"2026-08-29T10:00:05Z","type":"response_item","payload":{"type":"message","id":"msg_2","role":"assistant","model":"gpt-5-codex","content":[{"type":"output_text","text":"Running."}]}}`,
		`{"timestamp":"2026-08-29T10:00:06Z","type":"response_item","payload":{"type":"function_call","id":"fc_1","name":"shell","call_id":"call_1"}}`,
		`{"timestamp":"2026-08-29T10:00:08Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":{"success":true}}}`,
		`{"timestamp":"2026-08-29T10:00:09Z","type":"event_msg","payload":{"type":"token_count","info":{"last_token_usage":{"input_tokens":900,"cached_input_tokens":400,"output_tokens":120}}}}`,
	)

	c := NewCodex("")
	result, err := c.ParseIncremental(path, nil, stringSet{})
	require.NoError(t, err)

	require.Len(t, result.Prompts, 1)
	assert.Equal(t, "run the tests", result.Prompts[0].Text)

	require.Len(t, result.Deltas, 2)
	assert.Equal(t, "msg_2", result.Deltas[0].RecordID)
	assert.Equal(t, []string{"gpt-5-codex"}, result.Deltas[0].Models)
	assert.Equal(t, "99999999-8888-7777-6666-555555555555", result.Deltas[0].AgentSessionID)

	tool := result.Deltas[1]
	assert.Equal(t, 1, tool.ToolCalls["shell"])
	assert.Equal(t, 1, tool.ToolOutcomes["shell"].Success)
	// Usage event folds into the latest delta of the pass
	assert.EqualValues(t, 900, tool.Tokens.Input)
	assert.EqualValues(t, 400, tool.Tokens.CacheRead)
	assert.EqualValues(t, 120, tool.Tokens.Output)
}

func TestCodexParseObjectSetWatermarkSkipsSeen(t *testing.T) {
	path := writeRolloutFile(t,
		`{"timestamp":"2026-08-29T10:00:05Z","type":"response_item","payload":{"type":"message","id":"msg_1","role":"assistant","content":[{"type":"output_text","text":"a"}]}}`,
		`{"timestamp":"2026-08-29T10:00:10Z","type":"response_item","payload":{"type":"message","id":"msg_2","role":"assistant","content":[{"type":"output_text","text":"b"}]}}`,
	)

	c := NewCodex("")
	wm := &watermark.Watermark{Type: watermark.TypeObjectSet, ObjectIDs: []string{"msg_1"}}
	result, err := c.ParseIncremental(path, wm, stringSet{})
	require.NoError(t, err)

	require.Len(t, result.Deltas, 1)
	assert.Equal(t, "msg_2", result.Deltas[0].RecordID)
	// New watermark carries the union of old and new ids
	assert.ElementsMatch(t, []string{"msg_1", "msg_2"}, result.Watermark.ObjectIDs)
}

func TestCodexParseRobustToReordering(t *testing.T) {
	// Same records in a different order: object-id tracking still
	// reports nothing new
	path := writeRolloutFile(t,
		`{"timestamp":"2026-08-29T10:00:10Z","type":"response_item","payload":{"type":"message","id":"msg_2","role":"assistant","content":[{"type":"output_text","text":"b"}]}}`,
		`{"timestamp":"2026-08-29T10:00:05Z","type":"response_item","payload":{"type":"message","id":"msg_1","role":"assistant","content":[{"type":"output_text","text":"a"}]}}`,
	)

	c := NewCodex("")
	wm := &watermark.Watermark{Type: watermark.TypeObjectSet, ObjectIDs: []string{"msg_1", "msg_2"}}
	result, err := c.ParseIncremental(path, wm, stringSet{})
	require.NoError(t, err)
	assert.Empty(t, result.Deltas)
}

func TestCodexParseFailedToolOutcome(t *testing.T) {
	path := writeRolloutFile(t,
		`{"timestamp":"2026-08-29T10:00:06Z","type":"response_item","payload":{"type":"function_call","id":"fc_1","name":"shell","call_id":"call_1"}}`,
		`{"timestamp":"2026-08-29T10:00:08Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":{"success":false}}}`,
	)

	c := NewCodex("")
	result, err := c.ParseIncremental(path, nil, nil)
	require.NoError(t, err)

	require.Len(t, result.Deltas, 1)
	assert.Equal(t, 1, result.Deltas[0].ToolOutcomes["shell"].Failure)
}

func TestCodexParseUnparsableFileFails(t *testing.T) {
	path := writeRolloutFile(t, "garbage", "also garbage")

	c := NewCodex("")
	_, err := c.ParseIncremental(path, nil, nil)
	assert.Error(t, err)
}

func TestAdapterRegistry(t *testing.T) {
	for _, name := range Names() {
		a, err := New(name, "")
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}

	_, err := New("cursor", "")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestWatermarkTypesPerAgent(t *testing.T) {
	claude, _ := New("claude", "")
	gemini, _ := New("gemini", "")
	codex, _ := New("codex", "")

	assert.Equal(t, watermark.TypeLine, claude.WatermarkType())
	assert.Equal(t, watermark.TypeHash, gemini.WatermarkType())
	assert.Equal(t, watermark.TypeObjectSet, codex.WatermarkType())
}
