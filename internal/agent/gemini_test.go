package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

const geminiSessionDoc = `{
  "sessionId": "4d8fcb4d-1111-2222-3333-444444444444",
  "startTime": "2026-08-29T10:00:00.123Z",
  "lastUpdated": "2026-08-29T10:05:00.456Z",
  "messages": [
    {"type": "user", "content": "summarize this repo", "timestamp": "2026-08-29T10:00:01Z"},
    {"type": "gemini", "model": "gemini-2.5-pro", "content": "Sure.", "tokens": {"input": 1200, "output": 80, "cached": 300}},
    {"type": "gemini", "model": "gemini-2.5-pro", "content": "Done.", "tokens": {"input": 1500, "output": 200}}
  ]
}`

func writeGeminiSession(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session-2026-08-29T10-00-4d8fcb4d.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGeminiMatchesSessionPattern(t *testing.T) {
	g := NewGemini("")
	assert.True(t, g.MatchesSessionPattern("/x/chats/session-2026-08-29T10-00-4d8fcb4d.json"))
	assert.False(t, g.MatchesSessionPattern("/x/chats/notes.json"))
	assert.False(t, g.MatchesSessionPattern("/x/chats/session-1.jsonl"))
}

func TestGeminiSessionDirsUsesProjectHash(t *testing.T) {
	g := NewGemini("/custom/gemini")
	dirs, err := g.SessionDirs("/home/u/proj")
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Contains(t, dirs[0], "/custom/gemini/tmp/")
	assert.Equal(t, "chats", filepath.Base(dirs[0]))
}

func TestGeminiExtractSessionID(t *testing.T) {
	path := writeGeminiSession(t, geminiSessionDoc)

	g := NewGemini("")
	id, err := g.ExtractSessionID(path)
	require.NoError(t, err)
	assert.Equal(t, "4d8fcb4d-1111-2222-3333-444444444444", id)
}

func TestGeminiParseFullDocument(t *testing.T) {
	path := writeGeminiSession(t, geminiSessionDoc)

	g := NewGemini("")
	result, err := g.ParseIncremental(path, nil, stringSet{})
	require.NoError(t, err)

	require.Len(t, result.Deltas, 2)
	assert.Equal(t, "4d8fcb4d-1111-2222-3333-444444444444:1", result.Deltas[0].RecordID)
	assert.EqualValues(t, 1200, result.Deltas[0].Tokens.Input)
	assert.EqualValues(t, 300, result.Deltas[0].Tokens.CacheRead)
	assert.Equal(t, []string{"gemini-2.5-pro"}, result.Deltas[0].Models)

	require.Len(t, result.Prompts, 1)
	assert.Equal(t, "summarize this repo", result.Prompts[0].Text)

	require.NotNil(t, result.Watermark)
	assert.Equal(t, watermark.TypeHash, result.Watermark.Type)
	assert.NotEmpty(t, result.Watermark.Hash)
}

func TestGeminiParseUnchangedHashShortCircuits(t *testing.T) {
	path := writeGeminiSession(t, geminiSessionDoc)

	g := NewGemini("")
	first, err := g.ParseIncremental(path, nil, stringSet{})
	require.NoError(t, err)

	second, err := g.ParseIncremental(path, first.Watermark, stringSet{})
	require.NoError(t, err)
	assert.Empty(t, second.Deltas)
	assert.Equal(t, first.Watermark.Hash, second.Watermark.Hash)
}

func TestGeminiParseRewriteFiltersThroughDedup(t *testing.T) {
	path := writeGeminiSession(t, geminiSessionDoc)

	g := NewGemini("")
	first, err := g.ParseIncremental(path, nil, stringSet{})
	require.NoError(t, err)
	require.Len(t, first.Deltas, 2)

	dedup := stringSet{}
	for _, d := range first.Deltas {
		dedup[d.RecordID] = true
	}

	// Whole-file rewrite: same messages plus one new turn
	rewritten := `{
  "sessionId": "4d8fcb4d-1111-2222-3333-444444444444",
  "startTime": "2026-08-29T10:00:00.123Z",
  "lastUpdated": "2026-08-29T10:10:00Z",
  "messages": [
    {"type": "user", "content": "summarize this repo", "timestamp": "2026-08-29T10:00:01Z"},
    {"type": "gemini", "model": "gemini-2.5-pro", "content": "Sure.", "tokens": {"input": 1200, "output": 80, "cached": 300}},
    {"type": "gemini", "model": "gemini-2.5-pro", "content": "Done.", "tokens": {"input": 1500, "output": 200}},
    {"type": "gemini", "model": "gemini-2.5-pro", "content": "More.", "tokens": {"input": 1800, "output": 50}}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(rewritten), 0o644))

	second, err := g.ParseIncremental(path, first.Watermark, dedup)
	require.NoError(t, err)
	require.Len(t, second.Deltas, 1, "re-parsed records already emitted must be filtered")
	assert.Equal(t, "4d8fcb4d-1111-2222-3333-444444444444:3", second.Deltas[0].RecordID)
}

func TestGeminiParseUnparsableFileFails(t *testing.T) {
	path := writeGeminiSession(t, "{broken")

	g := NewGemini("")
	_, err := g.ParseIncremental(path, nil, nil)
	assert.Error(t, err)
}
