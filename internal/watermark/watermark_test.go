package watermark

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissingReturnsNil(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.Nil(t, s.Get(FileKey("/nonexistent/session.jsonl")))
}

func TestAdvanceAndGet(t *testing.T) {
	s := NewStore(t.TempDir())
	key := FileKey("/home/u/.claude/projects/-x/abc.jsonl")

	require.NoError(t, s.Advance(key, &Watermark{Type: TypeLine, Line: 42}))

	w := s.Get(key)
	require.NotNil(t, w)
	assert.Equal(t, TypeLine, w.Type)
	assert.EqualValues(t, 42, w.Line)
	assert.False(t, w.UpdatedAt.IsZero())
	assert.True(t, w.ExpiresAt.After(time.Now()))
}

func TestExpiredTreatedAsAbsent(t *testing.T) {
	s := NewStoreWithTTL(t.TempDir(), time.Millisecond)
	key := FileKey("/some/file.json")

	require.NoError(t, s.Advance(key, &Watermark{Type: TypeHash, Hash: "abc"}))
	time.Sleep(10 * time.Millisecond)

	assert.Nil(t, s.Get(key), "expired watermark must read as absent")
}

func TestCorruptTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	key := FileKey("/some/file.jsonl")

	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".json"), []byte("{truncated"), 0o600))

	assert.Nil(t, s.Get(key))
}

func TestObjectSetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	key := FileKey("/rollout.jsonl")

	require.NoError(t, s.Advance(key, &Watermark{
		Type:      TypeObjectSet,
		ObjectIDs: []string{"msg-2", "msg-1"},
	}))

	w := s.Get(key)
	require.NotNil(t, w)
	assert.True(t, w.HasObject("msg-1"))
	assert.True(t, w.HasObject("msg-2"))
	assert.False(t, w.HasObject("msg-3"))
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	key := FileKey("/f")

	require.NoError(t, s.Advance(key, &Watermark{Type: TypeLine, Line: 1}))
	require.NoError(t, s.Delete(key))
	assert.Nil(t, s.Get(key))

	// Deleting again is a no-op
	assert.NoError(t, s.Delete(key))
}

func TestPruneRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	short := NewStoreWithTTL(dir, time.Millisecond)
	long := NewStoreWithTTL(dir, time.Hour)

	require.NoError(t, short.Advance(FileKey("/old"), &Watermark{Type: TypeLine, Line: 1}))
	require.NoError(t, long.Advance(FileKey("/fresh"), &Watermark{Type: TypeLine, Line: 1}))
	time.Sleep(10 * time.Millisecond)

	removed, err := long.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotNil(t, long.Get(FileKey("/fresh")))
}

func TestFileKeyStable(t *testing.T) {
	assert.Equal(t, FileKey("/a/b/c.jsonl"), FileKey("/a/b/c.jsonl"))
	assert.Equal(t, FileKey("/a/b/../b/c.jsonl"), FileKey("/a/b/c.jsonl"))
	assert.NotEqual(t, FileKey("/a/b/c.jsonl"), FileKey("/a/b/d.jsonl"))
}

func TestHashFileChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[]}`), 0o644))
	h1, err := HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"messages":[{}]}`), 0o644))
	h2, err := HashFile(path)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
