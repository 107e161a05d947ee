package metric

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	s := NewSessionStore(t.TempDir())

	sess := &Session{
		ID:        "sess-1",
		Agent:     "claude",
		WorkDir:   "/home/u/proj",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Status:    StatusActive,
		Correlation: CorrelationResult{
			Status:         CorrelationMatched,
			FilePath:       "/home/u/.claude/projects/-home-u-proj/abc.jsonl",
			AgentSessionID: "abc",
			Retries:        1,
		},
	}
	require.NoError(t, s.Save(sess))

	got, err := s.Load("sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.Agent, got.Agent)
	assert.Equal(t, CorrelationMatched, got.Correlation.Status)
	assert.Equal(t, "abc", got.Correlation.AgentSessionID)
	assert.True(t, got.Live())
}

func TestSessionStoreLoadMissing(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	got, err := s.Load("absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewSessionStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))

	_, err := s.Load("bad")
	assert.Error(t, err)
}

func TestSessionStoreSaveRejectsEmptyID(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	assert.Error(t, s.Save(&Session{}))
}

func TestSessionStoreListSortedNewestFirst(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Save(&Session{
			ID:        id,
			Agent:     "claude",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    StatusCompleted,
		}))
	}

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)
}

func TestSessionStoreListSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewSessionStore(dir)
	require.NoError(t, s.Save(&Session{ID: "good", StartedAt: time.Now()}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("nope"), 0o600))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)
}

func TestSessionStoreLiveFilters(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	require.NoError(t, s.Save(&Session{ID: "a", Status: StatusActive, StartedAt: time.Now()}))
	require.NoError(t, s.Save(&Session{ID: "b", Status: StatusCompleted, StartedAt: time.Now()}))
	require.NoError(t, s.Save(&Session{ID: "c", Status: StatusRecovered, StartedAt: time.Now()}))

	live, err := s.Live()
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestSessionStoreDelete(t *testing.T) {
	s := NewSessionStore(t.TempDir())
	require.NoError(t, s.Save(&Session{ID: "x", StartedAt: time.Now()}))
	require.NoError(t, s.Delete("x"))

	got, err := s.Load("x")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, s.Delete("x"))
}

func TestTokenUsageAddAndTotal(t *testing.T) {
	u := TokenUsage{Input: 10, Output: 5}
	u.Add(TokenUsage{Input: 1, CacheRead: 100, CacheCreation: 3})

	assert.EqualValues(t, 11, u.Input)
	assert.EqualValues(t, 119, u.Total())
}
