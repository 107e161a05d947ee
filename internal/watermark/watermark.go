package watermark

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var wmLog = logging.ForComponent(logging.CompState)

// DefaultTTL bounds how long a watermark is trusted. Expired watermarks
// are treated as absent, forcing a full re-extraction; the dedup set
// keeps that safe.
const DefaultTTL = 24 * time.Hour

// Type selects the progress-tracking strategy for a monitored file.
type Type string

const (
	// TypeLine tracks a line offset into an append-only file.
	TypeLine Type = "line"

	// TypeHash tracks a content hash of a whole-file-rewrite format.
	TypeHash Type = "hash"

	// TypeObjectSet tracks the set of record ids already seen, for
	// formats with stable per-message identifiers that may reorder.
	TypeObjectSet Type = "object-id-set"
)

// Watermark marks how much of a growing session file has been processed.
type Watermark struct {
	Type      Type      `json:"type"`
	Line      int64     `json:"line,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	ObjectIDs []string  `json:"object_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the watermark's TTL has lapsed.
func (w *Watermark) Expired(now time.Time) bool {
	return now.After(w.ExpiresAt)
}

// HasObject reports whether id is in the object-id set.
func (w *Watermark) HasObject(id string) bool {
	for _, o := range w.ObjectIDs {
		if o == id {
			return true
		}
	}
	return false
}

// Store persists one watermark JSON document per monitored-file key.
type Store struct {
	dir string
	ttl time.Duration
}

// NewStore creates a watermark store rooted at dir with the default TTL.
func NewStore(dir string) *Store {
	return &Store{dir: dir, ttl: DefaultTTL}
}

// NewStoreWithTTL creates a store with a custom TTL.
func NewStoreWithTTL(dir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{dir: dir, ttl: ttl}
}

// FileKey derives a stable storage key from a monitored file's path.
func FileKey(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:16])
}

// Get returns the watermark for a file key, or nil when absent, expired,
// or unreadable. Corrupt documents are treated as absent (logged), never
// as an error — the extractor re-reads from scratch and dedups.
func (s *Store) Get(fileKey string) *Watermark {
	data, err := os.ReadFile(s.path(fileKey))
	if err != nil {
		return nil
	}

	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		wmLog.Warn("watermark_corrupt", slog.String("key", fileKey), slog.String("error", err.Error()))
		return nil
	}
	if w.Expired(time.Now()) {
		wmLog.Debug("watermark_expired", slog.String("key", fileKey))
		return nil
	}
	return &w
}

// Advance stores w as the new watermark for fileKey, stamping UpdatedAt
// and ExpiresAt. Written atomically (temp file + rename).
func (s *Store) Advance(fileKey string, w *Watermark) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create watermark dir: %w", err)
	}

	now := time.Now()
	w.UpdatedAt = now
	w.ExpiresAt = now.Add(s.ttl)
	sort.Strings(w.ObjectIDs)

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	path := s.path(fileKey)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write watermark temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename watermark: %w", err)
	}
	return nil
}

// Delete removes the watermark for fileKey.
func (s *Store) Delete(fileKey string) error {
	err := os.Remove(s.path(fileKey))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Prune removes expired watermark documents. Run from maintenance so
// abandoned sessions don't accumulate tracked state forever.
func (s *Store) Prune() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var w Watermark
		if json.Unmarshal(data, &w) != nil || w.Expired(now) {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) path(fileKey string) string {
	return filepath.Join(s.dir, fileKey+".json")
}

// HashFile computes the content hash used by TypeHash watermarks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
