// Package extract runs incremental parse passes over a matched session
// file: it loads the watermark, delegates parsing to the agent adapter,
// attaches user prompts to their nearest subsequent delta, and hands
// back the new watermark for the caller to commit once the deltas are
// durably admitted.
package extract

import (
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/agent-relay/internal/agent"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/syncstate"
	"github.com/asheshgoplani/agent-relay/internal/watermark"
)

var extLog = logging.ForComponent(logging.CompExtract)

// Extractor turns new session file content into metric deltas.
type Extractor struct {
	adapter    agent.Adapter
	watermarks *watermark.Store
}

// New creates an extractor for one agent.
func New(adapter agent.Adapter, watermarks *watermark.Store) *Extractor {
	return &Extractor{adapter: adapter, watermarks: watermarks}
}

// Result is the output of one extraction pass.
type Result struct {
	// Deltas are the new records, filtered through the dedup guard,
	// with user prompts attached.
	Deltas []metric.Delta

	// FileKey and Watermark identify the progress marker to commit
	// after the deltas are admitted. Committing before admission could
	// skip records on a crash between the two steps.
	FileKey   string
	Watermark *watermark.Watermark
}

// Extract runs one parse pass over path. The stored watermark bounds
// the read; an expired or missing watermark forces a full re-read,
// which the dedup guard keeps idempotent. A parse failure returns an
// error without a watermark so the next pass retries from the same
// position.
func (e *Extractor) Extract(path string, st *syncstate.State) (*Result, error) {
	fileKey := watermark.FileKey(path)
	wm := e.watermarks.Get(fileKey)

	parsed, err := e.adapter.ParseIncremental(path, wm, st)
	if err != nil {
		return nil, fmt.Errorf("parse %s session file: %w", e.adapter.Name(), err)
	}

	attachPrompts(parsed, st)

	extLog.Debug("extraction_pass",
		slog.String("agent", e.adapter.Name()),
		slog.String("session", st.SessionID),
		slog.Int("deltas", len(parsed.Deltas)),
		slog.Int("prompts", len(parsed.Prompts)),
	)

	return &Result{
		Deltas:    parsed.Deltas,
		FileKey:   fileKey,
		Watermark: parsed.Watermark,
	}, nil
}

// Commit advances the stored watermark. Call only after the pass's
// deltas have been admitted to durable sync state.
func (e *Extractor) Commit(result *Result) error {
	if result.Watermark == nil {
		return nil
	}
	return e.watermarks.Advance(result.FileKey, result.Watermark)
}

// attachPrompts pairs each not-yet-attached prompt with the nearest
// subsequent delta that has no prompt, and records the attachment so
// each prompt is surfaced exactly once.
func attachPrompts(parsed *agent.ParseResult, st *syncstate.State) {
	for _, p := range parsed.Prompts {
		if st.HasPrompt(p.Text) {
			continue
		}
		for i := range parsed.Deltas {
			d := &parsed.Deltas[i]
			if d.UserPrompt != "" || d.Timestamp.Before(p.Timestamp) {
				continue
			}
			d.UserPrompt = p.Text
			st.AttachPrompt(p.Text)
			break
		}
	}
}
