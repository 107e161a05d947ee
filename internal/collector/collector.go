// Package collector delivers metric deltas and session summaries to
// the remote collector endpoint. Delivery is best-effort: failures are
// classified and reported to the caller, never retried synchronously,
// and never block session teardown.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/metric"
)

var colLog = logging.ForComponent(logging.CompSync)

// DefaultBatchSize bounds how many deltas ship in one request.
const DefaultBatchSize = 50

// Outcome classifies one delivery attempt.
type Outcome string

const (
	// OutcomeSuccess means the record was accepted.
	OutcomeSuccess Outcome = "success"

	// OutcomeTransient means the attempt failed in a way worth
	// retrying on the next sync cycle (network error, 5xx).
	OutcomeTransient Outcome = "transient"

	// OutcomeTerminal means retrying cannot help (4xx rejection).
	OutcomeTerminal Outcome = "terminal"
)

// Result is the per-record outcome of a send.
type Result struct {
	RecordID string
	Outcome  Outcome
	Err      string
}

// Options configures a Client.
type Options struct {
	URL        string
	Token      string
	BatchSize  int
	RatePerSec float64
	Timeout    time.Duration
}

// Client talks to the collector API.
type Client struct {
	baseURL   string
	token     string
	batchSize int
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a collector client.
func NewClient(opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   opts.URL,
		token:     opts.Token,
		batchSize: opts.BatchSize,
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
	}
}

// batchResponse is the collector's per-record failure report. Records
// not listed were accepted.
type batchResponse struct {
	Failed []struct {
		RecordID string `json:"record_id"`
		Error    string `json:"error"`
		Terminal bool   `json:"terminal"`
	} `json:"failed"`
}

// SendDeltas submits deltas in batches and returns one result per
// record. A batch-level failure yields the same outcome for every
// record in the batch.
func (c *Client) SendDeltas(ctx context.Context, deltas []metric.Delta) []Result {
	results := make([]Result, 0, len(deltas))
	for start := 0; start < len(deltas); start += c.batchSize {
		end := start + c.batchSize
		if end > len(deltas) {
			end = len(deltas)
		}
		results = append(results, c.sendBatch(ctx, deltas[start:end])...)
	}
	return results
}

func (c *Client) sendBatch(ctx context.Context, batch []metric.Delta) []Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return batchOutcome(batch, OutcomeTransient, err.Error())
	}

	body, err := json.Marshal(map[string]any{"deltas": batch})
	if err != nil {
		return batchOutcome(batch, OutcomeTerminal, err.Error())
	}

	resp, err := c.post(ctx, "/v1/deltas", body)
	if err != nil {
		colLog.Warn("delta_batch_send_failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
		return batchOutcome(batch, OutcomeTransient, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return c.perRecordResults(batch, resp.Body)
	case resp.StatusCode >= 500:
		return batchOutcome(batch, OutcomeTransient, fmt.Sprintf("collector returned %d", resp.StatusCode))
	default:
		colLog.Warn("delta_batch_rejected",
			slog.Int("count", len(batch)),
			slog.Int("status", resp.StatusCode),
		)
		return batchOutcome(batch, OutcomeTerminal, fmt.Sprintf("collector returned %d", resp.StatusCode))
	}
}

// perRecordResults folds the collector's failure report into results.
func (c *Client) perRecordResults(batch []metric.Delta, body io.Reader) []Result {
	var report batchResponse
	data, _ := io.ReadAll(io.LimitReader(body, 1<<20))
	_ = json.Unmarshal(data, &report) // An empty or opaque body means all accepted

	failed := make(map[string]Result, len(report.Failed))
	for _, f := range report.Failed {
		outcome := OutcomeTransient
		if f.Terminal {
			outcome = OutcomeTerminal
		}
		failed[f.RecordID] = Result{RecordID: f.RecordID, Outcome: outcome, Err: f.Error}
	}

	results := make([]Result, 0, len(batch))
	for _, d := range batch {
		if r, ok := failed[d.RecordID]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, Result{RecordID: d.RecordID, Outcome: OutcomeSuccess})
	}
	return results
}

// SendSessionSummary submits a session aggregate. Errors are returned
// for logging only; summaries are never retried.
func (c *Client) SendSessionSummary(ctx context.Context, sess *metric.Session) error {
	body, err := json.Marshal(map[string]any{"session": sess})
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.post(ctx, "/v1/sessions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func batchOutcome(batch []metric.Delta, outcome Outcome, errMsg string) []Result {
	results := make([]Result, 0, len(batch))
	for _, d := range batch {
		results = append(results, Result{RecordID: d.RecordID, Outcome: outcome, Err: errMsg})
	}
	return results
}
