package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/launch"
	"github.com/asheshgoplani/agent-relay/internal/metric"
	"github.com/asheshgoplani/agent-relay/internal/monitor"
	"github.com/asheshgoplani/agent-relay/internal/proxy"
)

// RunOptions describes one tracked assistant run.
type RunOptions struct {
	Agent   string
	Argv    []string
	WorkDir string
}

// baseURLEnv maps an agent to the env var its CLI reads the API base
// URL from, so the assistant's traffic flows through the local proxy.
var baseURLEnv = map[string]string{
	"claude": "ANTHROPIC_BASE_URL",
	"gemini": "GOOGLE_GEMINI_BASE_URL",
	"codex":  "OPENAI_BASE_URL",
}

// apiKeyEnv maps an agent to its credential env var; the assistant gets
// the placeholder, the proxy swaps in the real credential.
var apiKeyEnv = map[string]string{
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
	"codex":  "OPENAI_API_KEY",
}

// RunSession runs the full tracked lifecycle: proxy, launch, correlate,
// monitor-driven extraction, teardown. Blocks until the assistant
// exits and returns its exit code.
func (e *Engine) RunSession(ctx context.Context, opts RunOptions) (int, error) {
	sess, err := e.StartSession(opts.Agent, opts.WorkDir)
	if err != nil {
		return -1, err
	}

	env := map[string]string{
		launch.EnvSessionID: sess.ID,
		launch.EnvWorkDir:   opts.WorkDir,
	}

	var px *proxy.Interceptor
	if e.cfg.Proxy.Upstream != "" {
		px, err = proxy.New(proxy.Options{
			Listen:        e.cfg.Proxy.Listen,
			Upstream:      e.cfg.Proxy.Upstream,
			Placeholder:   e.cfg.Proxy.Placeholder,
			InjectHeaders: e.cfg.Proxy.InjectHeaders,
			InjectCookies: e.cfg.Proxy.InjectCookies,
			SessionID:     sess.ID,
			Agent:         opts.Agent,
		})
		if err != nil {
			return -1, err
		}
		if err := px.Start(); err != nil {
			return -1, err
		}
		if name := baseURLEnv[opts.Agent]; name != "" {
			env[name] = px.BaseURL()
		}
		if e.cfg.Proxy.Placeholder != "" {
			if name := apiKeyEnv[opts.Agent]; name != "" {
				env[name] = e.cfg.Proxy.Placeholder
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if px != nil {
		events := px.Events()
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-events:
					if ev.Phase != proxy.PhaseRequest {
						continue
					}
					if e.registry != nil {
						_ = e.registry.RecordProxyActivity(sess.ID, ev.Timestamp)
					}
					e.bus.publish(Event{Type: EventProxy, SessionID: sess.ID, Agent: opts.Agent})
				}
			}
		})
	}

	g.Go(func() error {
		e.correlateAndMonitor(gctx, sess)
		return nil
	})

	exitCode, runErr := launch.Run(launch.Options{
		Argv:    opts.Argv,
		WorkDir: opts.WorkDir,
		Env:     env,
	})

	cancel()
	_ = g.Wait()
	if px != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = px.Shutdown(shCtx)
		shCancel()
	}

	endErr := e.EndSession(context.Background(), sess.ID, runErr == nil && exitCode == 0)
	if runErr != nil {
		return exitCode, runErr
	}
	return exitCode, endErr
}

// correlateAndMonitor matches the session file, then drives extraction
// from file-change events until ctx is cancelled. All failures degrade
// to log lines; the assistant session is never interrupted.
func (e *Engine) correlateAndMonitor(ctx context.Context, sess *metric.Session) {
	if err := e.CorrelateSession(ctx, sess); err != nil {
		engLog.Warn("correlation_error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sess.Correlation.Status != metric.CorrelationMatched {
		return
	}

	if _, err := e.ExtractOnce(ctx, sess.ID); err != nil && !errors.Is(err, ErrLocked) {
		engLog.Warn("initial_extract_failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	m, err := monitor.New(sess.Correlation.FilePath, func() {
		if _, err := e.ExtractOnce(context.Background(), sess.ID); err != nil && !errors.Is(err, ErrLocked) {
			engLog.Warn("extract_failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		engLog.Warn("monitor_start_failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.SetDebounce(time.Duration(e.cfg.Sync.DebounceSecs) * time.Second)
	m.SetPollInterval(time.Duration(e.cfg.Sync.PollSecs) * time.Second)
	if err := m.Start(); err != nil {
		engLog.Warn("monitor_start_failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer m.Stop()

	<-ctx.Done()
}
