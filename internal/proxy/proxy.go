// Package proxy runs the local HTTP interceptor that sits between the
// assistant and its real API endpoint. The assistant is configured with
// placeholder credentials and this listener's address; the proxy swaps
// in the real credentials on the way out, forwards the upstream
// response verbatim, and emits request/response events used as a
// session liveness signal.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var proxyLog = logging.ForComponent(logging.CompProxy)

// Phase distinguishes the two events emitted per intercepted request.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Event is emitted when a request arrives and again when its response
// has been forwarded.
type Event struct {
	Phase     Phase
	RequestID string
	SessionID string
	Agent     string
	Method    string
	Path      string
	Status    int // response phase only
	Timestamp time.Time
	Duration  time.Duration // response phase only
}

// requestContext is the per-request state. It is owned exclusively by
// the handling goroutine and discarded after the response is forwarded.
type requestContext struct {
	id        string
	method    string
	path      string
	startedAt time.Time
	targetURL string
}

// Options configures an Interceptor.
type Options struct {
	// Listen is the local address. Empty picks an ephemeral port on
	// loopback.
	Listen string

	// Upstream is the real API base URL.
	Upstream string

	// Placeholder is the credential value the assistant was configured
	// with. Header and cookie values equal to it are replaced.
	Placeholder string

	// InjectHeaders maps header names to real credential values.
	InjectHeaders map[string]string

	// InjectCookies maps cookie names to real values.
	InjectCookies map[string]string

	SessionID string
	Agent     string
}

// Interceptor is the local proxy listener.
type Interceptor struct {
	opts     Options
	upstream *url.URL
	client   *http.Client
	server   *http.Server
	listener net.Listener
	events   chan Event
	once     sync.Once
}

// New creates an interceptor. Start must be called before the
// assistant process is spawned so the address is known.
func New(opts Options) (*Interceptor, error) {
	upstream, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, err
	}
	p := &Interceptor{
		opts:     opts,
		upstream: upstream,
		// The assistant manages its own request timeouts; the proxy
		// must not impose a shorter one on streamed completions.
		client: &http.Client{},
		events: make(chan Event, 256),
	}
	p.server = &http.Server{Handler: p}
	return p, nil
}

// Start binds the listener and serves in the background.
func (p *Interceptor) Start() error {
	addr := p.opts.Listen
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.listener = listener

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			proxyLog.Error("proxy_serve_failed", slog.String("error", err.Error()))
		}
	}()

	proxyLog.Info("proxy_listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("upstream", p.opts.Upstream),
	)
	return nil
}

// Addr returns the bound address. Valid after Start.
func (p *Interceptor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// BaseURL returns the URL assistants should send API traffic to.
func (p *Interceptor) BaseURL() string {
	return "http://" + p.Addr()
}

// Events returns the request/response event stream. The channel is
// never closed while the proxy runs; slow consumers drop events rather
// than stall request handling.
func (p *Interceptor) Events() <-chan Event {
	return p.events
}

// Shutdown stops the listener gracefully.
func (p *Interceptor) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.server.Shutdown(ctx)
	})
	return err
}

func (p *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &requestContext{
		id:        uuid.NewString(),
		method:    r.Method,
		path:      r.URL.Path,
		startedAt: time.Now(),
	}
	p.emit(Event{
		Phase:     PhaseRequest,
		RequestID: rc.id,
		SessionID: p.opts.SessionID,
		Agent:     p.opts.Agent,
		Method:    rc.method,
		Path:      rc.path,
		Timestamp: rc.startedAt,
	})
	// Per-request logging would swamp the log file; the aggregator
	// batches these into periodic summaries.
	logging.Aggregate(logging.CompProxy, "request_forwarded",
		slog.String("agent", p.opts.Agent),
		slog.String("method", rc.method),
	)

	outReq, err := p.buildUpstreamRequest(r, rc)
	if err != nil {
		// No forwardable request could be built, so there is nothing
		// to pass through; answer 502 like any other upstream failure.
		proxyLog.Warn("request_rewrite_failed",
			slog.String("request", rc.id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "proxy: "+err.Error(), http.StatusBadGateway)
		p.emitResponse(rc, http.StatusBadGateway)
		return
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		// Upstream connectivity problems become a 5xx to the
		// assistant; the proxy itself never crashes on them.
		proxyLog.Warn("upstream_request_failed",
			slog.String("request", rc.id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		p.emitResponse(rc, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.copyResponse(w, resp)
	p.emitResponse(rc, resp.StatusCode)
}

// buildUpstreamRequest reframes the inbound request for the upstream,
// swapping placeholder credentials for real ones.
func (p *Interceptor) buildUpstreamRequest(r *http.Request, rc *requestContext) (*http.Request, error) {
	target := *p.upstream
	target.Path = singleJoin(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	rc.targetURL = target.String()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, rc.targetURL, r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength

	for name, values := range r.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	outReq.Host = p.upstream.Host

	// Real credentials replace whatever the assistant sent under the
	// injected header names (typically the placeholder).
	for name, value := range p.opts.InjectHeaders {
		outReq.Header.Set(name, value)
	}
	for name, value := range p.opts.InjectCookies {
		replaced := false
		for _, c := range outReq.Cookies() {
			if c.Name == name {
				replaced = true
			}
		}
		if replaced {
			stripCookie(outReq, name)
		}
		outReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return outReq, nil
}

// copyResponse forwards status, headers, and body. Injected headers are
// stripped so real credentials never echo back to the assistant.
func (p *Interceptor) copyResponse(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		if _, injected := p.opts.InjectHeaders[http.CanonicalHeaderKey(name)]; injected {
			continue
		}
		if _, injected := p.opts.InjectHeaders[strings.ToLower(name)]; injected {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		proxyLog.Debug("response_copy_interrupted", slog.String("error", err.Error()))
	}
}

func (p *Interceptor) emitResponse(rc *requestContext, status int) {
	p.emit(Event{
		Phase:     PhaseResponse,
		RequestID: rc.id,
		SessionID: p.opts.SessionID,
		Agent:     p.opts.Agent,
		Method:    rc.method,
		Path:      rc.path,
		Status:    status,
		Timestamp: time.Now(),
		Duration:  time.Since(rc.startedAt),
	})
}

func (p *Interceptor) emit(e Event) {
	select {
	case p.events <- e:
	default:
	}
}

func singleJoin(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "":
		return a
	default:
		return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
	}
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHop(name string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(name)]
}

func stripCookie(req *http.Request, name string) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != name {
			req.AddCookie(c)
		}
	}
}
