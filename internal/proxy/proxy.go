// Package proxy implements the forwarding engine that sits between a
// local LLM client and the Ollama daemon.
//
// Generation requests (/api/generate, /api/chat) are streamed: upstream
// chunks are flushed to the client as they arrive while an accumulator
// collects the full body for telemetry extraction and logging. An
// exact-match response cache keyed on the raw request body can
// short-circuit the upstream call entirely. The same engine also serves
// the /ws/chat WebSocket sessions and the non-streaming pass-through of
// the daemon's info endpoints.
package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/particlesector/sectorflux/internal/store"
	"github.com/particlesector/sectorflux/internal/telemetry"
)

// Cache headers on proxied responses and requests.
const (
	// HeaderCache is set on every proxied POST response: HIT or MISS.
	HeaderCache = "X-SectorFlux-Cache"

	// HeaderNoCache, when "true" on a proxied POST request, bypasses
	// both cache lookup and cache store for that call. The replay
	// endpoint sets it to force a fresh upstream response.
	HeaderNoCache = "X-SectorFlux-No-Cache"
)

// maxRequestBody is 10MB. LLM request bodies rarely exceed a few
// hundred KB even with long conversations.
const maxRequestBody = 10 * 1024 * 1024

// Options holds the dependencies injected into the engine at creation.
// These are initialized by main's runServe() and wired together here.
type Options struct {
	Store    *store.Store
	Upstream string // base URL of the Ollama daemon, no trailing slash

	// CacheEnabled is the initial state of the cache toggle; it can be
	// flipped at runtime through the config API.
	CacheEnabled bool

	// ExcludeModels holds glob patterns for models whose requests must
	// never touch the cache.
	ExcludeModels []string
}

// Engine forwards requests to the Ollama daemon, measures TTFT, logs
// every interaction to the store, and maintains the response cache.
//
// The cache toggle is process-wide and read on every request, so it is
// an atomic rather than a config field.
type Engine struct {
	store    *store.Store
	upstream string

	client     *http.Client // streaming generation forwards
	chatClient *http.Client // WebSocket chat forwards, longer header wait
	getClient  *http.Client // info endpoint pass-through, short deadline

	cacheEnabled atomic.Bool

	mu       sync.RWMutex
	excludes []glob.Glob
}

// New creates an Engine with the given dependencies. Exclude patterns
// are assumed pre-validated by the config layer; invalid ones are
// skipped with a warning.
func New(opts Options) *Engine {
	e := &Engine{
		store:      opts.Store,
		upstream:   opts.Upstream,
		client:     newStreamingClient(60 * time.Second),
		chatClient: newStreamingClient(300 * time.Second),
		getClient:  &http.Client{Timeout: 5 * time.Second},
	}
	e.cacheEnabled.Store(opts.CacheEnabled)
	e.SetCacheExcludes(opts.ExcludeModels)
	return e
}

// SetCacheEnabled flips the process-wide cache toggle.
func (e *Engine) SetCacheEnabled(enabled bool) {
	e.cacheEnabled.Store(enabled)
	slog.Info("cache toggle updated", "enabled", enabled)
}

// CacheEnabled reports the current state of the cache toggle.
func (e *Engine) CacheEnabled() bool {
	return e.cacheEnabled.Load()
}

// SetCacheExcludes replaces the model exclusion patterns. Called at
// startup and again on config hot-reload.
func (e *Engine) SetCacheExcludes(patterns []string) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pat := range patterns {
		g, err := glob.Compile(pat)
		if err != nil {
			slog.Warn("skipping invalid cache exclude pattern", "pattern", pat, "error", err)
			continue
		}
		globs = append(globs, g)
	}

	e.mu.Lock()
	e.excludes = globs
	e.mu.Unlock()
}

// modelExcluded reports whether any exclusion pattern matches model.
func (e *Engine) modelExcluded(model string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.excludes {
		if g.Match(model) {
			return true
		}
	}
	return false
}

// cacheUsable decides whether this call may touch the cache at all,
// for lookup and store alike.
func (e *Engine) cacheUsable(model string, noCache bool) bool {
	return e.cacheEnabled.Load() && !noCache && !e.modelExcluded(model)
}

// Forward proxies a generation POST to the upstream daemon, streaming
// the response back chunk by chunk.
//
//  1. Capture the request body and model before streaming begins.
//  2. Serve from cache when permitted and present.
//  3. Otherwise POST to upstream, flushing each chunk to the client as
//     it arrives while accumulating the full body.
//  4. Record TTFT at the first chunk, cache 200 responses, and submit
//     a log entry once the stream ends.
//
// Upstream status codes pass through verbatim; only transport failures
// turn into a 500 with a diagnostic body.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, endpoint string) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "endpoint", endpoint, "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	model := telemetry.Model(body)
	noCache := r.Header.Get(HeaderNoCache) == "true"
	useCache := e.cacheUsable(model, noCache)

	if useCache {
		cached, err := e.store.CacheLookup(string(body))
		if err != nil {
			// A failed lookup degrades to a miss.
			slog.Warn("cache lookup failed", "endpoint", endpoint, "error", err)
		}
		if cached != nil {
			slog.Info("cache hit", "endpoint", endpoint, "model", model)
			e.serveCached(w, endpoint, model, string(body), cached)
			return
		}
	}

	slog.Debug("forwarding request", "endpoint", endpoint, "model", model)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, "MISS")

	resp, err := e.postUpstream(r.Context(), e.client, endpoint, body)
	if err != nil {
		// Nothing has been written yet, so the failure can still be
		// reported as a status.
		msg := "Error forwarding request to Ollama: " + err.Error()
		slog.Error("upstream request failed", "endpoint", endpoint, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, msg)
		e.logForward(endpoint, model, string(body), http.StatusInternalServerError, msg,
			time.Since(start).Milliseconds(), 0)
		return
	}
	defer resp.Body.Close()

	// The status line goes out before the first chunk; non-200 upstream
	// responses pass through as-is.
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	var acc bytes.Buffer
	var ttftMs int64
	var streamErr error

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if ttftMs == 0 {
				ttftMs = time.Since(start).Milliseconds()
			}
			acc.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr == nil && flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			streamErr = rerr
			break
		}
	}

	durationMs := time.Since(start).Milliseconds()

	if streamErr != nil {
		// Headers are already on the wire; the client sees a truncated
		// body, and the log records the failure.
		msg := "Error forwarding request to Ollama: " + streamErr.Error()
		slog.Error("upstream stream interrupted", "endpoint", endpoint, "error", streamErr)
		e.logForward(endpoint, model, string(body), http.StatusInternalServerError, msg,
			durationMs, ttftMs)
		return
	}

	if useCache && resp.StatusCode == http.StatusOK && acc.Len() > 0 {
		if err := e.store.CachePut(string(body), resp.StatusCode, acc.String()); err != nil {
			slog.Error("cache store failed", "endpoint", endpoint, "error", err)
		}
	}

	e.logForward(endpoint, model, string(body), resp.StatusCode, acc.String(), durationMs, ttftMs)
}

// serveCached answers a request straight from the cache.
func (e *Engine) serveCached(w http.ResponseWriter, endpoint, model, requestBody string, c *store.CachedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, "HIT")
	w.WriteHeader(c.Status)
	io.WriteString(w, c.Body)

	e.logCacheHit(endpoint, model, requestBody, c)
}

// logCacheHit submits the log entry for a cache-served response. Token
// counts still come from the cached body; duration stays zero, which is
// the sentinel the metrics layer uses to recognize hits.
func (e *Engine) logCacheHit(endpoint, model, requestBody string, c *store.CachedResponse) {
	usage := telemetry.Extract([]byte(c.Body))
	e.store.Submit(store.LogEntry{
		Method:           http.MethodPost,
		Endpoint:         endpoint,
		Model:            model,
		RequestBody:      requestBody,
		ResponseStatus:   c.Status,
		ResponseBody:     c.Body,
		DurationMs:       0,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
}

// logForward submits a log entry for a completed (or failed) forward,
// extracting telemetry from whatever body was accumulated.
func (e *Engine) logForward(endpoint, model, requestBody string, status int, responseBody string, durationMs, ttftMs int64) {
	usage := telemetry.Extract([]byte(responseBody))
	e.store.Submit(store.LogEntry{
		Method:               http.MethodPost,
		Endpoint:             endpoint,
		Model:                model,
		RequestBody:          requestBody,
		ResponseStatus:       status,
		ResponseBody:         responseBody,
		DurationMs:           durationMs,
		PromptTokens:         usage.PromptTokens,
		CompletionTokens:     usage.CompletionTokens,
		PromptEvalDurationMs: usage.PromptEvalDurationMs,
		EvalDurationMs:       usage.EvalDurationMs,
		TTFTMs:               ttftMs,
	})
}

// ProxyGet passes one of the daemon's info endpoints (/api/tags,
// /api/ps) through unchanged. Anything other than an upstream 200
// collapses to a 500, so the dashboard gets a single failure shape.
func (e *Engine) ProxyGet(w http.ResponseWriter, r *http.Request, endpoint string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, e.upstream+endpoint, nil)
	if err != nil {
		slog.Error("building upstream request", "endpoint", endpoint, "error", err)
		proxyGetFailed(w)
		return
	}

	resp, err := e.getClient.Do(req)
	if err != nil {
		slog.Warn("upstream info request failed", "endpoint", endpoint, "error", err)
		proxyGetFailed(w)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("upstream info request non-200", "endpoint", endpoint, "status", resp.StatusCode)
		proxyGetFailed(w)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("reading upstream info response", "endpoint", endpoint, "error", err)
		proxyGetFailed(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func proxyGetFailed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, "Failed to fetch from Ollama")
}
