package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/particlesector/sectorflux/internal/store"
)

const fixtureSummary = `{"done":true,"prompt_eval_count":5,"eval_count":7,"prompt_eval_duration":200000000,"eval_duration":400000000}`

// ndjsonUpstream fakes the daemon: each POST streams three NDJSON
// chunks with per-chunk flushes. Responses embed a call counter so
// tests can tell which upstream call produced a body.
type ndjsonUpstream struct {
	srv   *httptest.Server
	calls atomic.Int64
}

func newNDJSONUpstream(t *testing.T) *ndjsonUpstream {
	t.Helper()
	u := &ndjsonUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.calls.Add(1)
		fl := w.(http.Flusher)

		// A small delay before the first byte keeps TTFT measurable.
		time.Sleep(5 * time.Millisecond)
		for _, chunk := range u.chunks(n) {
			io.WriteString(w, chunk)
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *ndjsonUpstream) chunks(call int64) []string {
	return []string{
		fmt.Sprintf(`{"response":"chunk-a-%d","done":false}`+"\n", call),
		fmt.Sprintf(`{"response":"chunk-b-%d","done":false}`+"\n", call),
		fixtureSummary + "\n",
	}
}

// body returns the full NDJSON body the fixture produced for a call.
func (u *ndjsonUpstream) body(call int64) string {
	return strings.Join(u.chunks(call), "")
}

func newTestEngine(t *testing.T, upstream string, cacheEnabled bool, excludes ...string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "flux.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := New(Options{
		Store:         st,
		Upstream:      upstream,
		CacheEnabled:  cacheEnabled,
		ExcludeModels: excludes,
	})
	return e, st
}

// waitForLogs polls until the store's async writer has flushed at
// least want entries.
func waitForLogs(t *testing.T, st *store.Store, want int) []store.LogEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		logs, err := st.Logs(want)
		if err != nil {
			t.Fatalf("Logs: %v", err)
		}
		if len(logs) >= want {
			return logs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d logs, have %d", want, len(logs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func postGenerate(e *Engine, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.Forward(rec, req, "/api/generate")
	return rec
}

func TestForward_StreamsAndLogs(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, st := newTestEngine(t, up.srv.URL, true)

	reqBody := `{"model":"llama3","prompt":"hi"}`
	rec := postGenerate(e, reqBody, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("%s: expected MISS, got %q", HeaderCache, got)
	}
	if rec.Body.String() != up.body(1) {
		t.Errorf("body: expected upstream bytes verbatim, got %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("response should have been flushed incrementally")
	}

	logs := waitForLogs(t, st, 1)
	entry := logs[0]
	if entry.Method != http.MethodPost || entry.Endpoint != "/api/generate" {
		t.Errorf("method/endpoint: got %s %s", entry.Method, entry.Endpoint)
	}
	if entry.Model != "llama3" {
		t.Errorf("model: expected llama3, got %q", entry.Model)
	}
	if entry.ResponseStatus != 200 {
		t.Errorf("response status: expected 200, got %d", entry.ResponseStatus)
	}
	if entry.RequestBody != reqBody {
		t.Errorf("request body: got %q", entry.RequestBody)
	}
	if entry.ResponseBody != up.body(1) {
		t.Errorf("response body: got %q", entry.ResponseBody)
	}
	if entry.PromptTokens != 5 || entry.CompletionTokens != 7 {
		t.Errorf("tokens: expected 5/7, got %d/%d", entry.PromptTokens, entry.CompletionTokens)
	}
	if entry.PromptEvalDurationMs != 200 || entry.EvalDurationMs != 400 {
		t.Errorf("phase durations: expected 200/400, got %d/%d",
			entry.PromptEvalDurationMs, entry.EvalDurationMs)
	}
	if entry.DurationMs <= 0 {
		t.Errorf("duration should be positive, got %d", entry.DurationMs)
	}
	if entry.TTFTMs <= 0 || entry.TTFTMs > entry.DurationMs {
		t.Errorf("ttft %d out of bounds (duration %d)", entry.TTFTMs, entry.DurationMs)
	}
}

func TestForward_CacheHit(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, st := newTestEngine(t, up.srv.URL, true)

	reqBody := `{"model":"llama3","prompt":"hi"}`

	first := postGenerate(e, reqBody, nil)
	if first.Header().Get(HeaderCache) != "MISS" {
		t.Fatalf("first call should miss")
	}

	second := postGenerate(e, reqBody, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", second.Code)
	}
	if got := second.Header().Get(HeaderCache); got != "HIT" {
		t.Errorf("%s: expected HIT, got %q", HeaderCache, got)
	}
	if second.Body.String() != up.body(1) {
		t.Errorf("cached body should match the first response")
	}
	if got := up.calls.Load(); got != 1 {
		t.Errorf("upstream should be called once, got %d", got)
	}

	logs := waitForLogs(t, st, 2)
	hit := logs[0]
	if hit.DurationMs != 0 {
		t.Errorf("cache hit should record zero duration, got %d", hit.DurationMs)
	}
	if hit.TTFTMs != 0 || hit.PromptEvalDurationMs != 0 || hit.EvalDurationMs != 0 {
		t.Errorf("cache hit timing fields should be zero: %+v", hit)
	}
	if hit.PromptTokens != 5 || hit.CompletionTokens != 7 {
		t.Errorf("cache hit keeps token counts, got %d/%d", hit.PromptTokens, hit.CompletionTokens)
	}
}

func TestForward_NoCacheHeaderBypasses(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, _ := newTestEngine(t, up.srv.URL, true)

	reqBody := `{"model":"llama3","prompt":"hi"}`

	postGenerate(e, reqBody, nil) // primes the cache with call 1

	bypass := postGenerate(e, reqBody, map[string]string{HeaderNoCache: "true"})
	if got := bypass.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("%s: expected MISS on bypass, got %q", HeaderCache, got)
	}
	if bypass.Body.String() != up.body(2) {
		t.Errorf("bypass should reach upstream, got %q", bypass.Body.String())
	}

	// The bypass call must not have replaced the cached entry either.
	third := postGenerate(e, reqBody, nil)
	if got := third.Header().Get(HeaderCache); got != "HIT" {
		t.Errorf("expected HIT after bypass, got %q", got)
	}
	if third.Body.String() != up.body(1) {
		t.Errorf("cache should still hold the first response, got %q", third.Body.String())
	}
}

func TestForward_CacheToggle(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, _ := newTestEngine(t, up.srv.URL, true)

	reqBody := `{"model":"llama3","prompt":"hi"}`
	postGenerate(e, reqBody, nil)

	e.SetCacheEnabled(false)
	if e.CacheEnabled() {
		t.Fatal("cache should report disabled")
	}

	second := postGenerate(e, reqBody, nil)
	if got := second.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("disabled cache must not serve hits, got %q", got)
	}
	if got := up.calls.Load(); got != 2 {
		t.Errorf("upstream should be called twice, got %d", got)
	}

	e.SetCacheEnabled(true)
	third := postGenerate(e, reqBody, nil)
	if got := third.Header().Get(HeaderCache); got != "HIT" {
		t.Errorf("re-enabled cache should hit, got %q", got)
	}
}

func TestForward_ExcludedModelBypassesCache(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, _ := newTestEngine(t, up.srv.URL, true, "llama*")

	excluded := `{"model":"llama3","prompt":"hi"}`
	postGenerate(e, excluded, nil)
	second := postGenerate(e, excluded, nil)
	if got := second.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("excluded model should never hit, got %q", got)
	}
	if got := up.calls.Load(); got != 2 {
		t.Errorf("both excluded calls should reach upstream, got %d", got)
	}

	// A model outside the patterns caches normally.
	other := `{"model":"phi3","prompt":"hi"}`
	postGenerate(e, other, nil)
	hit := postGenerate(e, other, nil)
	if got := hit.Header().Get(HeaderCache); got != "HIT" {
		t.Errorf("non-excluded model should hit, got %q", got)
	}
}

func TestForward_UpstreamDown(t *testing.T) {
	// Port 1 on loopback: connection refused immediately.
	e, st := newTestEngine(t, "http://127.0.0.1:1", true)

	rec := postGenerate(e, `{"model":"llama3","prompt":"hi"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: expected 500, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Error forwarding request to Ollama: ") {
		t.Errorf("diagnostic body: got %q", rec.Body.String())
	}
	if got := rec.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("%s: expected MISS, got %q", HeaderCache, got)
	}

	logs := waitForLogs(t, st, 1)
	if logs[0].ResponseStatus != http.StatusInternalServerError {
		t.Errorf("logged status: expected 500, got %d", logs[0].ResponseStatus)
	}
	if logs[0].ResponseBody != rec.Body.String() {
		t.Errorf("logged body should match the diagnostic")
	}
	if logs[0].PromptTokens != 0 || logs[0].CompletionTokens != 0 {
		t.Errorf("no telemetry expected on failure, got %+v", logs[0])
	}
}

func TestForward_Non200PassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model not found"}`)
	}))
	defer upstream.Close()

	e, st := newTestEngine(t, upstream.URL, true)

	reqBody := `{"model":"missing","prompt":"hi"}`
	rec := postGenerate(e, reqBody, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: expected 404 passthrough, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"model not found"}` {
		t.Errorf("body: got %q", rec.Body.String())
	}

	logs := waitForLogs(t, st, 1)
	if logs[0].ResponseStatus != http.StatusNotFound {
		t.Errorf("logged status: expected 404, got %d", logs[0].ResponseStatus)
	}

	// Non-200 responses are never cached.
	second := postGenerate(e, reqBody, nil)
	if got := second.Header().Get(HeaderCache); got != "MISS" {
		t.Errorf("404 must not be cached, got %q", got)
	}
}

func TestForward_EmptyBodyNotCached(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, _ := newTestEngine(t, upstream.URL, true)

	reqBody := `{"model":"llama3","prompt":"hi"}`
	postGenerate(e, reqBody, nil)
	postGenerate(e, reqBody, nil)
	if got := calls.Load(); got != 2 {
		t.Errorf("empty 200 must not be cached, upstream calls = %d", got)
	}
}

func TestProxyGet_PassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		io.WriteString(w, `{"models":[{"name":"llama3"}]}`)
	}))
	defer upstream.Close()

	e, _ := newTestEngine(t, upstream.URL, true)

	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()
	e.ProxyGet(rec, req, "/api/tags")

	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"models":[{"name":"llama3"}]}` {
		t.Errorf("body: got %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type: got %q", ct)
	}
}

func TestProxyGet_Failures(t *testing.T) {
	teapot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer teapot.Close()

	cases := []struct {
		name     string
		upstream string
	}{
		{"unreachable", "http://127.0.0.1:1"},
		{"non-200", teapot.URL},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t, tc.upstream, true)

			req := httptest.NewRequest(http.MethodGet, "/api/ps", nil)
			rec := httptest.NewRecorder()
			e.ProxyGet(rec, req, "/api/ps")

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status: expected 500, got %d", rec.Code)
			}
			if rec.Body.String() != "Failed to fetch from Ollama" {
				t.Errorf("body: got %q", rec.Body.String())
			}
		})
	}
}

func TestSetCacheExcludes_SkipsInvalidPatterns(t *testing.T) {
	up := newNDJSONUpstream(t)
	e, _ := newTestEngine(t, up.srv.URL, true)

	e.SetCacheExcludes([]string{"[unterminated", "good*"})

	if !e.modelExcluded("goodmodel") {
		t.Error("valid pattern should still apply")
	}
	if e.modelExcluded("other") {
		t.Error("non-matching model should not be excluded")
	}
}
