// Package dashboard serves the SectorFlux web UI and REST API on the
// same port as the proxy routes.
//
//   - Web UI:     GET /               single-page dashboard (embedded)
//   - WebSocket:  GET /ws/dashboard   1 Hz state snapshots
//                 GET /ws/chat        streaming chat relay
//   - REST API:   GET /api/logs       recent request history
//                 GET /api/logs/{id}  one entry with full bodies
//                 PUT /api/logs/{id}/starred
//                 GET /api/metrics    aggregate counters
//                 GET /api/version
//                 GET/POST /api/config/cache
//                 POST /api/replay/{id}
//                 POST /api/shutdown
//
// Proxied routes (/api/generate, /api/chat, /api/tags, /api/ps) are
// mounted on the same mux and dispatch straight to the proxy engine.
package dashboard

import (
	"embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/particlesector/sectorflux/internal/proxy"
	"github.com/particlesector/sectorflux/internal/store"
	"github.com/particlesector/sectorflux/internal/version"
)

//go:embed static
var staticFS embed.FS

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Store    *store.Store
	Engine   *proxy.Engine
	Upstream string // daemon base URL, for the running-model poll

	// OnShutdown is invoked when POST /api/shutdown is accepted, after
	// the response has been written. Typically it signals main to begin
	// a graceful stop.
	OnShutdown func()
}

// Dashboard serves the web UI, the REST API, and the two WebSocket
// endpoints, and owns the snapshot broadcaster.
type Dashboard struct {
	store      *store.Store
	engine     *proxy.Engine
	onShutdown func()
	hub        *wsHub
	caster     *broadcaster
}

// New builds the dashboard and starts its background work: the
// observer hub and the 1-second snapshot broadcaster.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		store:      opts.Store,
		engine:     opts.Engine,
		onShutdown: opts.OnShutdown,
		hub:        newWSHub(),
	}
	d.caster = newBroadcaster(opts.Store, opts.Upstream, d.hub)

	go d.hub.run()
	d.caster.start()

	return d
}

// Close stops the broadcaster. Open observer connections are torn down
// by the server shutdown.
func (d *Dashboard) Close() {
	d.caster.stop()
}

// Handler returns the complete route table: proxy forwards, admin API,
// WebSockets, and the embedded UI.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	// Proxied daemon routes.
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		d.engine.Forward(w, r, "/api/generate")
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		d.engine.Forward(w, r, "/api/chat")
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		d.engine.ProxyGet(w, r, "/api/tags")
	})
	mux.HandleFunc("GET /api/ps", func(w http.ResponseWriter, r *http.Request) {
		d.engine.ProxyGet(w, r, "/api/ps")
	})

	// WebSockets.
	mux.HandleFunc("GET /ws/chat", d.engine.HandleChatSocket)
	mux.HandleFunc("GET /ws/dashboard", d.handleDashboardSocket)

	// Admin API.
	mux.HandleFunc("GET /api/logs", d.handleLogs)
	mux.HandleFunc("GET /api/logs/{id}", d.handleLog)
	mux.HandleFunc("PUT /api/logs/{id}/starred", d.handleSetStarred)
	mux.HandleFunc("GET /api/metrics", d.handleMetrics)
	mux.HandleFunc("GET /api/version", d.handleVersion)
	mux.HandleFunc("GET /api/config/cache", d.handleCacheConfigGet)
	mux.HandleFunc("POST /api/config/cache", d.handleCacheConfigSet)
	mux.HandleFunc("POST /api/replay/{id}", d.handleReplay)
	mux.HandleFunc("POST /api/shutdown", d.handleShutdown)

	// Embedded UI.
	mux.HandleFunc("GET /{$}", d.serveStatic("index.html", "text/html"))
	mux.HandleFunc("GET /style.css", d.serveStatic("style.css", "text/css"))
	mux.HandleFunc("GET /app.js", d.serveStatic("app.js", "application/javascript"))
	mux.HandleFunc("GET /api.js", d.serveStatic("api.js", "application/javascript"))
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// --- REST API handlers ---

// handleLogs returns the most recent history entries, newest first,
// with full request and response bodies.
func (d *Dashboard) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := d.store.Logs(store.DefaultLogLimit)
	if err != nil {
		slog.Error("reading logs", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (d *Dashboard) handleLog(w http.ResponseWriter, r *http.Request) {
	entry, ok := d.lookupLog(w, r, "Log not found")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleSetStarred toggles the starred flag on one entry.
// PUT /api/logs/{id}/starred  { "starred": true }
func (d *Dashboard) handleSetStarred(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeText(w, http.StatusNotFound, "Log not found")
		return
	}

	var req struct {
		Starred *bool `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Starred == nil {
		writeText(w, http.StatusBadRequest, "Missing 'starred' field")
		return
	}

	if err := d.store.SetStarred(id, *req.Starred); err != nil {
		slog.Error("setting starred flag", "id", id, "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct {
		ID        int64 `json:"id"`
		IsStarred bool  `json:"is_starred"`
	}{id, *req.Starred})
}

func (d *Dashboard) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.store.Aggregate())
}

func (d *Dashboard) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Version string `json:"version"`
		Major   int    `json:"major"`
		Minor   int    `json:"minor"`
		Patch   int    `json:"patch"`
	}{version.String, version.Major, version.Minor, version.Patch})
}

func (d *Dashboard) handleCacheConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Enabled bool `json:"enabled"`
	}{d.engine.CacheEnabled()})
}

// handleCacheConfigSet flips the cache at runtime.
// POST /api/config/cache  { "enabled": false }
func (d *Dashboard) handleCacheConfigSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Enabled == nil {
		writeText(w, http.StatusBadRequest, "Missing 'enabled' field")
		return
	}

	d.engine.SetCacheEnabled(*req.Enabled)
	slog.Info("cache toggled via API", "enabled", *req.Enabled)
	writeText(w, http.StatusOK, "Cache configuration updated")
}

// handleReplay re-issues a stored request against the daemon. The
// synthetic request carries the bypass header so the replay always
// produces a fresh response, which is then logged as a new entry.
func (d *Dashboard) handleReplay(w http.ResponseWriter, r *http.Request) {
	entry, ok := d.lookupLog(w, r, "Log entry not found")
	if !ok {
		return
	}

	replay, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		entry.Endpoint, strings.NewReader(entry.RequestBody))
	if err != nil {
		slog.Error("building replay request", "id", entry.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	replay.Header.Set(proxy.HeaderNoCache, "true")

	d.engine.Forward(w, replay, entry.Endpoint)
}

// handleShutdown acknowledges the request, then asks main to stop.
func (d *Dashboard) handleShutdown(w http.ResponseWriter, r *http.Request) {
	slog.Info("shutdown requested via API")
	writeText(w, http.StatusOK, "Server shutting down")
	if d.onShutdown != nil {
		d.onShutdown()
	}
}

// lookupLog resolves the {id} path segment to a stored entry, writing
// a 404 with the given message when it cannot.
func (d *Dashboard) lookupLog(w http.ResponseWriter, r *http.Request, notFound string) (store.LogEntry, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeText(w, http.StatusNotFound, notFound)
		return store.LogEntry{}, false
	}

	entry, err := d.store.Log(id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("reading log entry", "id", id, "error", err)
		}
		writeText(w, http.StatusNotFound, notFound)
		return store.LogEntry{}, false
	}
	return *entry, true
}

// --- Helpers ---

func (d *Dashboard) serveStatic(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/" + name)
		if err != nil {
			slog.Error("embedded asset missing", "name", name, "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

// writeJSON sends an indented JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeText sends a bare text body, no trailing newline. Several API
// responses are fixed strings that clients compare verbatim.
func writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	io.WriteString(w, body)
}
