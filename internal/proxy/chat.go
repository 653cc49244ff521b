package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// chatQueueSize bounds the per-session backlog of unprocessed turns.
// A client that sends faster than upstream streams back is throttled
// through the socket once the queue fills.
const chatQueueSize = 16

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins; the chat UI is served from the same host.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Error frames sent to chat clients. These are whole text frames, not
// NDJSON chunks, so the UI can tell them apart from model output.
var (
	chatErrInvalidJSON = []byte(`{"error": "Invalid JSON"}`)
	chatErrUpstream    = []byte(`{"error": "Failed to connect to Ollama"}`)
	chatErrInternal    = []byte(`{"error": "Internal Server Error"}`)
)

// chatSession tracks one /ws/chat connection. Sessions carry a
// generated id (connection identity is not a stable key) and an active
// flag that the streaming worker consults at every chunk boundary.
type chatSession struct {
	id     string
	conn   *websocket.Conn
	active atomic.Bool

	// msgs carries inbound frames to the session worker, which forwards
	// them one at a time: a prompt sent while a stream is in flight
	// waits its turn instead of racing it.
	msgs chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

// sendText writes one text frame. The session worker is the only
// caller, so no write lock is needed.
func (s *chatSession) sendText(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleChatSocket upgrades a /ws/chat request and runs the session
// until the client disconnects. Each inbound text frame is one chat
// turn carrying {"model": ..., "messages": [...]}; the reply streams
// back as NDJSON text frames forwarded verbatim from upstream.
func (e *Engine) HandleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("chat websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxRequestBody)

	ctx, cancel := context.WithCancel(context.Background())
	s := &chatSession{
		id:     uuid.NewString(),
		conn:   conn,
		msgs:   make(chan []byte, chatQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.active.Store(true)

	slog.Info("chat session opened", "session", s.id, "remote", r.RemoteAddr)

	go e.chatWorker(s)

	// The read loop owns the connection lifetime: any read error means
	// the client is gone, which cancels whatever the worker is doing.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.msgs <- data
	}

	s.active.Store(false)
	cancel()
	close(s.msgs)
	conn.Close()

	slog.Info("chat session closed", "session", s.id)
}

// chatWorker forwards queued chat turns sequentially. Once the session
// closes it drains the remaining queue without forwarding.
func (e *Engine) chatWorker(s *chatSession) {
	for msg := range s.msgs {
		if !s.active.Load() {
			continue
		}
		e.handleChatTurn(s, msg)
	}
}

// handleChatTurn runs one prompt/response exchange: cache check,
// upstream POST to /api/chat with stream forced on, chunk-by-chunk
// relay to the client, then logging and caching.
//
// A turn aborted by the client closing the socket leaves no log entry;
// the partial response was never a complete interaction.
func (e *Engine) handleChatTurn(s *chatSession, raw []byte) {
	var in struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendText(chatErrInvalidJSON)
		return
	}

	model := in.Model
	if model == "" {
		model = "unknown"
	}

	// The cache key is the raw client frame, not the rebuilt upstream
	// body, so WebSocket entries never collide with HTTP ones.
	useCache := e.cacheUsable(model, false)
	if useCache {
		cached, err := e.store.CacheLookup(string(raw))
		if err != nil {
			slog.Warn("cache lookup failed", "session", s.id, "error", err)
		}
		if cached != nil {
			slog.Info("cache hit", "session", s.id, "model", model)
			s.sendText([]byte(cached.Body))
			e.logCacheHit("/api/chat", model, string(raw), cached)
			return
		}
	}

	upBody, err := json.Marshal(struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
		Stream   bool            `json:"stream"`
	}{in.Model, in.Messages, true})
	if err != nil {
		slog.Error("building chat request", "session", s.id, "error", err)
		if s.active.Load() {
			s.sendText(chatErrInternal)
		}
		return
	}

	start := time.Now()

	resp, err := e.postUpstream(s.ctx, e.chatClient, "/api/chat", upBody)
	if err != nil {
		if s.active.Load() {
			slog.Warn("chat upstream request failed", "session", s.id, "error", err)
			s.sendText(chatErrUpstream)
		}
		return
	}
	defer resp.Body.Close()

	var acc bytes.Buffer
	var ttftMs int64
	var streamErr error
	aborted := false

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if ttftMs == 0 {
				ttftMs = time.Since(start).Milliseconds()
			}
			if !s.active.Load() {
				aborted = true
				break
			}
			acc.Write(buf[:n])
			if err := s.sendText(buf[:n]); err != nil {
				aborted = true
				break
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

	if aborted || !s.active.Load() {
		// Closing the response body tears down the upstream read.
		slog.Debug("chat turn aborted", "session", s.id)
		return
	}

	if streamErr != nil || resp.StatusCode != http.StatusOK {
		slog.Warn("chat upstream failed", "session", s.id,
			"status", resp.StatusCode, "error", streamErr)
		s.sendText(chatErrUpstream)
		return
	}

	durationMs := time.Since(start).Milliseconds()
	e.logForward("/api/chat", model, string(raw), http.StatusOK, acc.String(), durationMs, ttftMs)

	if useCache && acc.Len() > 0 {
		if err := e.store.CachePut(string(raw), http.StatusOK, acc.String()); err != nil {
			slog.Error("cache store failed", "session", s.id, "error", err)
		}
	}
}
