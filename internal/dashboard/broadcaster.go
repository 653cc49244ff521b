package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/particlesector/sectorflux/internal/store"
)

const (
	// broadcastInterval is how often a state snapshot goes out.
	broadcastInterval = time.Second

	// psTimeout bounds the upstream running-model poll. It must stay
	// well under the broadcast interval so a hung daemon cannot make
	// ticks pile up.
	psTimeout = time.Second
)

// snapshotEntry is the slim log row included in broadcast frames.
// Request and response bodies stay out of the feed; observers fetch
// them through /api/logs/{id} when a row is opened.
type snapshotEntry struct {
	ID                   int64  `json:"id"`
	Timestamp            string `json:"timestamp"`
	Method               string `json:"method"`
	Endpoint             string `json:"endpoint"`
	Model                string `json:"model"`
	ResponseStatus       int    `json:"response_status"`
	DurationMs           int64  `json:"duration_ms"`
	PromptTokens         int    `json:"prompt_tokens"`
	CompletionTokens     int    `json:"completion_tokens"`
	PromptEvalDurationMs int64  `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64  `json:"eval_duration_ms"`
	IsStarred            bool   `json:"is_starred"`
}

type snapshot struct {
	Logs         []snapshotEntry `json:"logs"`
	Metrics      store.Metrics   `json:"metrics"`
	RunningModel string          `json:"running_model"`
}

// broadcaster assembles one snapshot per second and hands it to the
// hub for fan-out.
type broadcaster struct {
	store    *store.Store
	upstream string
	hub      *wsHub
	client   *http.Client

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newBroadcaster(st *store.Store, upstream string, hub *wsHub) *broadcaster {
	return &broadcaster{
		store:    st,
		upstream: upstream,
		hub:      hub,
		client:   &http.Client{Timeout: psTimeout},
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *broadcaster) start() {
	go b.loop()
}

// stop halts the ticker and waits for an in-flight tick to finish.
func (b *broadcaster) stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		<-b.done
	})
}

func (b *broadcaster) loop() {
	defer close(b.done)

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			if msg, ok := b.snapshot(); ok {
				b.hub.broadcast(msg)
			}
		}
	}
}

// snapshot builds one broadcast frame. A store read failure skips the
// whole tick rather than sending a partial frame.
func (b *broadcaster) snapshot() ([]byte, bool) {
	logs, err := b.store.Logs(store.DefaultLogLimit)
	if err != nil {
		slog.Warn("dashboard snapshot skipped", "error", err)
		return nil, false
	}

	slim := make([]snapshotEntry, len(logs))
	for i, l := range logs {
		slim[i] = snapshotEntry{
			ID:                   l.ID,
			Timestamp:            l.Timestamp,
			Method:               l.Method,
			Endpoint:             l.Endpoint,
			Model:                l.Model,
			ResponseStatus:       l.ResponseStatus,
			DurationMs:           l.DurationMs,
			PromptTokens:         l.PromptTokens,
			CompletionTokens:     l.CompletionTokens,
			PromptEvalDurationMs: l.PromptEvalDurationMs,
			EvalDurationMs:       l.EvalDurationMs,
			IsStarred:            l.IsStarred,
		}
	}

	data, err := json.Marshal(snapshot{
		Logs:         slim,
		Metrics:      b.store.Aggregate(),
		RunningModel: b.runningModel(),
	})
	if err != nil {
		slog.Error("marshaling dashboard snapshot", "error", err)
		return nil, false
	}
	return data, true
}

// runningModel asks the daemon what is loaded right now. The daemon
// being unreachable is an expected state and gets its own label so the
// UI can show it.
func (b *broadcaster) runningModel() string {
	resp, err := b.client.Get(b.upstream + "/api/ps")
	if err != nil {
		return "Ollama Offline"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "Ollama Offline"
	}

	var ps struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
		return "None"
	}
	if len(ps.Models) == 0 || ps.Models[0].Name == "" {
		return "None"
	}
	return ps.Models[0].Name
}
