// Package store persists proxied request logs and the response cache in
// a single SQLite database.
//
// Log writes go through a bounded in-memory queue serviced by a single
// worker goroutine, so request handlers never wait on disk. Reads
// (dashboard queries, cache lookups) hit the database directly; WAL
// mode keeps them from blocking behind the writer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

const (
	// maxHistoryEntries bounds the requests table. Older rows are pruned
	// after every insert; starred rows are not exempt.
	maxHistoryEntries = 100

	// DefaultLogLimit is how many recent entries list queries return.
	DefaultLogLimit = 50

	// writeQueueSize bounds the async write queue. Submit blocks once the
	// queue is full, applying backpressure to the proxy instead of
	// growing without limit while the disk is stalled.
	writeQueueSize = 256
)

// ErrNotFound is returned by Log when no entry has the requested id.
var ErrNotFound = errors.New("log entry not found")

// LogEntry is one proxied request/response pair. ID, Timestamp, and
// IsStarred are assigned by the store; callers fill the rest.
type LogEntry struct {
	ID                   int64  `json:"id"`
	Timestamp            string `json:"timestamp"`
	Method               string `json:"method"`
	Endpoint             string `json:"endpoint"`
	Model                string `json:"model"`
	RequestBody          string `json:"request_body"`
	ResponseStatus       int    `json:"response_status"`
	ResponseBody         string `json:"response_body"`
	DurationMs           int64  `json:"duration_ms"`
	PromptTokens         int    `json:"prompt_tokens"`
	CompletionTokens     int    `json:"completion_tokens"`
	PromptEvalDurationMs int64  `json:"prompt_eval_duration_ms"`
	EvalDurationMs       int64  `json:"eval_duration_ms"`
	TTFTMs               int64  `json:"ttft_ms"`
	IsStarred            bool   `json:"is_starred"`
}

// CachedResponse is a cache table row: the upstream status and body
// stored for one exact request body.
type CachedResponse struct {
	Status int
	Body   string
}

// Metrics are the aggregate counters shown on the dashboard. Cache hits
// are recognized by duration_ms = 0, which only cache-served entries
// record.
type Metrics struct {
	TotalRequests int64   `json:"total_requests"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// Store owns the SQLite database and the async write worker.
type Store struct {
	db *sql.DB

	writes chan LogEntry
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// Open opens (or creates) the database at path, ensures the schema, and
// starts the write worker. The caller must Close the store to flush
// queued writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	// WAL lets dashboard reads proceed while the worker writes. The
	// store still works without it, so a failure is only a warning.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("could not enable WAL journal mode", "error", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			method TEXT,
			endpoint TEXT,
			model TEXT,
			request_body TEXT,
			response_status INTEGER,
			response_body TEXT,
			duration_ms INTEGER,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			prompt_eval_duration_ms INTEGER DEFAULT 0,
			eval_duration_ms INTEGER DEFAULT 0,
			ttft_ms INTEGER DEFAULT 0,
			is_starred INTEGER DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS cache (
			request_body TEXT PRIMARY KEY,
			response_status INTEGER,
			response_body TEXT
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating store schema: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan LogEntry, writeQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.worker()

	return s, nil
}

// Close drains the write queue, stops the worker, and closes the
// database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
	return s.db.Close()
}

// Submit queues a log entry for insertion. It blocks while the queue is
// full and returns immediately otherwise; insert errors are logged by
// the worker, never surfaced to the request path. Entries submitted
// while the store is closing are dropped.
func (s *Store) Submit(e LogEntry) {
	select {
	case s.writes <- e:
	case <-s.quit:
		slog.Warn("store closing, dropping log entry", "endpoint", e.Endpoint, "model", e.Model)
	}
}

// worker services the write queue until Close, then drains whatever is
// still queued before releasing Close.
func (s *Store) worker() {
	defer close(s.done)
	for {
		select {
		case e := <-s.writes:
			s.insert(e)
		case <-s.quit:
			for {
				select {
				case e := <-s.writes:
					s.insert(e)
				default:
					return
				}
			}
		}
	}
}

// insert writes one entry and prunes history past maxHistoryEntries.
// Runs only on the worker goroutine.
func (s *Store) insert(e LogEntry) {
	_, err := s.db.Exec(
		`INSERT INTO requests (method, endpoint, model, request_body,
			response_status, response_body, duration_ms, prompt_tokens,
			completion_tokens, prompt_eval_duration_ms, eval_duration_ms, ttft_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Method, e.Endpoint, e.Model, e.RequestBody,
		e.ResponseStatus, e.ResponseBody, e.DurationMs, e.PromptTokens,
		e.CompletionTokens, e.PromptEvalDurationMs, e.EvalDurationMs, e.TTFTMs,
	)
	if err != nil {
		slog.Error("request log insert failed", "endpoint", e.Endpoint, "error", err)
		return
	}

	_, err = s.db.Exec(
		`DELETE FROM requests WHERE id NOT IN (
			SELECT id FROM requests ORDER BY id DESC LIMIT ?)`,
		maxHistoryEntries,
	)
	if err != nil {
		slog.Error("history prune failed", "error", err)
	}
}

const logColumns = `id, timestamp, method, endpoint, model, request_body,
	response_status, response_body, duration_ms, prompt_tokens,
	completion_tokens, prompt_eval_duration_ms, eval_duration_ms,
	ttft_ms, is_starred`

func scanLogEntry(row interface{ Scan(...any) error }) (LogEntry, error) {
	var e LogEntry
	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Method, &e.Endpoint, &e.Model, &e.RequestBody,
		&e.ResponseStatus, &e.ResponseBody, &e.DurationMs, &e.PromptTokens,
		&e.CompletionTokens, &e.PromptEvalDurationMs, &e.EvalDurationMs,
		&e.TTFTMs, &e.IsStarred,
	)
	return e, err
}

// Logs returns the most recent entries, newest first. A limit of 0 or
// less means DefaultLogLimit. The result is never nil, so it always
// serializes as a JSON array.
func (s *Store) Logs(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}

	rows, err := s.db.Query(
		`SELECT `+logColumns+` FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	logs := make([]LogEntry, 0, limit)
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		logs = append(logs, e)
	}

	return logs, rows.Err()
}

// Log returns the entry with the given id, or ErrNotFound.
func (s *Store) Log(id int64) (*LogEntry, error) {
	row := s.db.QueryRow(`SELECT `+logColumns+` FROM requests WHERE id = ?`, id)

	e, err := scanLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying log %d: %w", id, err)
	}
	return &e, nil
}

// SetStarred updates the starred flag on an entry. Updating an id that
// does not exist is not an error; it simply affects no rows.
func (s *Store) SetStarred(id int64, starred bool) error {
	val := 0
	if starred {
		val = 1
	}
	if _, err := s.db.Exec(`UPDATE requests SET is_starred = ? WHERE id = ?`, val, id); err != nil {
		return fmt.Errorf("updating starred flag for %d: %w", id, err)
	}
	return nil
}

// CacheLookup returns the cached response for an exact request body, or
// (nil, nil) on a miss. Lookup failures are real errors; callers that
// want miss-like behavior on failure collapse the two.
func (s *Store) CacheLookup(requestBody string) (*CachedResponse, error) {
	var c CachedResponse
	err := s.db.QueryRow(
		`SELECT response_status, response_body FROM cache WHERE request_body = ?`,
		requestBody,
	).Scan(&c.Status, &c.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache: %w", err)
	}
	return &c, nil
}

// CachePut stores (or replaces) the cached response for a request body.
// Called synchronously after a response finishes; the cache table is
// unbounded and keyed on the exact body text.
func (s *Store) CachePut(requestBody string, status int, responseBody string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache (request_body, response_status, response_body)
		 VALUES (?, ?, ?)`,
		requestBody, status, responseBody,
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Aggregate computes dashboard metrics with three scans over the
// requests table. Query failures leave the affected field at zero; an
// empty table yields all zeros (AVG of nothing is NULL, reported as 0).
func (s *Store) Aggregate() Metrics {
	var m Metrics

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&m.TotalRequests); err != nil {
		slog.Error("metrics total scan failed", "error", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(`SELECT AVG(duration_ms) FROM requests`).Scan(&avg); err != nil {
		slog.Error("metrics latency scan failed", "error", err)
	} else if avg.Valid {
		m.AvgLatencyMs = avg.Float64
	}

	var hits int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE duration_ms = 0`).Scan(&hits); err != nil {
		slog.Error("metrics cache hit scan failed", "error", err)
	} else if m.TotalRequests > 0 {
		m.CacheHitRate = float64(hits) / float64(m.TotalRequests)
	}

	return m
}
