// Package telemetry extracts token counts and timing stats from Ollama
// response bodies.
//
// Streamed generations arrive as NDJSON: one JSON object per line, with
// the stats riding on the final object (the one carrying "done": true).
// Non-streamed generations are a single JSON object with the same fields.
// Extract handles both shapes with one backward line scan.
package telemetry

import (
	"bytes"
	"encoding/json"
)

// Ollama reports durations in nanoseconds; the store keeps milliseconds.
const nsPerMs = 1_000_000

// Usage holds the per-request stats reported by the daemon at the end of
// a generation. Zero values mean the response carried no stats (error
// bodies, /api/tags output, truncated streams).
type Usage struct {
	PromptTokens         int
	CompletionTokens     int
	PromptEvalDurationMs int64
	EvalDurationMs       int64
}

// statsLine mirrors the subset of an Ollama response object we care
// about. Pointer fields distinguish "absent" from zero.
type statsLine struct {
	Done               *bool  `json:"done"`
	PromptEvalCount    *int   `json:"prompt_eval_count"`
	EvalCount          *int   `json:"eval_count"`
	PromptEvalDuration *int64 `json:"prompt_eval_duration"`
	EvalDuration       *int64 `json:"eval_duration"`
}

func (s *statsLine) hasStats() bool {
	return s.PromptEvalCount != nil || s.EvalCount != nil ||
		s.PromptEvalDuration != nil || s.EvalDuration != nil
}

// Extract scans body line by line from the end, looking for the summary
// object. The scan stops at the first line (from the end) that parses as
// JSON and carries at least one stats field or "done": true; whatever
// fields that line has are returned. Lines that are blank, don't start
// with '{', or fail to parse are skipped.
//
// A body with no qualifying line yields the zero Usage. Extract never
// fails: it is called on every proxied response, including upstream
// error bodies.
func Extract(body []byte) Usage {
	var u Usage

	rest := body
	for len(rest) > 0 {
		line := rest
		if i := bytes.LastIndexByte(rest, '\n'); i >= 0 {
			line = rest[i+1:]
			rest = rest[:i]
		} else {
			rest = nil
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var s statsLine
		if err := json.Unmarshal(line, &s); err != nil {
			continue
		}

		if s.PromptEvalCount != nil {
			u.PromptTokens = *s.PromptEvalCount
		}
		if s.EvalCount != nil {
			u.CompletionTokens = *s.EvalCount
		}
		if s.PromptEvalDuration != nil {
			u.PromptEvalDurationMs = *s.PromptEvalDuration / nsPerMs
		}
		if s.EvalDuration != nil {
			u.EvalDurationMs = *s.EvalDuration / nsPerMs
		}

		if s.hasStats() || (s.Done != nil && *s.Done) {
			return u
		}
	}

	return u
}

// Model returns the "model" field of a request body, or "unknown" when
// the body is not JSON or has no model.
func Model(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "unknown"
	}
	if req.Model == "" {
		return "unknown"
	}
	return req.Model
}
