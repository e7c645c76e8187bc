package observability

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Record is a single structured log record retained in the ring buffer.
type Record struct {
	Time    time.Time      `json:"ts"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	TurnID  string         `json:"turn_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// RingBuffer retains the most recent log records in a fixed-size circular
// buffer. Writes are constant-time; reads copy a snapshot so callers never
// hold the lock while filtering.
type RingBuffer struct {
	mu   sync.Mutex
	recs []Record
	next int
	full bool
}

// NewRingBuffer creates a ring buffer holding up to capacity records.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{recs: make([]Record, capacity)}
}

// Append adds a record, evicting the oldest when full.
func (rb *RingBuffer) Append(rec Record) {
	rb.mu.Lock()
	rb.recs[rb.next] = rec
	rb.next++
	if rb.next == len(rb.recs) {
		rb.next = 0
		rb.full = true
	}
	rb.mu.Unlock()
}

// Len returns the number of retained records.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.recs)
	}
	return rb.next
}

// Snapshot returns retained records in append order.
func (rb *RingBuffer) Snapshot() []Record {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	out := make([]Record, 0, len(rb.recs))
	if rb.full {
		out = append(out, rb.recs[rb.next:]...)
	}
	out = append(out, rb.recs[:rb.next]...)
	return out
}

// Filter describes a projection over the ring buffer.
type Filter struct {
	// MinLevel drops records below this level ("debug" keeps everything).
	MinLevel string

	// Since drops records older than this instant. Zero keeps everything.
	Since time.Time

	// MaxLines bounds the result, keeping the most recent lines. Zero means
	// no bound.
	MaxLines int
}

// Query returns retained records matching the filter, oldest first.
func (rb *RingBuffer) Query(f Filter) []Record {
	min := parseLevel(f.MinLevel)
	all := rb.Snapshot()
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if parseLevel(rec.Level) < min {
			continue
		}
		if !f.Since.IsZero() && rec.Time.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	if f.MaxLines > 0 && len(out) > f.MaxLines {
		out = out[len(out)-f.MaxLines:]
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
