package observability

import (
	"context"
	"sync"
	"time"
)

// TurnState identifies where a turn is in its lifecycle. Transitions are
// emitted as log records and counted for the diagnostics surface.
type TurnState string

const (
	TurnReceived        TurnState = "received"
	TurnRouted          TurnState = "routed"
	TurnExecuting       TurnState = "executing"
	TurnResponded       TurnState = "responded"
	TurnShadowScheduled TurnState = "shadow-scheduled"
	TurnShadowComplete  TurnState = "shadow-complete"
	TurnShadowDropped   TurnState = "shadow-dropped"
	TurnShadowFailed    TurnState = "shadow-failed"
)

type stateEvent struct {
	state TurnState
	at    time.Time
}

// eventRetention bounds how long transitions are kept. It comfortably exceeds
// the largest window the admin surfaces query over.
const eventRetention = 24 * time.Hour

// TurnTracker records turn state transitions and summarises counts per state
// over a retention window.
type TurnTracker struct {
	mu     sync.Mutex
	events []stateEvent
	logger *Logger
}

// NewTurnTracker creates a tracker that also emits a log record per
// transition when logger is non-nil.
func NewTurnTracker(logger *Logger) *TurnTracker {
	return &TurnTracker{logger: logger}
}

// Transition records a turn entering the given state.
func (t *TurnTracker) Transition(ctx context.Context, state TurnState, args ...any) {
	now := time.Now()
	t.mu.Lock()
	if len(t.events) > 0 && now.Sub(t.events[0].at) > eventRetention {
		t.pruneLocked(now.Add(-eventRetention))
	}
	t.events = append(t.events, stateEvent{state: state, at: now})
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Debug(ctx, "turn state", append([]any{"state", string(state)}, args...)...)
	}
}

// Counts returns the number of transitions per state within the window.
// A zero window counts everything retained.
func (t *TurnTracker) Counts(window time.Duration) map[TurnState]int {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[TurnState]int)
	for _, ev := range t.events {
		if !cutoff.IsZero() && ev.at.Before(cutoff) {
			continue
		}
		counts[ev.state]++
	}
	return counts
}

// Prune discards transitions older than the window to bound memory.
// Transition also prunes opportunistically once the oldest retained event
// exceeds eventRetention, so long-running servers stay bounded without a
// background ticker.
func (t *TurnTracker) Prune(window time.Duration) {
	if window <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(time.Now().Add(-window))
}

func (t *TurnTracker) pruneLocked(cutoff time.Time) {
	kept := t.events[:0]
	for _, ev := range t.events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	t.events = kept
}
