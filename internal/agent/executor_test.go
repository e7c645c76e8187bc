package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

func registryWithLocal(t *testing.T, name string, handler tools.LocalHandler) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil, nil, nil)
	err := r.Register(&tools.Spec{
		Name:        name,
		Description: "test tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Local:       handler,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestExecuteAllPreservesCallOrder(t *testing.T) {
	// Later calls finish first; results must still line up with call order.
	reg := registryWithLocal(t, "slow_echo", func(_ context.Context, args json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
		var in struct {
			N     int `json:"n"`
			Sleep int `json:"sleep_ms"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(in.Sleep) * time.Millisecond)
		return json.Marshal(map[string]int{"n": in.N})
	})

	e := NewExecutor(reg, 4)
	calls := []models.ToolCall{
		{ID: "call-0", Name: "slow_echo", Input: json.RawMessage(`{"n":0,"sleep_ms":30}`)},
		{ID: "call-1", Name: "slow_echo", Input: json.RawMessage(`{"n":1,"sleep_ms":10}`)},
		{ID: "call-2", Name: "slow_echo", Input: json.RawMessage(`{"n":2,"sleep_ms":1}`)},
	}

	results := e.ExecuteAll(context.Background(), calls, nil)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, inv := range results {
		if inv.CallID != fmt.Sprintf("call-%d", i) {
			t.Errorf("result %d has call id %q", i, inv.CallID)
		}
		var out struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(inv.Value, &out); err != nil || out.N != i {
			t.Errorf("result %d payload mismatch: %s", i, inv.Value)
		}
	}
}

func TestExecuteAllBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	reg := registryWithLocal(t, "counted", func(_ context.Context, _ json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return json.RawMessage(`{}`), nil
	})

	e := NewExecutor(reg, 2)
	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "counted", Input: json.RawMessage(`{}`)}
	}

	e.ExecuteAll(context.Background(), calls, nil)
	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", p)
	}
}

func TestExecuteAllIsolatesPanics(t *testing.T) {
	reg := registryWithLocal(t, "flaky", func(_ context.Context, args json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
		var in struct {
			Boom bool `json:"boom"`
		}
		_ = json.Unmarshal(args, &in)
		if in.Boom {
			panic("tool exploded")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	e := NewExecutor(reg, 4)
	results := e.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "a", Name: "flaky", Input: json.RawMessage(`{"boom":true}`)},
		{ID: "b", Name: "flaky", Input: json.RawMessage(`{"boom":false}`)},
	}, nil)

	if results[0].Outcome != models.OutcomeUnavailable {
		t.Errorf("panicking call outcome = %q, want unavailable", results[0].Outcome)
	}
	if !results[1].OK() {
		t.Errorf("healthy call outcome = %q, want ok", results[1].Outcome)
	}
}

func TestExecuteAllHonoursCancellation(t *testing.T) {
	reg := registryWithLocal(t, "noop", func(_ context.Context, _ json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewExecutor(reg, 1)
	results := e.ExecuteAll(ctx, []models.ToolCall{
		{ID: "a", Name: "noop", Input: json.RawMessage(`{}`)},
	}, nil)

	if results[0].Outcome != models.OutcomeUnavailable {
		t.Errorf("cancelled call outcome = %q, want unavailable", results[0].Outcome)
	}
}
