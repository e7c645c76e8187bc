package valves

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "valves.json")
	return NewManager("relay-test", path, nil)
}

func TestDefaultsLoaded(t *testing.T) {
	m := newTestManager(t)

	if got := m.Float("routing_confidence_threshold"); got != 0.3 {
		t.Errorf("routing_confidence_threshold = %v, want 0.3", got)
	}
	if got := m.Int("agent_max_iterations"); got != 6 {
		t.Errorf("agent_max_iterations = %v, want 6", got)
	}
	if !m.Bool("shadow_enabled") {
		t.Error("shadow_enabled should default to true")
	}
}

func TestUpdateRejectsOutOfRangeFloat(t *testing.T) {
	m := newTestManager(t)

	result := m.Update(context.Background(), map[string]any{
		"routing_confidence_threshold": 1.5,
	})

	fr, ok := result.Validation["routing_confidence_threshold"]
	if !ok {
		t.Fatal("no validation entry for rejected field")
	}
	if fr.Success {
		t.Fatal("out-of-range value accepted")
	}
	if !strings.Contains(fr.Error, "must be ≤ 1") {
		t.Errorf("error = %q, want range message", fr.Error)
	}
	if got := m.Float("routing_confidence_threshold"); got != 0.3 {
		t.Errorf("value changed to %v after rejected update", got)
	}
}

func TestUpdateAppliesValidFieldsFromMixedBatch(t *testing.T) {
	m := newTestManager(t)

	result := m.Update(context.Background(), map[string]any{
		"agent_max_iterations":         float64(10),
		"routing_confidence_threshold": 2.0,
		"no_such_valve":                true,
	})

	if !result.Validation["agent_max_iterations"].Success {
		t.Error("valid field rejected")
	}
	if result.Validation["routing_confidence_threshold"].Success {
		t.Error("invalid field accepted")
	}
	if result.Validation["no_such_valve"].Success {
		t.Error("unknown valve accepted")
	}
	if got := m.Int("agent_max_iterations"); got != 10 {
		t.Errorf("agent_max_iterations = %v, want 10", got)
	}
	if got := m.Float("routing_confidence_threshold"); got != 0.3 {
		t.Errorf("rejected field mutated to %v", got)
	}
	if !result.Success {
		t.Error("batch with at least one applied field should report success")
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	m := newTestManager(t)

	var order []string
	m.Subscribe(func(map[string]any) { order = append(order, "first") })
	m.Subscribe(func(map[string]any) { panic("listener blew up") })
	m.Subscribe(func(map[string]any) { order = append(order, "third") })

	m.Update(context.Background(), map[string]any{"debug_mode": true})

	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Errorf("listener order = %v, want [first third] around the panicking one", order)
	}
}

func TestListenersNotNotifiedWhenNothingApplied(t *testing.T) {
	m := newTestManager(t)

	fired := false
	m.Subscribe(func(map[string]any) { fired = true })

	m.Update(context.Background(), map[string]any{"routing_confidence_threshold": 9.9})
	if fired {
		t.Error("listener fired for a fully rejected batch")
	}
}

func TestRestartRequiredFlag(t *testing.T) {
	m := newTestManager(t)

	result := m.Update(context.Background(), map[string]any{"log_buffer_size": float64(5000)})
	if !result.RestartRequired {
		t.Error("log_buffer_size update should flag restart_required")
	}

	result = m.Update(context.Background(), map[string]any{"debug_mode": true})
	if result.RestartRequired {
		t.Error("debug_mode update should not flag restart_required")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valves.json")
	m := NewManager("relay-test", path, nil)

	m.Update(context.Background(), map[string]any{"agent_max_iterations": float64(12)})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("persisted file unreadable: %v", err)
	}
	var persisted struct {
		PipelineID string         `json:"pipeline_id"`
		Values     map[string]any `json:"values"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("persisted file unparseable: %v", err)
	}
	if persisted.PipelineID != "relay-test" {
		t.Errorf("pipeline_id = %q", persisted.PipelineID)
	}

	reloaded := NewManager("relay-test", path, nil)
	if got := reloaded.Int("agent_max_iterations"); got != 12 {
		t.Errorf("reloaded agent_max_iterations = %v, want 12", got)
	}
}

func TestLoadSkipsInvalidPersistedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valves.json")
	blob := `{"pipeline_id":"relay-test","values":{"agent_max_iterations":999,"debug_mode":true,"mystery":1}}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager("relay-test", path, nil)
	if got := m.Int("agent_max_iterations"); got != 6 {
		t.Errorf("out-of-range persisted value applied: %v", got)
	}
	if !m.Bool("debug_mode") {
		t.Error("valid persisted value not applied")
	}
}

func TestReset(t *testing.T) {
	m := newTestManager(t)
	m.Update(context.Background(), map[string]any{"agent_max_iterations": float64(20)})

	m.Reset(context.Background())
	if got := m.Int("agent_max_iterations"); got != 6 {
		t.Errorf("after reset agent_max_iterations = %v, want 6", got)
	}
}

func TestSpecDocument(t *testing.T) {
	m := newTestManager(t)
	doc := m.Spec()

	field, ok := doc.Properties["routing_confidence_threshold"]
	if !ok {
		t.Fatal("spec missing routing_confidence_threshold")
	}
	if field.Type != "number" {
		t.Errorf("type = %q, want number", field.Type)
	}
	if field.Maximum == nil || *field.Maximum != 1.0 {
		t.Errorf("maximum = %v, want 1.0", field.Maximum)
	}
	if field.Category != "routing" {
		t.Errorf("category = %q", field.Category)
	}
	if _, ok := doc.Categories["routing"]; !ok {
		t.Error("categories missing routing")
	}
}
