package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/shadow"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/valves"
)

// stubProvider answers every completion with fixed text and no tool calls.
type stubProvider struct {
	content string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, _ *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	return &agent.CompletionResponse{Content: p.content}, nil
}

type testStack struct {
	server   *Server
	http     *httptest.Server
	observer *shadow.Observer
	metrics  *observability.Metrics
	valves   *valves.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(backendSrv.Close)

	cfg := config.Defaults()
	cfg.PipelineID = "relay-test"
	cfg.BackendURL = backendSrv.URL

	ring := observability.NewRingBuffer(500)
	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Output: io.Discard, Ring: ring})
	metrics := observability.NewMetrics()
	tracker := observability.NewTurnTracker(logger)
	vm := valves.NewManager(cfg.PipelineID, filepath.Join(t.TempDir(), "valves.json"), logger)

	bc := backend.NewClient(backend.Options{BaseURL: cfg.BackendURL, Logger: logger})
	registry := tools.NewRegistry(bc, logger, metrics)
	for _, spec := range tools.Builtin() {
		if err := registry.Register(spec); err != nil {
			t.Fatal(err)
		}
	}

	runtime := agent.NewRuntime(&stubProvider{content: "Hello from the assistant."}, registry, logger, metrics)
	observer := shadow.NewObserver(bc, vm, logger, metrics, tracker)

	srv := NewServer(Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Ring:     ring,
		Tracker:  tracker,
		Valves:   vm,
		Backend:  bc,
		Registry: registry,
		Router:   routing.New(agent.Bundles()),
		Runtime:  runtime,
		Observer: observer,
		Agents:   agent.Descriptors(),
		Version:  "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{server: srv, http: ts, observer: observer, metrics: metrics, valves: vm}
}

func (s *testStack) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.http.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func (s *testStack) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func chatRequest(model, message string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": message},
		},
	}
}

func TestChatCompletionEnvelope(t *testing.T) {
	s := newTestStack(t)

	resp, body := s.postJSON(t, "/v1/chat/completions", chatRequest("auto", "hello there"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}

	if body["object"] != "chat.completion" {
		t.Errorf("object = %v", body["object"])
	}
	if id, _ := body["id"].(string); !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("id = %v", body["id"])
	}

	choices := body["choices"].([]any)
	choice := choices[0].(map[string]any)
	msg := choice["message"].(map[string]any)
	if msg["role"] != "assistant" {
		t.Errorf("role = %v", msg["role"])
	}
	if msg["content"] != "Hello from the assistant." {
		t.Errorf("content = %v", msg["content"])
	}
	if choice["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v", choice["finish_reason"])
	}

	usage := body["usage"].(map[string]any)
	total := usage["total_tokens"].(float64)
	if total != usage["prompt_tokens"].(float64)+usage["completion_tokens"].(float64) {
		t.Errorf("usage does not add up: %v", usage)
	}
	if total <= 0 {
		t.Errorf("total_tokens = %v, want an approximation > 0", total)
	}
}

func TestChatRejectsShadowModel(t *testing.T) {
	s := newTestStack(t)

	resp, body := s.postJSON(t, "/v1/chat/completions", chatRequest("shadow_observer", "hi"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %v", resp.StatusCode, body)
	}
}

func TestChatRejectsUnknownModel(t *testing.T) {
	s := newTestStack(t)

	resp, _ := s.postJSON(t, "/v1/chat/completions", chatRequest("gpt-unknown", "hi"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatRejectsStreaming(t *testing.T) {
	s := newTestStack(t)

	req := chatRequest("auto", "hi")
	req["stream"] = true
	resp, _ := s.postJSON(t, "/v1/chat/completions", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatRequiresUserMessage(t *testing.T) {
	s := newTestStack(t)

	resp, _ := s.postJSON(t, "/v1/chat/completions", map[string]any{
		"model":    "auto",
		"messages": []map[string]string{{"role": "system", "content": "be nice"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatNamedAgent(t *testing.T) {
	s := newTestStack(t)

	resp, body := s.postJSON(t, "/v1/chat/completions", chatRequest("personal_assistant", "hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["model"] != "personal_assistant" {
		t.Errorf("model echoed as %v", body["model"])
	}
}

func TestModelsListing(t *testing.T) {
	s := newTestStack(t)

	for _, path := range []string{"/models", "/v1/models"} {
		resp, body := s.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if body["object"] != "list" {
			t.Errorf("object = %v", body["object"])
		}
		ids := make(map[string]bool)
		for _, entry := range body["data"].([]any) {
			ids[entry.(map[string]any)["id"].(string)] = true
		}
		if !ids["auto"] || !ids["personal_assistant"] {
			t.Errorf("%s listing = %v, want auto and personal_assistant", path, ids)
		}
		if ids["shadow_observer"] {
			t.Errorf("%s listing exposes the shadow observer", path)
		}
	}
}

func TestShadowFailureNeverReachesClient(t *testing.T) {
	s := newTestStack(t)
	s.observer.Pipeline = func(context.Context, shadow.Task) error {
		panic("observer exploded")
	}

	resp, body := s.postJSON(t, "/v1/chat/completions", chatRequest("auto", "hello there"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite shadow failure; body = %v", resp.StatusCode, body)
	}
	if _, hasErr := body["error"]; hasErr {
		t.Fatalf("client observed an error: %v", body["error"])
	}

	s.observer.Wait()
	if got := testutil.ToFloat64(s.metrics.ShadowFailed); got != 1 {
		t.Errorf("shadow failed counter = %v, want exactly 1", got)
	}

	_, diag := s.get(t, "/relay-test/diagnostics")
	states := diag["turn_states"].(map[string]any)
	if states["shadow-failed"].(float64) != 1 {
		t.Errorf("diagnostics shadow-failed = %v, want 1", states["shadow-failed"])
	}
}

func TestValveAdminRoundTrip(t *testing.T) {
	s := newTestStack(t)

	_, spec := s.get(t, "/relay-test/valves/spec")
	props := spec["properties"].(map[string]any)
	if _, ok := props["routing_confidence_threshold"]; !ok {
		t.Fatal("spec missing routing_confidence_threshold")
	}

	resp, result := s.postJSON(t, "/relay-test/valves", map[string]any{
		"routing_confidence_threshold": 1.5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	validation := result["validation"].(map[string]any)
	field := validation["routing_confidence_threshold"].(map[string]any)
	if field["success"] == true {
		t.Fatal("out-of-range valve accepted")
	}
	if reason, _ := field["error"].(string); !strings.Contains(reason, "must be ≤ 1") {
		t.Errorf("error = %q, want range message", reason)
	}

	_, current := s.get(t, "/relay-test/valves")
	if current["routing_confidence_threshold"].(float64) != 0.3 {
		t.Errorf("rejected update mutated the valve: %v", current["routing_confidence_threshold"])
	}

	resp, _ = s.postJSON(t, "/relay-test/valves/reset", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
}

func TestLogsEndpointGatedByValve(t *testing.T) {
	s := newTestStack(t)

	// Generate some records.
	s.postJSON(t, "/v1/chat/completions", chatRequest("auto", "hello there"))

	_, summary := s.get(t, "/relay-test/logs")
	if _, ok := summary["logs"]; ok {
		t.Error("raw records exposed with expose_logs_ui off")
	}
	if _, ok := summary["count"]; !ok {
		t.Error("summary mode missing count")
	}

	s.valves.Update(context.Background(), map[string]any{"expose_logs_ui": true})
	_, full := s.get(t, "/relay-test/logs")
	if _, ok := full["logs"]; !ok {
		t.Error("raw records missing with expose_logs_ui on")
	}
}

func TestPipelineGuard(t *testing.T) {
	s := newTestStack(t)

	resp, _ := s.get(t, "/wrong-pipeline/valves")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown pipeline", resp.StatusCode)
	}
}

func TestHealthAndManifest(t *testing.T) {
	s := newTestStack(t)

	resp, health := s.get(t, "/health")
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, health)
	}

	resp, manifest := s.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manifest status = %d", resp.StatusCode)
	}
	if manifest["name"] != "Relay Orchestrator" || manifest["pipeline_id"] != "relay-test" {
		t.Errorf("manifest = %v", manifest)
	}

	// The manifest name tracks the pipeline_name valve.
	if res := s.valves.Update(context.Background(), map[string]any{"pipeline_name": "Renamed"}); !res.Success {
		t.Fatalf("valve update rejected: %+v", res.Validation)
	}
	_, manifest = s.get(t, "/")
	if manifest["name"] != "Renamed" {
		t.Errorf("manifest name = %v after valve update", manifest["name"])
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	s := newTestStack(t)
	s.postJSON(t, "/v1/chat/completions", chatRequest("auto", "hello there"))

	resp, err := http.Get(s.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "relay_turns_total") {
		t.Error("metrics output missing relay_turns_total")
	}
}

func TestTurnStatesProgress(t *testing.T) {
	s := newTestStack(t)
	s.postJSON(t, "/v1/chat/completions", chatRequest("auto", "hello there"))
	s.observer.Wait()

	_, status := s.get(t, "/relay-test/status")
	states := status["turn_states"].(map[string]any)
	for _, state := range []string{"received", "routed", "executing", "responded"} {
		if _, ok := states[state]; !ok {
			t.Errorf("turn states missing %q: %v", state, states)
		}
	}
}
