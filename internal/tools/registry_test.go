package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeRemote scripts the backend tool-execute surface.
type fakeRemote struct {
	result   json.RawMessage
	err      error
	lastName string
	lastArgs json.RawMessage
	lastUser *models.UserContext
	calls    int
}

func (f *fakeRemote) ExecuteTool(_ context.Context, name string, args json.RawMessage, user *models.UserContext) (json.RawMessage, error) {
	f.calls++
	f.lastName = name
	f.lastArgs = args
	f.lastUser = user
	return f.result, f.err
}

func newTestRegistry(t *testing.T, remote RemoteExecutor) *Registry {
	t.Helper()
	r := NewRegistry(remote, nil, nil)
	for _, spec := range Builtin() {
		if err := r.Register(spec); err != nil {
			t.Fatalf("register %s: %v", spec.Name, err)
		}
	}
	return r
}

func TestInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry(t, &fakeRemote{})

	inv := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "nope"}, nil)
	if inv.Outcome != models.OutcomeNotFound {
		t.Errorf("outcome = %q, want not_found", inv.Outcome)
	}
	if inv.CallID != "c1" {
		t.Errorf("call id = %q", inv.CallID)
	}
}

func TestInvokeRemoteSuccess(t *testing.T) {
	remote := &fakeRemote{result: json.RawMessage(`{"results":[]}`)}
	r := newTestRegistry(t, remote)

	user := &models.UserContext{ID: "u1", DisplayName: "U", Authenticated: true}
	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "search_memories", Input: json.RawMessage(`{"query":"pizza"}`),
	}, user)

	if !inv.OK() {
		t.Fatalf("outcome = %q (%s), want ok", inv.Outcome, inv.Error)
	}
	if inv.Source != models.SourceRemote {
		t.Errorf("source = %q, want remote", inv.Source)
	}
	if remote.lastName != "search_memories" {
		t.Errorf("remote saw tool %q", remote.lastName)
	}
	if remote.lastUser != user {
		t.Error("user context not forwarded to remote executor")
	}
}

func TestInvokeValidationFailure(t *testing.T) {
	remote := &fakeRemote{}
	r := newTestRegistry(t, remote)

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "search_memories", Input: json.RawMessage(`{}`),
	}, nil)

	if inv.Outcome != models.OutcomeValidation {
		t.Fatalf("outcome = %q, want validation", inv.Outcome)
	}
	if remote.calls != 0 {
		t.Error("remote dispatched despite validation failure")
	}
	if inv.Error == "" {
		t.Error("validation failure carries no reason")
	}
}

func TestInvokeLocalFallbackOnUnavailable(t *testing.T) {
	remote := &fakeRemote{err: &backend.Error{Kind: backend.KindUnavailable, Op: "tool.execute"}}
	r := newTestRegistry(t, remote)

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "get_current_time", Input: json.RawMessage(`{}`),
	}, nil)

	if !inv.OK() {
		t.Fatalf("outcome = %q (%s), want ok via fallback", inv.Outcome, inv.Error)
	}
	if inv.Source != models.SourceLocalFallback {
		t.Errorf("source = %q, want local-fallback", inv.Source)
	}
	var payload struct {
		Timestamp string `json:"timestamp"`
		Timezone  string `json:"timezone"`
	}
	if err := json.Unmarshal(inv.Value, &payload); err != nil {
		t.Fatalf("fallback value unparseable: %v", err)
	}
	if payload.Timestamp == "" || payload.Timezone == "" {
		t.Errorf("fallback payload incomplete: %+v", payload)
	}
}

func TestInvokeNoFallbackForOtherKinds(t *testing.T) {
	remote := &fakeRemote{err: &backend.Error{Kind: backend.KindUnauthorized, Op: "tool.execute"}}
	r := newTestRegistry(t, remote)

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "get_current_time", Input: json.RawMessage(`{}`),
	}, nil)

	if inv.Outcome != models.OutcomeUnauthorized {
		t.Errorf("outcome = %q, want unauthorized without fallback", inv.Outcome)
	}
	if inv.Source != models.SourceRemote {
		t.Errorf("source = %q, want remote", inv.Source)
	}
}

func TestInvokeUnavailableWithoutFallback(t *testing.T) {
	remote := &fakeRemote{err: &backend.Error{Kind: backend.KindUnavailable, Op: "tool.execute"}}
	r := newTestRegistry(t, remote)

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "search_memories", Input: json.RawMessage(`{"query":"x"}`),
	}, nil)

	if inv.Outcome != models.OutcomeUnavailable {
		t.Errorf("outcome = %q, want unavailable", inv.Outcome)
	}
}

func TestNormalizerUnwrapsProse(t *testing.T) {
	remote := &fakeRemote{result: json.RawMessage(`{}`)}
	r := newTestRegistry(t, remote)

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "search_memories",
		Input: json.RawMessage(`{"query":"User message: 'pizza places'"}`),
	}, nil)

	if !inv.OK() {
		t.Fatalf("outcome = %q (%s)", inv.Outcome, inv.Error)
	}
	if !strings.Contains(string(remote.lastArgs), `"pizza places"`) {
		t.Errorf("prose wrapper not stripped: %s", remote.lastArgs)
	}
}

func TestNormalizerOnlyWhereDeclared(t *testing.T) {
	remote := &fakeRemote{result: json.RawMessage(`{}`)}
	r := newTestRegistry(t, remote)

	wrapped := `{"entity":"User message: 'Alice'","fact":"likes pizza"}`
	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "add_fact", Input: json.RawMessage(wrapped),
	}, nil)

	if !inv.OK() {
		t.Fatalf("outcome = %q (%s)", inv.Outcome, inv.Error)
	}
	if !strings.Contains(string(remote.lastArgs), "User message:") {
		t.Error("normalizer applied to a tool that never declared one")
	}
}

func TestRegisterRejectsUnknownNormalizer(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	err := r.Register(&Spec{Name: "x", Normalizer: "does_not_exist"})
	if err == nil {
		t.Fatal("unknown normalizer accepted")
	}
}

func TestNamesPreserveRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, &fakeRemote{})
	names := r.Names()
	if len(names) == 0 || names[0] != "search_memories" {
		t.Errorf("names = %v, want registration order starting with search_memories", names)
	}
}

func TestLocalCurrentTimeRejectsUnknownTimezone(t *testing.T) {
	_, err := localCurrentTime(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`), nil)
	if err == nil {
		t.Fatal("unknown timezone accepted")
	}
}

func TestLocalOnlyToolTaggedLocal(t *testing.T) {
	r := newTestRegistry(t, &fakeRemote{})
	if err := r.Register(&Spec{
		Name:        "scratchpad",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Local: func(_ context.Context, args json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
			return args, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	inv := r.Invoke(context.Background(), models.ToolCall{
		ID: "c1", Name: "scratchpad", Input: json.RawMessage(`{}`),
	}, nil)

	if !inv.OK() {
		t.Fatalf("outcome = %q (%s)", inv.Outcome, inv.Error)
	}
	// Nothing fell back here; the local-fallback label is reserved for the
	// unavailable-backend rerun path.
	if inv.Source != models.SourceLocal {
		t.Errorf("source = %q, want local", inv.Source)
	}
}
