package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// RemoteExecutor is the slice of the backend client the registry needs.
type RemoteExecutor interface {
	ExecuteTool(ctx context.Context, name string, args json.RawMessage, user *models.UserContext) (json.RawMessage, error)
}

// Registry maps tool names to specs and dispatches invocations. Registration
// normally happens only at startup; runtime mutation is permitted and guarded
// by the same lock readers take.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]*Spec
	order   []string
	remote  RemoteExecutor
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. remote may be nil when every tool is
// local.
func NewRegistry(remote RemoteExecutor, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Registry{
		specs:   make(map[string]*Spec),
		remote:  remote,
		logger:  logger.Named("tools"),
		metrics: metrics,
	}
}

// Register adds a spec, compiling its input schema. Registration is
// idempotent by name; the last write wins.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Normalizer != "" {
		if _, ok := LookupNormalizer(spec.Normalizer); !ok {
			return fmt.Errorf("tool %s: unknown normalizer %q", spec.Name, spec.Normalizer)
		}
	}
	if len(spec.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(spec.Name+".schema.json", string(spec.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
		}
		spec.compiled = compiled
	}

	r.mu.Lock()
	if _, exists := r.specs[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.specs[spec.Name] = spec
	r.mu.Unlock()

	r.logger.Info(context.Background(), "tool registered",
		"tool", spec.Name, "category", spec.Category,
		"remote", spec.Remote != nil, "fallback", spec.Local != nil)
	return nil
}

// Get returns a spec by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns specs, optionally filtered by category, in registration order.
func (r *Registry) List(category string) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(r.order))
	for _, name := range r.order {
		spec := r.specs[name]
		if category != "" && spec.Category != category {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// Invoke dispatches one tool call and always returns an invocation record;
// failures are carried in-band as outcomes, never as Go errors.
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall, user *models.UserContext) models.ToolInvocation {
	start := time.Now()
	inv := models.ToolInvocation{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Input,
		Source:    models.SourceRemote,
	}

	spec, ok := r.Get(call.Name)
	if !ok {
		inv.Outcome = models.OutcomeNotFound
		inv.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		inv.Latency = time.Since(start)
		r.record(&inv)
		return inv
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if spec.Normalizer != "" {
		if n, ok := LookupNormalizer(spec.Normalizer); ok {
			args = n(args)
		}
	}
	inv.Arguments = args

	if fieldErrs := r.validate(spec, args); len(fieldErrs) > 0 {
		inv.Outcome = models.OutcomeValidation
		inv.Error = formatFieldErrors(fieldErrs)
		inv.Latency = time.Since(start)
		r.logger.Warn(ctx, "tool arguments rejected", "tool", call.Name, "error", inv.Error)
		r.record(&inv)
		return inv
	}

	switch {
	case spec.Remote != nil && r.remote != nil:
		value, err := r.remote.ExecuteTool(ctx, spec.Name, args, user)
		if err == nil {
			inv.Outcome = models.OutcomeOK
			inv.Value = value
			break
		}
		kind := kindToOutcome(err)
		if kind == models.OutcomeUnavailable && spec.Local != nil {
			r.logger.Info(ctx, "backend unavailable, using local fallback", "tool", spec.Name)
			r.runLocal(ctx, spec, args, user, &inv)
			inv.Source = models.SourceLocalFallback
			break
		}
		inv.Outcome = kind
		inv.Error = err.Error()
	case spec.Local != nil:
		r.runLocal(ctx, spec, args, user, &inv)
		inv.Source = models.SourceLocal
	default:
		inv.Outcome = models.OutcomeUnavailable
		inv.Error = fmt.Sprintf("tool %s has no reachable handler", spec.Name)
	}

	inv.Latency = time.Since(start)
	r.record(&inv)
	return inv
}

func (r *Registry) runLocal(ctx context.Context, spec *Spec, args json.RawMessage, user *models.UserContext, inv *models.ToolInvocation) {
	value, err := spec.Local(ctx, args, user)
	if err != nil {
		inv.Outcome = models.OutcomeUnavailable
		inv.Error = err.Error()
		return
	}
	inv.Outcome = models.OutcomeOK
	inv.Value = value
}

// validate checks args against the compiled schema and returns per-field
// reasons, empty on success.
func (r *Registry) validate(spec *Spec, args json.RawMessage) map[string]string {
	if spec.compiled == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return map[string]string{"": "arguments are not valid JSON"}
	}
	err := spec.compiled.Validate(decoded)
	if err == nil {
		return nil
	}
	fieldErrs := make(map[string]string)
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		collectCauses(ve, fieldErrs)
	} else {
		fieldErrs[""] = err.Error()
	}
	return fieldErrs
}

func collectCauses(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if _, exists := out[field]; !exists {
			out[field] = ve.Message
		}
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, out)
	}
}

func formatFieldErrors(fieldErrs map[string]string) string {
	keys := make([]string, 0, len(fieldErrs))
	for k := range fieldErrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			parts = append(parts, fieldErrs[k])
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, fieldErrs[k]))
	}
	return strings.Join(parts, "; ")
}

func kindToOutcome(err error) models.OutcomeKind {
	switch backend.KindOf(err) {
	case backend.KindNotFound:
		return models.OutcomeNotFound
	case backend.KindUnauthorized:
		return models.OutcomeUnauthorized
	case backend.KindValidation:
		return models.OutcomeValidation
	case backend.KindMalformed:
		return models.OutcomeMalformed
	default:
		return models.OutcomeUnavailable
	}
}

func (r *Registry) record(inv *models.ToolInvocation) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolInvocationCounter.WithLabelValues(inv.ToolName, string(inv.Source), string(inv.Outcome)).Inc()
	r.metrics.ToolInvocationDuration.WithLabelValues(inv.ToolName).Observe(inv.Latency.Seconds())
}
