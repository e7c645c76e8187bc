package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// TerminationReason distinguishes how a run ended.
type TerminationReason string

const (
	ReasonNaturalStop  TerminationReason = "natural_stop"
	ReasonIterationCap TerminationReason = "iteration_cap"
	ReasonDeadline     TerminationReason = "deadline"
	ReasonCancelled    TerminationReason = "cancelled"
	ReasonFatalError   TerminationReason = "fatal_error"
)

// FinishReason maps the termination reason onto the chat-completion field.
func (r TerminationReason) FinishReason() string {
	switch r {
	case ReasonNaturalStop:
		return "stop"
	case ReasonIterationCap:
		return "length"
	case ReasonDeadline:
		return "timeout"
	default:
		// Cancellation and fatal errors both surface as "error"; only the
		// wall-time budget earns "timeout".
		return "error"
	}
}

// apologyText is the only content the client sees on an LLM failure; raw
// error detail stays on the diagnostics surface.
const apologyText = "I'm sorry, I ran into a problem while working on that. Please try again in a moment."

// RunResult is the outcome of one agent run.
type RunResult struct {
	Content     string
	Reason      TerminationReason
	Invocations []models.ToolInvocation
	Iterations  int
	Usage       Usage
}

// RunOptions configures one run.
type RunOptions struct {
	Agent *models.AgentDescriptor
	User  *models.UserContext

	// Model overrides the agent's model hint when non-empty.
	Model string

	// MaxConcurrentTools bounds parallel tool calls per iteration.
	MaxConcurrentTools int
}

// Runtime drives the bounded tool-use loop.
type Runtime struct {
	provider LLMProvider
	registry *tools.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRuntime creates a runtime over the provider and tool registry.
func NewRuntime(provider LLMProvider, registry *tools.Registry, logger *observability.Logger, metrics *observability.Metrics) *Runtime {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Runtime{
		provider: provider,
		registry: registry,
		logger:   logger.Named("agent"),
		metrics:  metrics,
	}
}

// Run executes the loop for one turn. history already ends with the incoming
// user message. The run performs at most Agent.MaxIterations LLM calls and
// stops at Agent.MaxWallTime, whichever comes first; the deadline also
// cancels in-flight tool invocations cooperatively.
func (rt *Runtime) Run(ctx context.Context, opts RunOptions, history []models.Message) *RunResult {
	agent := opts.Agent
	result := &RunResult{Reason: ReasonFatalError}

	maxIterations := agent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 6
	}
	wallTime := agent.MaxWallTime
	if wallTime <= 0 {
		wallTime = 2 * time.Minute
	}

	runCtx, cancel := context.WithTimeout(ctx, wallTime)
	defer cancel()

	system := buildSystemPrompt(agent, opts.User)
	toolSchemas := rt.allowedSchemas(agent)
	executor := NewExecutor(rt.registry, opts.MaxConcurrentTools)

	transcript := append([]models.Message(nil), history...)

	for iteration := 0; iteration < maxIterations; iteration++ {
		req := &CompletionRequest{
			Model:    resolveModel(opts),
			System:   system,
			Messages: transcript,
			Tools:    toolSchemas,
		}

		start := time.Now()
		resp, err := rt.provider.Complete(runCtx, req)
		rt.observeLLM(req.Model, time.Since(start), err)

		if err != nil {
			if reason, cut := budgetCut(runCtx, err); cut {
				return rt.cutOff(ctx, result, reason, agent.ID, iteration)
			}
			rt.logger.Error(ctx, "llm request failed", "agent", agent.ID, "provider", rt.provider.Name(), "error", err)
			result.Reason = ReasonFatalError
			result.Content = apologyText
			return result
		}

		result.Iterations++
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			result.Reason = ReasonNaturalStop
			result.Content = resp.Content
			if strings.TrimSpace(result.Content) == "" {
				result.Content = "Done."
			}
			return result
		}

		transcript = append(transcript, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		invocations := executor.ExecuteAll(runCtx, resp.ToolCalls, opts.User)
		result.Invocations = append(result.Invocations, invocations...)

		// Tool-result messages enter the transcript in the model's
		// originating call order, not completion order.
		for _, inv := range invocations {
			transcript = append(transcript, models.Message{
				Role:       models.RoleTool,
				ToolCallID: inv.CallID,
				ToolName:   inv.ToolName,
				Content:    invocationContent(inv),
			})
		}

		if err := runCtx.Err(); err != nil {
			reason, _ := budgetCut(runCtx, err)
			return rt.cutOff(ctx, result, reason, agent.ID, iteration)
		}
	}

	rt.logger.Warn(ctx, "agent hit iteration cap", "agent", agent.ID, "iterations", result.Iterations)
	result.Reason = ReasonIterationCap
	result.Content = rt.fallbackSummary(result, "I reached my step limit before finishing.")
	return result
}

// allowedSchemas advertises only the agent's allowlisted tools.
func (rt *Runtime) allowedSchemas(agent *models.AgentDescriptor) []ToolSchema {
	specs := rt.registry.List("")
	out := make([]ToolSchema, 0, len(specs))
	for _, spec := range specs {
		if !agent.AllowsTool(spec.Name) {
			continue
		}
		out = append(out, ToolSchema{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.LLMSchema(),
		})
	}
	return out
}

// buildSystemPrompt appends the serialised user context so the model can
// address the user and tools can parse identity reliably.
func buildSystemPrompt(agent *models.AgentDescriptor, user *models.UserContext) string {
	if user == nil {
		user = models.Anonymous()
	}
	ctxJSON, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		ctxJSON = []byte(`{"authenticated": false}`)
	}
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)
	b.WriteString("\n\n## Current User Context\n```json\n")
	b.Write(ctxJSON)
	b.WriteString("\n```\n")
	return b.String()
}

// invocationContent renders a tool outcome for the transcript. Failures go
// back to the model in-band so it can decide whether to abandon the goal.
func invocationContent(inv models.ToolInvocation) string {
	if inv.OK() {
		if len(inv.Value) == 0 {
			return "{}"
		}
		return string(inv.Value)
	}
	payload, _ := json.Marshal(map[string]string{
		"error":   string(inv.Outcome),
		"message": inv.Error,
	})
	return string(payload)
}

// fallbackSummary builds the transcript-aware message returned when the loop
// is cut off by its budget.
func (rt *Runtime) fallbackSummary(result *RunResult, prefix string) string {
	if len(result.Invocations) == 0 {
		return prefix + " I did not get far enough to gather any results."
	}
	names := make([]string, 0, len(result.Invocations))
	seen := make(map[string]bool)
	failures := 0
	for _, inv := range result.Invocations {
		if !seen[inv.ToolName] {
			seen[inv.ToolName] = true
			names = append(names, inv.ToolName)
		}
		if !inv.OK() {
			failures++
		}
	}
	summary := fmt.Sprintf("%s Along the way I used: %s.", prefix, strings.Join(names, ", "))
	if failures > 0 {
		summary += fmt.Sprintf(" %d tool call(s) failed.", failures)
	}
	return summary
}

func (rt *Runtime) observeLLM(model string, elapsed time.Duration, err error) {
	if rt.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	rt.metrics.LLMRequestCounter.WithLabelValues(rt.provider.Name(), model, status).Inc()
	rt.metrics.LLMRequestDuration.WithLabelValues(rt.provider.Name(), model).Observe(elapsed.Seconds())
}

func resolveModel(opts RunOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return opts.Agent.ModelHint
}

// budgetCut classifies a context-driven stop. The wall-time deadline maps to
// ReasonDeadline; an external cancellation, typically a client disconnect,
// maps to ReasonCancelled.
func budgetCut(ctx context.Context, err error) (TerminationReason, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonDeadline, true
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return ReasonCancelled, true
	}
	return "", false
}

func (rt *Runtime) cutOff(ctx context.Context, result *RunResult, reason TerminationReason, agentID string, iteration int) *RunResult {
	if reason == ReasonCancelled {
		rt.logger.Warn(ctx, "agent run cancelled", "agent", agentID, "iteration", iteration)
		result.Reason = ReasonCancelled
		result.Content = rt.fallbackSummary(result, "The request was cancelled before I finished.")
		return result
	}
	rt.logger.Warn(ctx, "agent run hit deadline", "agent", agentID, "iteration", iteration)
	result.Reason = ReasonDeadline
	result.Content = rt.fallbackSummary(result, "I ran out of time before finishing.")
	return result
}
