// Package models provides the shared domain types for the Relay gateway.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single role-tagged chat turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution, keyed back to the
// originating call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// UserContext identifies the user behind a turn. It is forwarded to the
// knowledge backend as headers on every downstream request.
type UserContext struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Anonymous is the marker context used when no user headers are present.
// Downstream calls still proceed; they just carry the anonymous marker.
func Anonymous() *UserContext {
	return &UserContext{ID: "anonymous", DisplayName: "Anonymous", Authenticated: false}
}

// AgentDescriptor is the immutable definition of an agent. Descriptors are
// built once at startup from a static table.
type AgentDescriptor struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	SystemPrompt    string        `json:"system_prompt"`
	ToolAllowlist   []string      `json:"tool_allowlist"`
	ModelHint       string        `json:"model_hint,omitempty"`
	MaxIterations   int           `json:"max_iterations"`
	MaxWallTime     time.Duration `json:"max_wall_time"`
	AllowDelegation bool          `json:"allow_delegation"`
}

// AllowsTool reports whether the tool name is in the agent's allowlist.
func (d *AgentDescriptor) AllowsTool(name string) bool {
	for _, t := range d.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// Complexity classifies how involved a routed request looks.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// RoutingDecision is the outcome of scoring an incoming message against the
// available agents. The shadow observer never appears as Primary.
type RoutingDecision struct {
	Primary               string     `json:"primary"`
	Confidence            float64    `json:"confidence"`
	Rationale             string     `json:"rationale"`
	Complexity            Complexity `json:"complexity"`
	Collaborators         []string   `json:"collaborators,omitempty"`
	RequiresCollaboration bool       `json:"requires_collaboration"`
}

// InvocationSource records which handler produced a tool result.
type InvocationSource string

const (
	SourceRemote InvocationSource = "remote"

	// SourceLocalFallback marks a local rerun after the backend reported
	// itself unavailable; SourceLocal marks a tool that only has a local
	// handler.
	SourceLocalFallback InvocationSource = "local-fallback"
	SourceLocal         InvocationSource = "local"
)

// OutcomeKind classifies a tool invocation outcome.
type OutcomeKind string

const (
	OutcomeOK           OutcomeKind = "ok"
	OutcomeNotFound     OutcomeKind = "not_found"
	OutcomeUnauthorized OutcomeKind = "unauthorized"
	OutcomeValidation   OutcomeKind = "validation"
	OutcomeUnavailable  OutcomeKind = "unavailable"
	OutcomeMalformed    OutcomeKind = "malformed"
)

// ToolInvocation is the full record of one tool dispatch within a turn.
type ToolInvocation struct {
	CallID    string           `json:"call_id"`
	ToolName  string           `json:"tool_name"`
	Arguments json.RawMessage  `json:"arguments,omitempty"`
	Outcome   OutcomeKind      `json:"outcome"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Error     string           `json:"error,omitempty"`
	Latency   time.Duration    `json:"latency"`
	Source    InvocationSource `json:"source"`
}

// OK reports whether the invocation succeeded.
func (ti *ToolInvocation) OK() bool { return ti.Outcome == OutcomeOK }

// TurnRecord is the transient per-request record of one user→assistant
// exchange. It lives only for the turn.
type TurnRecord struct {
	TurnID          string           `json:"turn_id"`
	User            *UserContext     `json:"user,omitempty"`
	Incoming        Message          `json:"incoming"`
	Routing         *RoutingDecision `json:"routing,omitempty"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	Final           Message          `json:"final"`
	Elapsed         time.Duration    `json:"elapsed"`
	ShadowTaskID    string           `json:"shadow_task_id,omitempty"`
}
