// Package agent implements the bounded tool-use loop that turns one user
// message into one reply, plus the agent descriptors and routing bundles the
// gateway exposes.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// ToolSchema is a tool advertisement sent to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionRequest is one non-streaming completion call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float32
}

// Usage counts tokens across one or more completion calls.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the model's answer to one call. A response carries
// text, tool calls, or both.
type CompletionResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// LLMProvider abstracts the model vendor behind the loop. Implementations
// must honour context cancellation.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
