package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestConvertMessagesShapes(t *testing.T) {
	msgs := convertMessages("be helpful", []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{"x":1}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: `{"x":1}`},
	})

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want system + 3", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be helpful" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "echo" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[2].ToolCalls[0].Function.Arguments != `{"x":1}` {
		t.Errorf("arguments = %q", msgs[2].ToolCalls[0].Function.Arguments)
	}
	if msgs[3].Role != string(models.RoleTool) || msgs[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", msgs[3])
	}
}

func TestConvertMessagesWithoutSystem(t *testing.T) {
	msgs := convertMessages("", []models.Message{{Role: models.RoleUser, Content: "hi"}})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestConvertTools(t *testing.T) {
	out := convertTools([]agent.ToolSchema{{
		Name:        "search",
		Description: "find things",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}})

	if len(out) != 1 {
		t.Fatalf("got %d tools", len(out))
	}
	if out[0].Type != openai.ToolTypeFunction {
		t.Errorf("type = %v", out[0].Type)
	}
	if out[0].Function.Name != "search" || out[0].Function.Description != "find things" {
		t.Errorf("function = %+v", out[0].Function)
	}
	if convertTools(nil) != nil {
		t.Error("empty tool list should convert to nil")
	}
}

func TestRetryableOpenAI(t *testing.T) {
	if !retryableOpenAI(&openai.APIError{HTTPStatusCode: 429}) {
		t.Error("rate limit not retryable")
	}
	if !retryableOpenAI(&openai.APIError{HTTPStatusCode: 503}) {
		t.Error("server error not retryable")
	}
	if retryableOpenAI(&openai.APIError{HTTPStatusCode: 400}) {
		t.Error("client error retried")
	}
}
