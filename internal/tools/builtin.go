package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Builtin returns the static tool table registered at startup. Remote tools
// forward to the backend tool-execute surface; a few carry local fallbacks
// used when the backend is unreachable.
func Builtin() []*Spec {
	return []*Spec{
		{
			Name:        "search_memories",
			Description: "Search the user's long-term memory for relevant facts and past conversations.",
			Category:    "memory",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
			Remote:     &RemoteHandler{Endpoint: "/memories/search", Method: "POST"},
			Normalizer: "strip_prose_wrapper",
		},
		{
			Name:        "add_fact",
			Description: "Store a durable fact about a person or topic.",
			Category:    "memory",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entity": {"type": "string", "minLength": 1},
					"fact": {"type": "string", "minLength": 1},
					"category": {"type": "string"}
				},
				"required": ["entity", "fact"],
				"additionalProperties": false
			}`),
			Remote: &RemoteHandler{Endpoint: "/facts", Method: "POST"},
		},
		{
			Name:        "create_person",
			Description: "Create a new person entity in the knowledge base.",
			Category:    "entities",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"attributes": {"type": "object"}
				},
				"required": ["name"],
				"additionalProperties": false
			}`),
			Remote: &RemoteHandler{Endpoint: "/people", Method: "POST"},
		},
		{
			Name:        "get_profile",
			Description: "Read the user's stored profile.",
			Category:    "profile",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"user_id": {"type": "string"}
				},
				"additionalProperties": false
			}`),
			Remote: &RemoteHandler{Endpoint: "/profiles", Method: "GET"},
		},
		{
			Name:        "update_status",
			Description: "Update the user's current status line.",
			Category:    "profile",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"status": {"type": "string", "minLength": 1}
				},
				"required": ["status"],
				"additionalProperties": false
			}`),
			Remote:     &RemoteHandler{Endpoint: "/status", Method: "PUT"},
			Normalizer: "strip_prose_wrapper",
		},
		{
			Name:        "analyze_conversation",
			Description: "Store a structured analysis of the current conversation.",
			Category:    "analysis",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary": {"type": "string"},
					"intent": {"type": "string"},
					"entities": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["summary"],
				"additionalProperties": true
			}`),
			Remote: &RemoteHandler{Endpoint: "/analyses", Method: "POST"},
		},
		{
			Name:        "get_current_time",
			Description: "Get the current date and time, optionally in a specific timezone.",
			Category:    "utility",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string"}
				},
				"additionalProperties": false
			}`),
			Remote: &RemoteHandler{Endpoint: "/tools/execute", Method: "POST"},
			Local:  localCurrentTime,
		},
	}
}

// localCurrentTime answers get_current_time without the backend. It keeps
// the tool usable during backend outages.
func localCurrentTime(_ context.Context, args json.RawMessage, _ *models.UserContext) (json.RawMessage, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
	}

	loc := time.Local
	tzName := "local"
	if params.Timezone != "" {
		parsed, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", params.Timezone)
		}
		loc = parsed
		tzName = params.Timezone
	}

	now := time.Now().In(loc)
	return json.Marshal(map[string]any{
		"timestamp": now.Format(time.RFC3339),
		"timezone":  tzName,
		"weekday":   now.Weekday().String(),
	})
}
