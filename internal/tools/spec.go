// Package tools implements the tool registry: named, schema-typed
// capabilities the agent runtime may invoke. Handlers are either remote
// (dispatched through the backend client) or local fallbacks.
package tools

import (
	"context"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// LocalHandler executes a tool in-process. Implementations parse their own
// arguments into a typed record before doing any work.
type LocalHandler func(ctx context.Context, args json.RawMessage, user *models.UserContext) (json.RawMessage, error)

// RemoteHandler describes how a tool is forwarded to the backend.
type RemoteHandler struct {
	// Endpoint is informational; dispatch goes through the backend
	// client's tool-execute operation.
	Endpoint string
	Method   string
}

// Spec is the immutable definition of one tool. The schema never changes
// after registration; argument normalizers are declared separately by name.
type Spec struct {
	Name        string
	Description string
	Category    string

	// InputSchema is the JSON schema arguments are validated against.
	InputSchema json.RawMessage

	// Remote, when set, routes invocations through the backend.
	Remote *RemoteHandler

	// Local, when set, runs in-process. With both set, Local only runs
	// when the remote dispatch reports the backend unavailable.
	Local LocalHandler

	// Normalizer names the declared argument normalizer applied before
	// validation. Empty means arguments pass through untouched.
	Normalizer string

	compiled *jsonschema.Schema
}

// LLMSchema returns the schema in the shape advertised to the model.
func (s *Spec) LLMSchema() json.RawMessage {
	if len(s.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return s.InputSchema
}
