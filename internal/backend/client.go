package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// DefaultTimeout bounds a single backend call unless overridden by the
	// backend_timeout valve.
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/v1"

	maxErrorBody = 4096
)

// Client is the typed HTTP client for the knowledge backend. It is safe for
// concurrent use; per-call timeouts come from the request context layered on
// top of the configured default.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger

	mu      sync.RWMutex
	timeout time.Duration
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. "http://localhost:8080".
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration

	// Logger receives request-level debug records. May be nil.
	Logger *observability.Logger

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// NewClient creates a backend client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{}
	if opts.Transport != nil {
		hc.Transport = opts.Transport
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: hc,
		logger:     logger.Named("backend"),
		timeout:    timeout,
	}
}

// SetTimeout adjusts the default per-call timeout. Valve listeners call this
// when backend_timeout changes; in-flight calls keep their original deadline.
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Client) callTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// applyUserHeaders attaches the user-context headers. A nil context attaches
// the anonymous marker; the call is never aborted for lack of identity.
func applyUserHeaders(req *http.Request, user *models.UserContext) {
	if user == nil {
		req.Header.Set("X-User-Authenticated", "false")
		return
	}
	req.Header.Set("X-User-ID", user.ID)
	req.Header.Set("X-User-Name", user.DisplayName)
	if user.Email != "" {
		req.Header.Set("X-User-Email", user.Email)
	}
	if user.Role != "" {
		req.Header.Set("X-User-Role", user.Role)
	}
	req.Header.Set("X-User-Authenticated", strconv.FormatBool(user.Authenticated))
}

// do performs one request and decodes the JSON response. Errors come back as
// *Error classified per the taxonomy; ctx cancellation aborts the transfer.
func (c *Client) do(ctx context.Context, op, method, path string, payload any, user *models.UserContext) (json.RawMessage, error) {
	// The configured timeout is layered as a context deadline so the caller's
	// own deadline, when earlier, still wins.
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	applyUserHeaders(req, user)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout, context cancellation.
		c.logger.Warn(ctx, "backend unavailable", "op", op, "error", err)
		return nil, &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug(ctx, "backend call", "op", op, "status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindUnavailable, Op: op, Err: err}
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(data) {
			return nil, &Error{Kind: KindMalformed, Op: op, Message: "non-JSON response body"}
		}
		return json.RawMessage(data), nil
	}

	return nil, c.classify(op, resp)
}

func (c *Client) classify(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Status: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Op: op, Status: resp.StatusCode, Message: msg}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		e := &Error{Kind: KindValidation, Op: op, Status: resp.StatusCode, Message: msg}
		// Backend validation responses carry {"errors": {field: reason}}.
		var parsed struct {
			Errors map[string]string `json:"errors"`
		}
		if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
			e.FieldErrors = parsed.Errors
		}
		return e
	default:
		return &Error{Kind: KindUnavailable, Op: op, Status: resp.StatusCode, Message: msg}
	}
}

// MemoryHit is one result from a memory search.
type MemoryHit struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchMemories queries the backend memory index.
func (c *Client) SearchMemories(ctx context.Context, query string, limit int, user *models.UserContext) ([]MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	payload := map[string]any{"query": query, "limit": limit}
	raw, err := c.do(ctx, "memory.search", http.MethodPost, apiPrefix+"/memories/search", payload, user)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []MemoryHit `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "memory.search", Err: err}
	}
	return out.Results, nil
}

// CreatePerson registers a new person entity.
func (c *Client) CreatePerson(ctx context.Context, name string, attrs map[string]any, user *models.UserContext) (json.RawMessage, error) {
	payload := map[string]any{"name": name}
	if len(attrs) > 0 {
		payload["attributes"] = attrs
	}
	return c.do(ctx, "person.create", http.MethodPost, apiPrefix+"/people", payload, user)
}

// AddFact attaches a durable fact to an entity.
func (c *Client) AddFact(ctx context.Context, entity, fact, category string, user *models.UserContext) (json.RawMessage, error) {
	payload := map[string]any{"entity": entity, "fact": fact}
	if category != "" {
		payload["category"] = category
	}
	return c.do(ctx, "fact.add", http.MethodPost, apiPrefix+"/facts", payload, user)
}

// GetProfile reads the stored profile for the given user ID.
func (c *Client) GetProfile(ctx context.Context, id string, user *models.UserContext) (json.RawMessage, error) {
	return c.do(ctx, "profile.get", http.MethodGet, apiPrefix+"/profiles/"+url.PathEscape(id), nil, user)
}

// UpdateProfile merges fields into the stored profile.
func (c *Client) UpdateProfile(ctx context.Context, id string, fields map[string]any, user *models.UserContext) (json.RawMessage, error) {
	return c.do(ctx, "profile.update", http.MethodPatch, apiPrefix+"/profiles/"+url.PathEscape(id), fields, user)
}

// GetStatus reads the current status for the given user ID.
func (c *Client) GetStatus(ctx context.Context, id string, user *models.UserContext) (json.RawMessage, error) {
	return c.do(ctx, "status.get", http.MethodGet, apiPrefix+"/status/"+url.PathEscape(id), nil, user)
}

// UpdateStatus writes a status update.
func (c *Client) UpdateStatus(ctx context.Context, id, status string, user *models.UserContext) (json.RawMessage, error) {
	payload := map[string]any{"status": status}
	return c.do(ctx, "status.update", http.MethodPut, apiPrefix+"/status/"+url.PathEscape(id), payload, user)
}

// StoreAnalysis persists a conversation analysis document.
func (c *Client) StoreAnalysis(ctx context.Context, analysis map[string]any, user *models.UserContext) (json.RawMessage, error) {
	return c.do(ctx, "analysis.store", http.MethodPost, apiPrefix+"/analyses", analysis, user)
}

// SearchAnalyses queries stored conversation analyses.
func (c *Client) SearchAnalyses(ctx context.Context, query string, limit int, user *models.UserContext) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	payload := map[string]any{"query": query, "limit": limit}
	return c.do(ctx, "analysis.search", http.MethodPost, apiPrefix+"/analyses/search", payload, user)
}

// ExecuteTool runs a named tool on the backend with raw JSON arguments.
func (c *Client) ExecuteTool(ctx context.Context, name string, args json.RawMessage, user *models.UserContext) (json.RawMessage, error) {
	payload := map[string]any{"name": name, "arguments": args}
	return c.do(ctx, "tool.execute", http.MethodPost, apiPrefix+"/tools/execute", payload, user)
}

// RemoteToolSpec is a tool definition advertised by the backend.
type RemoteToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ListTools enumerates the backend's tool surface.
func (c *Client) ListTools(ctx context.Context, user *models.UserContext) ([]RemoteToolSpec, error) {
	raw, err := c.do(ctx, "tool.list", http.MethodGet, apiPrefix+"/tools", nil, user)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []RemoteToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "tool.list", Err: err}
	}
	return out.Tools, nil
}

// GetToolSchema fetches the input schema for one backend tool.
func (c *Client) GetToolSchema(ctx context.Context, name string, user *models.UserContext) (json.RawMessage, error) {
	return c.do(ctx, "tool.schema", http.MethodGet, apiPrefix+"/tools/"+url.PathEscape(name)+"/schema", nil, user)
}

// Passthrough issues a raw request under /api/v1 for operations the typed
// surface does not cover.
func (c *Client) Passthrough(ctx context.Context, method, path string, payload any, user *models.UserContext) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.do(ctx, fmt.Sprintf("passthrough.%s", strings.ToLower(method)), method, apiPrefix+path, payload, user)
}

// Ping probes backend liveness. Used by the --test wiring check.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, apiPrefix+"/health", nil, nil)
	return err
}
