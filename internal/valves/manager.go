package valves

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
)

// Listener receives the applied delta after a successful update.
type Listener func(delta map[string]any)

// FieldResult reports the validation outcome for one field in a batch.
type FieldResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// UpdateResult is the outcome of an Update batch. Valid fields apply
// atomically; rejected fields keep their prior values.
type UpdateResult struct {
	Success         bool                   `json:"success"`
	Updated         map[string]any         `json:"updated"`
	Validation      map[string]FieldResult `json:"validation"`
	RestartRequired bool                   `json:"restart_required"`
	CurrentValues   map[string]any         `json:"current_values"`
}

// Manager owns the valve catalog and current values. All reads take a
// snapshot under the mutex; listeners run synchronously after persistence,
// in registration order, and a panicking listener never aborts the rest.
type Manager struct {
	mu         sync.Mutex
	catalog    map[string]*Valve
	order      []string
	current    map[string]any
	listeners  []Listener
	pipelineID string
	path       string
	logger     *observability.Logger
}

// NewManager builds a manager from the catalog and loads the persisted file
// if present. A missing or unparseable file starts from defaults with a
// warning.
func NewManager(pipelineID, path string, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	m := &Manager{
		catalog:    make(map[string]*Valve),
		current:    make(map[string]any),
		pipelineID: pipelineID,
		path:       path,
		logger:     logger.Named("valves"),
	}
	for _, v := range Catalog() {
		m.catalog[v.Name] = v
		m.order = append(m.order, v.Name)
		m.current[v.Name] = v.Default
	}
	m.load()
	return m
}

// load merges the persisted file over defaults. Unknown names and invalid
// values are skipped with a warning so a stale file cannot poison the store.
func (m *Manager) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn(context.Background(), "valve file unreadable, using defaults", "path", m.path, "error", err)
		}
		return
	}
	var persisted struct {
		PipelineID string         `json:"pipeline_id"`
		Values     map[string]any `json:"values"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		m.logger.Warn(context.Background(), "valve file unparseable, using defaults", "path", m.path, "error", err)
		return
	}
	for name, raw := range persisted.Values {
		valve, ok := m.catalog[name]
		if !ok {
			m.logger.Warn(context.Background(), "ignoring unknown persisted valve", "valve", name)
			continue
		}
		value, err := valve.validate(raw)
		if err != nil {
			m.logger.Warn(context.Background(), "ignoring invalid persisted valve", "valve", name, "error", err)
			continue
		}
		m.current[name] = value
	}
}

// persist writes the current map atomically (write-temp then rename).
func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	payload := map[string]any{
		"pipeline_id": m.pipelineID,
		"timestamp":   time.Now().Format(time.RFC3339),
		"values":      m.current,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".valves-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, m.path)
}

// Subscribe registers a change listener. Listeners fire in registration
// order after persistence succeeds.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Current returns a snapshot of name → value.
func (m *Manager) Current() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.current))
	for k, v := range m.current {
		out[k] = v
	}
	return out
}

// Bool reads a bool valve, returning the declared default on type mismatch.
func (m *Manager) Bool(name string) bool {
	v, _ := m.value(name).(bool)
	return v
}

// Int reads an int valve.
func (m *Manager) Int(name string) int {
	switch v := m.value(name).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Float reads a float valve.
func (m *Manager) Float(name string) float64 {
	switch v := m.value(name).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// String reads a string-typed valve.
func (m *Manager) String(name string) string {
	v, _ := m.value(name).(string)
	return v
}

// Duration reads an int valve declared in seconds.
func (m *Manager) Duration(name string) time.Duration {
	return time.Duration(m.Int(name)) * time.Second
}

func (m *Manager) value(name string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[name]
}

// Update validates every entry in the batch and applies the valid ones
// atomically. Rejected fields keep their prior value; the batch is never
// short-circuited on the first failure.
func (m *Manager) Update(ctx context.Context, updates map[string]any) *UpdateResult {
	result := &UpdateResult{
		Updated:    make(map[string]any),
		Validation: make(map[string]FieldResult),
	}

	m.mu.Lock()

	accepted := make(map[string]any)
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := updates[name]
		valve, ok := m.catalog[name]
		if !ok {
			result.Validation[name] = FieldResult{Error: "unknown valve"}
			continue
		}
		value, err := valve.validate(raw)
		if err != nil {
			result.Validation[name] = FieldResult{Error: err.Error()}
			continue
		}
		result.Validation[name] = FieldResult{Success: true}
		accepted[name] = value
		if valve.RestartRequired {
			result.RestartRequired = true
		}
	}

	for name, value := range accepted {
		m.current[name] = value
		result.Updated[name] = value
	}

	var persistErr error
	if len(accepted) > 0 {
		persistErr = m.persistLocked()
	}

	result.Success = len(accepted) > 0 || len(updates) == 0
	result.CurrentValues = make(map[string]any, len(m.current))
	for k, v := range m.current {
		result.CurrentValues[k] = v
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if persistErr != nil {
		m.logger.Error(ctx, "valve persistence failed", "path", m.path, "error", persistErr)
	}

	if len(accepted) > 0 && persistErr == nil {
		m.notify(accepted, listeners)
		m.logger.Info(ctx, "valves updated", "updated", len(accepted), "rejected", len(updates)-len(accepted))
	}
	return result
}

// Reset restores every valve to its declared default.
func (m *Manager) Reset(ctx context.Context) *UpdateResult {
	defaults := make(map[string]any)
	m.mu.Lock()
	for name, valve := range m.catalog {
		defaults[name] = valve.Default
	}
	m.mu.Unlock()
	return m.Update(ctx, defaults)
}

func (m *Manager) notify(delta map[string]any, listeners []Listener) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error(context.Background(), "valve listener panicked", "panic", fmt.Sprint(r))
				}
			}()
			l(delta)
		}()
	}
}

// SpecField is the UI-facing descriptor for one valve.
type SpecField struct {
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Default         any      `json:"default"`
	Category        string   `json:"category"`
	Required        bool     `json:"required,omitempty"`
	Advanced        bool     `json:"advanced,omitempty"`
	RestartRequired bool     `json:"restart_required,omitempty"`
	Enum            []string `json:"enum,omitempty"`
	Minimum         *float64 `json:"minimum,omitempty"`
	Maximum         *float64 `json:"maximum,omitempty"`
	DependsOn       string   `json:"depends_on,omitempty"`
}

// SpecDocument is the full catalog in a UI-renderable shape.
type SpecDocument struct {
	Properties map[string]SpecField `json:"properties"`
	Categories map[string]Category  `json:"categories"`
}

// Spec returns the catalog document for the admin UI.
func (m *Manager) Spec() *SpecDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := &SpecDocument{
		Properties: make(map[string]SpecField, len(m.order)),
		Categories: make(map[string]Category),
	}
	for _, cat := range Categories() {
		doc.Categories[cat.Name] = cat
	}
	for _, name := range m.order {
		v := m.catalog[name]
		doc.Properties[name] = SpecField{
			Type:            specType(v.Type),
			Title:           v.Title,
			Description:     v.Description,
			Default:         v.Default,
			Category:        v.Category,
			Required:        v.Required,
			Advanced:        v.Advanced,
			RestartRequired: v.RestartRequired,
			Enum:            v.EnumOptions,
			Minimum:         v.Min,
			Maximum:         v.Max,
			DependsOn:       v.DependsOn,
		}
	}
	return doc
}

func specType(t Type) string {
	switch t {
	case TypeBool:
		return "boolean"
	case TypeInt:
		return "integer"
	case TypeFloat:
		return "number"
	default:
		return "string"
	}
}

// Path returns the persistence file path.
func (m *Manager) Path() string { return m.path }
