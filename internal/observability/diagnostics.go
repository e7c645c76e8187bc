package observability

import (
	"strings"
	"time"
)

// Signature pairs a known error fingerprint with an actionable suggestion.
type Signature struct {
	// Name identifies the signature in diagnostics output.
	Name string `json:"name"`

	// Substrings must all appear (case-insensitive) in a record's message
	// for the signature to match.
	Substrings []string `json:"-"`

	// Suggestion tells the operator what to do about it.
	Suggestion string `json:"suggestion"`
}

// DefaultSignatures covers the failure modes the gateway most commonly hits.
var DefaultSignatures = []Signature{
	{
		Name:       "backend-unreachable",
		Substrings: []string{"backend", "unavailable"},
		Suggestion: "The knowledge backend is not answering. Check RELAY_BACKEND_URL and that the backend service is up.",
	},
	{
		Name:       "backend-unauthorized",
		Substrings: []string{"backend", "unauthorized"},
		Suggestion: "The backend rejected the gateway's credentials. Verify RELAY_API_KEY.",
	},
	{
		Name:       "llm-failure",
		Substrings: []string{"llm request failed"},
		Suggestion: "The model endpoint is erroring. Check the provider API key and base URL valves.",
	},
	{
		Name:       "shadow-saturated",
		Substrings: []string{"shadow task dropped"},
		Suggestion: "Observer tasks are being dropped. Raise the shadow_max_concurrent valve or reduce load.",
	},
	{
		Name:       "tool-validation",
		Substrings: []string{"tool arguments rejected"},
		Suggestion: "The model is emitting arguments that fail the tool schema. Consider enabling the tool's declared normalizer.",
	},
	{
		Name:       "port-bind",
		Substrings: []string{"bind", "address already in use"},
		Suggestion: "Another process holds the port. Enable the port_recovery valve or free the port manually.",
	},
}

// Finding is a matched signature with occurrence data.
type Finding struct {
	Signature  string    `json:"signature"`
	Count      int       `json:"count"`
	LastSeen   time.Time `json:"last_seen"`
	Suggestion string    `json:"suggestion"`
	Example    string    `json:"example,omitempty"`
}

// Diagnostics scans the recent log window for known error signatures and
// summarises turn state counts.
type Diagnostics struct {
	ring       *RingBuffer
	tracker    *TurnTracker
	signatures []Signature
}

// NewDiagnostics builds a diagnostics scanner over the given ring buffer and
// turn tracker. A nil signature list uses DefaultSignatures.
func NewDiagnostics(ring *RingBuffer, tracker *TurnTracker, signatures []Signature) *Diagnostics {
	if signatures == nil {
		signatures = DefaultSignatures
	}
	return &Diagnostics{ring: ring, tracker: tracker, signatures: signatures}
}

// Report is the diagnostics endpoint payload.
type Report struct {
	Window     string            `json:"window"`
	TurnStates map[TurnState]int `json:"turn_states"`
	Findings   []Finding         `json:"findings"`
	Healthy    bool              `json:"healthy"`
}

// Scan inspects records within the window and returns a report.
func (d *Diagnostics) Scan(window time.Duration) *Report {
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}

	recs := d.ring.Query(Filter{MinLevel: "warn", Since: since})

	byName := make(map[string]*Finding)
	order := make([]string, 0, len(d.signatures))
	for _, rec := range recs {
		lower := strings.ToLower(rec.Message)
		for _, sig := range d.signatures {
			if !matchesSignature(lower, sig) {
				continue
			}
			f, ok := byName[sig.Name]
			if !ok {
				f = &Finding{Signature: sig.Name, Suggestion: sig.Suggestion, Example: rec.Message}
				byName[sig.Name] = f
				order = append(order, sig.Name)
			}
			f.Count++
			if rec.Time.After(f.LastSeen) {
				f.LastSeen = rec.Time
			}
		}
	}

	findings := make([]Finding, 0, len(order))
	for _, name := range order {
		findings = append(findings, *byName[name])
	}

	var states map[TurnState]int
	if d.tracker != nil {
		states = d.tracker.Counts(window)
	}

	return &Report{
		Window:     window.String(),
		TurnStates: states,
		Findings:   findings,
		Healthy:    len(findings) == 0,
	}
}

func matchesSignature(lowerMsg string, sig Signature) bool {
	for _, sub := range sig.Substrings {
		if !strings.Contains(lowerMsg, strings.ToLower(sub)) {
			return false
		}
	}
	return len(sig.Substrings) > 0
}
