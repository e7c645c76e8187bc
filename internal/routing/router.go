// Package routing scores incoming messages against the declared agent
// bundles and picks a primary agent. Decide is a pure function: no I/O, and
// identical inputs always produce identical decisions.
package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	weightKeyword = 2
	weightPattern = 3

	// complexityCutoff splits simple from complex requests.
	complexityCutoff = 5

	// collaboratorRatio admits agents scoring within this fraction of the
	// winner as collaborators.
	collaboratorRatio = 0.7
)

// Bundle declares how one agent attracts traffic. The shadow observer keeps
// a zero multiplier so it can never win.
type Bundle struct {
	AgentID            string
	Keywords           []string
	Patterns           []*regexp.Regexp
	PriorityMultiplier float64
	Default            bool
}

// Router scores messages against a fixed set of bundles.
type Router struct {
	bundles   []Bundle
	defaultID string
}

// New creates a router. Bundles keep their declaration order for
// deterministic tie-breaking; the first bundle marked Default (else the
// first bundle) is the fallback agent.
func New(bundles []Bundle) *Router {
	defaultID := ""
	for _, b := range bundles {
		if b.Default {
			defaultID = b.AgentID
			break
		}
	}
	if defaultID == "" && len(bundles) > 0 {
		defaultID = bundles[0].AgentID
	}
	return &Router{bundles: bundles, defaultID: defaultID}
}

// DefaultAgent returns the fallback agent ID.
func (r *Router) DefaultAgent() string { return r.defaultID }

// Decide scores the message and returns the routing decision. History is
// accepted for future signals but does not affect scoring today.
func (r *Router) Decide(message string, _ []models.Message) *models.RoutingDecision {
	lower := strings.ToLower(message)

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(r.bundles))
	for _, b := range r.bundles {
		scores = append(scores, scored{id: b.AgentID, score: r.score(b, lower)})
	}

	var winner scored
	for i, s := range scores {
		if i == 0 || s.score > winner.score {
			winner = s
		}
	}

	// Ties break toward the default agent, else declaration order (the
	// first max found above already respects declaration order).
	if winner.score > 0 {
		for _, s := range scores {
			if s.score == winner.score && s.id == r.defaultID {
				winner = s
				break
			}
		}
	}

	decision := &models.RoutingDecision{
		Primary:    winner.id,
		Confidence: min(winner.score/10, 1.0),
		Complexity: models.ComplexitySimple,
	}

	if winner.score == 0 {
		decision.Primary = r.defaultID
		decision.Rationale = "no patterns matched; using default agent"
		return decision
	}

	if winner.score >= complexityCutoff {
		decision.Complexity = models.ComplexityComplex
	}
	decision.Rationale = fmt.Sprintf("scored %.1f on declared keywords and patterns", winner.score)

	threshold := collaboratorRatio * winner.score
	for _, s := range scores {
		if s.id == winner.id || s.score <= 0 {
			continue
		}
		if s.score >= threshold {
			decision.Collaborators = append(decision.Collaborators, s.id)
		}
	}
	decision.RequiresCollaboration = len(decision.Collaborators) > 0
	return decision
}

// score computes (keywords×2 + patterns×3) × multiplier against the
// lowercase message.
func (r *Router) score(b Bundle, lower string) float64 {
	if b.PriorityMultiplier == 0 {
		return 0
	}
	matched := 0
	for _, kw := range b.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			matched++
		}
	}
	patterns := 0
	for _, re := range b.Patterns {
		if re.MatchString(lower) {
			patterns++
		}
	}
	return float64(matched*weightKeyword+patterns*weightPattern) * b.PriorityMultiplier
}
