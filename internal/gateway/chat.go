package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/shadow"
	"github.com/haasonsaas/relay/pkg/models"
)

// autoModel routes the turn instead of naming an agent.
const autoModel = "auto"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not supported")
		return
	}

	userMessage, history := splitHistory(req.Messages)
	if userMessage == "" {
		writeError(w, http.StatusBadRequest, "no user message in request")
		return
	}

	user := userFromHeaders(r)
	turnID := uuid.NewString()
	ctx := context.WithValue(r.Context(), observability.TurnIDKey, turnID)
	ctx = context.WithValue(ctx, observability.UserIDKey, user.ID)

	turn := &models.TurnRecord{
		TurnID:   turnID,
		User:     user,
		Incoming: models.Message{Role: models.RoleUser, Content: userMessage},
	}
	start := time.Now()
	s.tracker.Transition(ctx, observability.TurnReceived, "model", req.Model)

	desc, modelOverride, status, errMsg := s.selectAgent(ctx, req.Model, userMessage, history, turn)
	if desc == nil {
		writeError(w, status, errMsg)
		return
	}
	s.tracker.Transition(ctx, observability.TurnRouted, "agent", desc.ID)

	runOpts := agent.RunOptions{
		Agent:              s.tunedDescriptor(desc),
		User:               user,
		Model:              modelOverride,
		MaxConcurrentTools: s.valves.Int("max_concurrent_tools"),
	}

	s.tracker.Transition(ctx, observability.TurnExecuting, "agent", desc.ID)
	result := s.runtime.Run(ctx, runOpts, history)

	turn.ToolInvocations = result.Invocations
	turn.Final = models.Message{Role: models.RoleAssistant, Content: result.Content}
	turn.Elapsed = time.Since(start)

	s.tracker.Transition(ctx, observability.TurnResponded,
		"agent", desc.ID, "reason", string(result.Reason), "iterations", result.Iterations)
	if s.metrics != nil {
		s.metrics.TurnCounter.WithLabelValues(desc.ID, result.Reason.FinishReason()).Inc()
		s.metrics.TurnDuration.WithLabelValues(desc.ID).Observe(turn.Elapsed.Seconds())
	}

	if taskID, ok := s.observer.Schedule(ctx, shadow.Task{
		TurnID:           turnID,
		UserMessage:      userMessage,
		AssistantMessage: result.Content,
		PrimaryAgent:     desc.ID,
		User:             user,
	}); ok {
		turn.ShadowTaskID = taskID
	}

	usage := chatCompletionUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		// No provider counts available: approximate by whitespace split.
		usage.PromptTokens = approxTokens(userMessage)
		usage.CompletionTokens = approxTokens(result.Content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + turnID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   responseModel(req.Model, desc.ID),
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: result.Content},
			FinishReason: result.Reason.FinishReason(),
		}},
		Usage: usage,
	})
}

// selectAgent resolves the model field to an agent descriptor. "auto" routes;
// a named agent is used directly; the shadow observer is rejected.
func (s *Server) selectAgent(ctx context.Context, model, userMessage string, history []models.Message, turn *models.TurnRecord) (*models.AgentDescriptor, string, int, string) {
	switch model {
	case "", autoModel:
		decision := s.router.Decide(userMessage, history)
		turn.Routing = decision

		primary := decision.Primary
		if threshold := s.valves.Float("routing_confidence_threshold"); decision.Confidence < threshold {
			if fallback := s.valves.String("default_agent"); fallback != "" {
				if _, ok := agent.DescriptorByID(fallback); ok {
					primary = fallback
				}
			}
		}
		s.logger.Info(ctx, "turn routed", "agent", primary,
			"confidence", decision.Confidence, "rationale", decision.Rationale,
			"complexity", string(decision.Complexity))

		desc, ok := agent.DescriptorByID(primary)
		if !ok {
			return nil, "", http.StatusInternalServerError, "routed to unknown agent"
		}
		return desc, "", 0, ""
	case agent.ShadowObserverID:
		return nil, "", http.StatusBadRequest, "the shadow observer cannot be invoked directly"
	default:
		if desc, ok := agent.DescriptorByID(model); ok {
			return desc, "", 0, ""
		}
		return nil, "", http.StatusBadRequest, fmt.Sprintf("unknown model %q", model)
	}
}

// tunedDescriptor overlays the runtime valves onto the static descriptor.
func (s *Server) tunedDescriptor(desc *models.AgentDescriptor) *models.AgentDescriptor {
	tuned := *desc
	if v := s.valves.Int("agent_max_iterations"); v > 0 {
		tuned.MaxIterations = v
	}
	if v := s.valves.Duration("agent_max_wall_time_seconds"); v > 0 {
		tuned.MaxWallTime = v
	}
	return &tuned
}

// splitHistory converts the wire messages and returns the trailing user
// message separately. The full conversation, trailing message included, is
// the loop's starting transcript.
func splitHistory(wire []chatMessage) (string, []models.Message) {
	history := make([]models.Message, 0, len(wire))
	for _, m := range wire {
		history = append(history, models.Message{Role: models.Role(m.Role), Content: m.Content})
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content, history
		}
	}
	return "", history
}

// userFromHeaders derives the user context. Absent headers mean anonymous;
// the turn still proceeds.
func userFromHeaders(r *http.Request) *models.UserContext {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return models.Anonymous()
	}
	user := &models.UserContext{
		ID:            id,
		DisplayName:   r.Header.Get("X-User-Name"),
		Email:         r.Header.Get("X-User-Email"),
		Role:          r.Header.Get("X-User-Role"),
		Authenticated: true,
	}
	if user.DisplayName == "" {
		user.DisplayName = id
	}
	if r.Header.Get("X-User-Authenticated") == "false" {
		user.Authenticated = false
	}
	return user
}

func approxTokens(s string) int {
	return len(strings.Fields(s))
}

func responseModel(requested, agentID string) string {
	if requested == "" {
		return autoModel
	}
	if requested == autoModel {
		return autoModel + ":" + agentID
	}
	return requested
}
