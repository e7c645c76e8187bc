package agent

import (
	"regexp"
	"time"

	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/pkg/models"
)

// Agent identifiers. The shadow observer is internal and never routable as a
// primary agent.
const (
	PersonalAssistantID = "personal_assistant"
	ShadowObserverID    = "shadow_observer"
)

const personalAssistantPrompt = `You are a personal assistant with access to the user's knowledge base.
You can search memories, record facts, manage people and profiles, update
status, and analyze conversations. Use tools when they help; answer directly
when they do not. Keep replies concise and concrete. Never invent facts that
a tool lookup could verify.`

const shadowObserverPrompt = `You observe completed conversations. Extract entities worth remembering,
classify the user's intent, and judge whether anything said is durable enough
to store. Only write facts a future conversation would benefit from. Do not
address the user; your output is never shown to them.`

var (
	analysisPattern = regexp.MustCompile(`\b(analyze|analyse|summari[sz]e|classify|extract)\b.*\b(sentiment|text|paragraph|conversation|document)\b`)
	memoryPattern   = regexp.MustCompile(`\b(remember|recall|what did i|last time)\b`)
)

// Descriptors returns the built-in agents in declaration order.
func Descriptors() []models.AgentDescriptor {
	return []models.AgentDescriptor{
		{
			ID:           PersonalAssistantID,
			Name:         "Personal Assistant",
			SystemPrompt: personalAssistantPrompt,
			ToolAllowlist: []string{
				"search_memories", "add_fact", "create_person", "get_profile",
				"update_status", "analyze_conversation", "get_current_time",
			},
			MaxIterations:   6,
			MaxWallTime:     2 * time.Minute,
			AllowDelegation: true,
		},
		{
			ID:           ShadowObserverID,
			Name:         "Shadow Observer",
			SystemPrompt: shadowObserverPrompt,
			ToolAllowlist: []string{
				"add_fact", "update_status", "analyze_conversation",
			},
			MaxIterations: 3,
			MaxWallTime:   30 * time.Second,
		},
	}
}

// Bundles returns the routing bundles matching Descriptors. The shadow
// observer declares interests for observability but keeps a zero multiplier
// so it can never be selected as primary.
func Bundles() []routing.Bundle {
	return []routing.Bundle{
		{
			AgentID: PersonalAssistantID,
			Keywords: []string{
				"analyze", "sentiment", "remember", "remind", "schedule",
				"profile", "status", "fact", "who is", "summarize",
			},
			Patterns:           []*regexp.Regexp{analysisPattern, memoryPattern},
			PriorityMultiplier: 1.0,
			Default:            true,
		},
		{
			AgentID: ShadowObserverID,
			Keywords: []string{
				"entity", "intent", "durable",
			},
			PriorityMultiplier: 0.0,
		},
	}
}

// DescriptorByID looks up a built-in agent.
func DescriptorByID(id string) (*models.AgentDescriptor, bool) {
	for _, d := range Descriptors() {
		if d.ID == id {
			desc := d
			return &desc, true
		}
	}
	return nil, false
}
