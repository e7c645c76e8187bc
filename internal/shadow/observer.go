// Package shadow implements the background observer that mines each completed
// turn for durable knowledge. Observations never block or fail the user
// response; they run under their own deadline and concurrency cap.
package shadow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/valves"
	"github.com/haasonsaas/relay/pkg/models"
)

// TaskState tracks one observation through the handle table.
type TaskState string

const (
	StateRunning  TaskState = "running"
	StateComplete TaskState = "complete"
	StateDropped  TaskState = "dropped"
	StateFailed   TaskState = "failed"
)

// Task is the input to one observation: the completed exchange plus routing
// and identity context.
type Task struct {
	TurnID           string
	UserMessage      string
	AssistantMessage string
	PrimaryAgent     string
	User             *models.UserContext
}

// PipelineFunc runs the observation body. Replaceable for tests.
type PipelineFunc func(ctx context.Context, task Task) error

// Observer schedules bounded background observations. Saturation drops the
// task rather than queueing it.
type Observer struct {
	backend *backend.Client
	valves  *valves.Manager
	logger  *observability.Logger
	metrics *observability.Metrics
	tracker *observability.TurnTracker

	// Pipeline is the observation body. Defaults to the built-in
	// extract/classify/judge/write pipeline.
	Pipeline PipelineFunc

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	states map[string]TaskState
}

// NewObserver creates an observer. The concurrency cap is read from the
// shadow_max_concurrent valve once at construction; the enable flag and
// timeout are read per task so valve changes apply live.
func NewObserver(bc *backend.Client, vm *valves.Manager, logger *observability.Logger, metrics *observability.Metrics, tracker *observability.TurnTracker) *Observer {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	maxConcurrent := vm.Int("shadow_max_concurrent")
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	o := &Observer{
		backend: bc,
		valves:  vm,
		logger:  logger.Named("shadow"),
		metrics: metrics,
		tracker: tracker,
		sem:     make(chan struct{}, maxConcurrent),
		states:  make(map[string]TaskState),
	}
	o.Pipeline = o.observe
	return o
}

// Schedule launches the observation in the background. Returns the task ID
// and whether it was accepted. Scheduling is a no-op when the shadow_enabled
// valve is off; a saturated semaphore drops the task and counts it.
func (o *Observer) Schedule(ctx context.Context, task Task) (string, bool) {
	if !o.valves.Bool("shadow_enabled") {
		return "", false
	}

	taskID := uuid.NewString()

	select {
	case o.sem <- struct{}{}:
	default:
		o.setState(taskID, StateDropped)
		if o.metrics != nil {
			o.metrics.ShadowDropped.Inc()
		}
		if o.tracker != nil {
			o.tracker.Transition(ctx, observability.TurnShadowDropped, "task_id", taskID)
		}
		o.logger.Warn(ctx, "shadow task dropped", "task_id", taskID, "turn_id", task.TurnID)
		return taskID, false
	}

	o.setState(taskID, StateRunning)
	if o.metrics != nil {
		o.metrics.ShadowScheduled.Inc()
	}
	if o.tracker != nil {
		o.tracker.Transition(ctx, observability.TurnShadowScheduled, "task_id", taskID)
	}

	timeout := o.valves.Duration("shadow_timeout_seconds")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()

		// The observation outlives the request; it carries only the turn ID
		// for correlation, never the request context.
		taskCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		taskCtx = context.WithValue(taskCtx, observability.TurnIDKey, task.TurnID)

		defer func() {
			if r := recover(); r != nil {
				o.fail(taskCtx, taskID, fmt.Errorf("panic: %v", r))
			}
		}()

		if err := o.Pipeline(taskCtx, task); err != nil {
			o.fail(taskCtx, taskID, err)
			return
		}

		o.setState(taskID, StateComplete)
		if o.tracker != nil {
			o.tracker.Transition(taskCtx, observability.TurnShadowComplete, "task_id", taskID)
		}
		o.logger.Debug(taskCtx, "shadow observation complete", "task_id", taskID)
	}()

	return taskID, true
}

func (o *Observer) fail(ctx context.Context, taskID string, err error) {
	o.setState(taskID, StateFailed)
	if o.metrics != nil {
		o.metrics.ShadowFailed.Inc()
	}
	if o.tracker != nil {
		o.tracker.Transition(ctx, observability.TurnShadowFailed, "task_id", taskID)
	}
	o.logger.Warn(ctx, "shadow observation failed", "task_id", taskID, "error", err)
}

func (o *Observer) setState(taskID string, state TaskState) {
	o.mu.Lock()
	o.states[taskID] = state
	o.mu.Unlock()
}

// State reports the recorded state for a task ID.
func (o *Observer) State(taskID string) (TaskState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.states[taskID]
	return s, ok
}

// Wait blocks until all in-flight observations finish. Used by shutdown and
// tests.
func (o *Observer) Wait() {
	o.wg.Wait()
}

// Intent classifies what the user was doing in the turn.
type Intent string

const (
	IntentPreference   Intent = "preference"
	IntentStatusUpdate Intent = "status_update"
	IntentFactual      Intent = "factual"
	IntentQuestion     Intent = "question"
	IntentChitchat     Intent = "chitchat"
)

// observe is the default pipeline: extract entities, classify intent, judge
// durability, then write what is worth keeping through the backend client.
func (o *Observer) observe(ctx context.Context, task Task) error {
	entities := ExtractEntities(task.UserMessage + " " + task.AssistantMessage)
	intent := ClassifyIntent(task.UserMessage)
	durable := JudgeDurability(task.UserMessage, intent)

	o.logger.Debug(ctx, "shadow analysis", "intent", string(intent),
		"entities", len(entities), "durable", durable)

	analysis := map[string]any{
		"turn_id":       task.TurnID,
		"primary_agent": task.PrimaryAgent,
		"intent":        string(intent),
		"entities":      entities,
		"durable":       durable,
		"observed_at":   time.Now().Format(time.RFC3339),
	}
	if _, err := o.backend.StoreAnalysis(ctx, analysis, task.User); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}

	if !durable {
		return nil
	}

	switch intent {
	case IntentStatusUpdate:
		userID := "anonymous"
		if task.User != nil {
			userID = task.User.ID
		}
		if _, err := o.backend.UpdateStatus(ctx, userID, strings.TrimSpace(task.UserMessage), task.User); err != nil {
			return fmt.Errorf("status write: %w", err)
		}
	case IntentPreference, IntentFactual:
		entity := "user"
		if len(entities) > 0 {
			entity = entities[0]
		}
		category := "fact"
		if intent == IntentPreference {
			category = "preference"
		}
		if _, err := o.backend.AddFact(ctx, entity, strings.TrimSpace(task.UserMessage), category, task.User); err != nil {
			return fmt.Errorf("fact write: %w", err)
		}
	}
	return nil
}

var (
	entityPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

	entityStopwords = map[string]bool{
		"I": true, "The": true, "A": true, "An": true, "My": true,
		"This": true, "That": true, "What": true, "When": true, "Where": true,
		"Who": true, "How": true, "Why": true, "Please": true, "Thanks": true,
		"Hello": true, "Hi": true, "Yes": true, "No": true, "Ok": true,
	}

	preferencePattern = regexp.MustCompile(`(?i)\bi (really )?(prefer|like|love|hate|dislike|always|never|usually)\b|\bcall me\b|\bmy favou?rite\b`)
	statusPattern     = regexp.MustCompile(`(?i)\bi('m| am) (now |currently )?(at|in|on|working|traveling|travelling|back|away|busy|free|off)\b|\bmy status\b`)
	factualPattern    = regexp.MustCompile(`(?i)\bmy (name|birthday|address|phone|email|job|employer|wife|husband|partner|son|daughter|dog|cat) is\b|\bi (live|work|was born) (in|at|on)\b`)
)

// ExtractEntities pulls capitalised name-like spans from the text, dropping
// sentence-initial stopwords.
func ExtractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range entityPattern.FindAllString(text, -1) {
		if entityStopwords[match] || seen[match] {
			continue
		}
		seen[match] = true
		out = append(out, match)
	}
	return out
}

// ClassifyIntent buckets the user message by lexical signals. The order
// matters: explicit facts beat preferences beat status.
func ClassifyIntent(message string) Intent {
	switch {
	case factualPattern.MatchString(message):
		return IntentFactual
	case preferencePattern.MatchString(message):
		return IntentPreference
	case statusPattern.MatchString(message):
		return IntentStatusUpdate
	case strings.Contains(message, "?"):
		return IntentQuestion
	default:
		return IntentChitchat
	}
}

// JudgeDurability decides whether the message is worth persisting. Questions
// and chitchat never are; first-person declarations are, once they carry some
// substance.
func JudgeDurability(message string, intent Intent) bool {
	switch intent {
	case IntentFactual, IntentPreference, IntentStatusUpdate:
		return len(strings.Fields(message)) >= 3
	default:
		return false
	}
}
