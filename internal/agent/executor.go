package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Executor runs the tool calls of one iteration in parallel, bounded by a
// semaphore. Results come back in the originating call order regardless of
// completion order, so transcript injection stays aligned with the model's
// call IDs.
type Executor struct {
	registry       *tools.Registry
	maxConcurrency int
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *tools.Registry, maxConcurrency int) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Executor{registry: registry, maxConcurrency: maxConcurrency}
}

// ExecuteAll invokes every call and returns invocations indexed like calls.
// A panicking handler is converted to an unavailable outcome for that call
// only.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, user *models.UserContext) []models.ToolInvocation {
	if len(calls) == 0 {
		return nil
	}

	results := make([]models.ToolInvocation, len(calls))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[idx] = models.ToolInvocation{
						CallID:   tc.ID,
						ToolName: tc.Name,
						Outcome:  models.OutcomeUnavailable,
						Error:    fmt.Sprintf("tool panicked: %v\n%s", r, debug.Stack()),
						Source:   models.SourceRemote,
					}
				}
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = cancelledInvocation(tc, ctx.Err())
				return
			}

			if ctx.Err() != nil {
				results[idx] = cancelledInvocation(tc, ctx.Err())
				return
			}
			results[idx] = e.registry.Invoke(ctx, tc, user)
		}(i, call)
	}

	wg.Wait()
	return results
}

func cancelledInvocation(tc models.ToolCall, err error) models.ToolInvocation {
	return models.ToolInvocation{
		CallID:   tc.ID,
		ToolName: tc.Name,
		Outcome:  models.OutcomeUnavailable,
		Error:    fmt.Sprintf("cancelled before execution: %v", err),
		Source:   models.SourceRemote,
	}
}
