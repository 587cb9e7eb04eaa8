package workflow

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/google/uuid"
)

// Executor runs one step's interpolated prompt against the named agent
// (an ephemeral agent from the plan, or any agent id the wiring layer
// chooses to resolve) and returns its output.
type Executor func(ctx context.Context, agentID, prompt string) (string, error)

// Status is an execution's terminal or in-flight state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepOutcome is one step's recorded result.
type StepOutcome struct {
	StepID   string
	Output   string
	Error    string
	Duration time.Duration
}

// Result is an execution's aggregate outcome.
type Result struct {
	ExecutionID string
	Status      Status
	Steps       map[string]StepOutcome
	Order       []string // execution order, for concatenation fallback
	Final       string   // synthesized (or concatenated) final output
}

var resultToken = regexp.MustCompile(`\{\{([a-zA-Z0-9_-]+)\.result\}\}`)

// Engine executes validated plans level by level (spec.md §4.14).
type Engine struct {
	bus *bus.Bus

	mu         sync.Mutex
	cancelled  map[string]bool
}

// New builds an Engine. b may be nil to disable event emission.
func New(b *bus.Bus) *Engine {
	return &Engine{bus: b, cancelled: make(map[string]bool)}
}

// Execute runs plan to completion (or failure/cancellation), returning the
// aggregate Result. maxEphemeralAgents is forwarded to Validate; pass 0 to
// skip that bound.
func (e *Engine) Execute(ctx context.Context, plan *Plan, maxEphemeralAgents int, executor Executor) (*Result, error) {
	if err := Validate(plan, maxEphemeralAgents); err != nil {
		return nil, err
	}
	levels, err := toLevels(plan.Steps)
	if err != nil {
		return nil, err
	}

	execID := uuid.New().String()
	result := &Result{
		ExecutionID: execID,
		Status:      StatusRunning,
		Steps:       make(map[string]StepOutcome),
	}

	failed := false
	for _, level := range levels {
		if e.isCancelled(execID) {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, step := range level {
			wg.Add(1)
			go func(step StepDef) {
				defer wg.Done()
				e.emit(bus.TopicStepStarted, map[string]any{"executionId": execID, "stepId": step.ID})

				prompt := interpolate(step.Prompt, result)
				start := time.Now()
				output, err := executor(ctx, step.AgentID, prompt)
				dur := time.Since(start)

				mu.Lock()
				if err != nil {
					result.Steps[step.ID] = StepOutcome{StepID: step.ID, Error: err.Error(), Duration: dur}
					if !step.Optional {
						failed = true
					}
				} else {
					result.Steps[step.ID] = StepOutcome{StepID: step.ID, Output: output, Duration: dur}
				}
				result.Order = append(result.Order, step.ID)
				mu.Unlock()

				e.emit(bus.TopicStepCompleted, map[string]any{"executionId": execID, "stepId": step.ID, "error": err})
			}(step)
		}
		wg.Wait()

		if failed {
			break
		}
	}

	switch {
	case e.isCancelled(execID):
		result.Status = StatusCancelled
	case failed:
		result.Status = StatusFailed
	default:
		result.Status = StatusCompleted
	}

	result.Final = synthesize(plan, result)
	e.emit(bus.TopicWorkflowCompleted, map[string]any{"executionId": execID, "status": string(result.Status)})
	e.clearCancelled(execID)
	return result, nil
}

// Cancel implements cancel(executionId): remaining steps of the current
// level finish; no subsequent level runs; the final status becomes
// cancelled unless the execution had already cleanly completed.
func (e *Engine) Cancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[executionID] = true
}

func (e *Engine) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

func (e *Engine) clearCancelled(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, executionID)
}

func (e *Engine) emit(topic string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}

// interpolate replaces every {{stepId.result}} token with the
// corresponding prior step's output. A reference to a step that hasn't
// run yet (or doesn't exist) is left in place.
func interpolate(template string, result *Result) string {
	return resultToken.ReplaceAllStringFunc(template, func(token string) string {
		m := resultToken.FindStringSubmatch(token)
		if m == nil {
			return token
		}
		outcome, ok := result.Steps[m[1]]
		if !ok || outcome.Error != "" {
			return token
		}
		return outcome.Output
	})
}

// synthesize builds the execution's final output: the synthesis template
// with tokens substituted, or a concatenation of step outputs in
// execution order when no synthesis template is configured.
func synthesize(plan *Plan, result *Result) string {
	if plan.Synthesis != nil && plan.Synthesis.PromptTemplate != "" {
		return interpolate(plan.Synthesis.PromptTemplate, result)
	}
	var out string
	for i, id := range result.Order {
		if i > 0 {
			out += "\n\n"
		}
		out += fmt.Sprintf("[%s]\n%s", id, result.Steps[id].Output)
	}
	return out
}
