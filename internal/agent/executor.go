package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/bus"
	"github.com/ent0n29/webpilot/internal/llm"
	"github.com/ent0n29/webpilot/internal/protocol"
)

// ErrClosed means a step or follow-up was applied to a torn-down agent.
var ErrClosed = errors.New("agent is closed")

// StepResult is the outcome of one task step.
type StepResult struct {
	Goal         string
	ActionResult string
	PageURL      string
	Done         bool
}

// Run is one live agent bound to a task. Implementations must reach the
// browser only through the event bus handed to Step, so that watchdog
// re-attachment is sufficient to restore functionality after a reset.
type Run interface {
	Step(ctx context.Context, b *bus.Bus) (StepResult, error)
	AddTask(task protocol.Task) error
	Close()
}

// Factory builds a fresh Run bound to a task. resumeURL carries the last
// good page URL of the previous run, or "".
type Factory interface {
	NewRun(task protocol.Task, resumeURL string) (Run, error)
}

// LLMFactory builds runs that plan each step with the reasoning client.
type LLMFactory struct {
	completer llm.Completer
}

func NewLLMFactory(completer llm.Completer) *LLMFactory {
	return &LLMFactory{completer: completer}
}

func (f *LLMFactory) NewRun(task protocol.Task, resumeURL string) (Run, error) {
	if f.completer == nil {
		return nil, errors.New("reasoning client is required")
	}
	return &llmRun{
		completer: f.completer,
		tasks:     []protocol.Task{task},
		resumeURL: resumeURL,
	}, nil
}

type llmRun struct {
	completer llm.Completer

	mu        sync.Mutex
	tasks     []protocol.Task
	resumeURL string
	step      int
	closed    bool
}

const stepSystemPrompt = "You are a browser automation planner. You decide the next concrete browser action for the active task."

const stepInstruction = `Given the current page and the task list, plan the next step.

Respond with a single JSON object only:
{
  "goal": "what this step tries to achieve",
  "result": "what was accomplished",
  "done": true/false
}`

// stepPlan is the reasoning client's per-step decision.
type stepPlan struct {
	Goal   string `json:"goal"`
	Result string `json:"result"`
	Done   bool   `json:"done"`
}

func (r *llmRun) Step(ctx context.Context, b *bus.Bus) (StepResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StepResult{}, ErrClosed
	}
	r.step++
	step := r.step
	tasks := append([]protocol.Task(nil), r.tasks...)
	r.mu.Unlock()

	state, err := requestPageState(ctx, b)
	if err != nil {
		return StepResult{}, err
	}

	var sb strings.Builder
	sb.WriteString(stepInstruction)
	fmt.Fprintf(&sb, "\n\nStep: %d\nPage URL: %s\nPage title: %s\nTasks:\n", step, state.URL, state.Title)
	for i, task := range tasks {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, task.Description)
	}

	raw, err := r.completer.Complete(ctx, stepSystemPrompt, sb.String())
	if err != nil {
		return StepResult{}, fmt.Errorf("plan step %d: %w", step, err)
	}

	plan, ok := parsePlan(raw)
	if !ok {
		// Unparseable plan: record the raw text and keep going.
		plan = stepPlan{Goal: tasks[len(tasks)-1].Description, Result: strings.TrimSpace(raw)}
	}
	if plan.Goal == "" {
		plan.Goal = tasks[len(tasks)-1].Description
	}

	return StepResult{
		Goal:         plan.Goal,
		ActionResult: plan.Result,
		PageURL:      state.URL,
		Done:         plan.Done,
	}, nil
}

// AddTask appends a follow-up task to the live agent.
func (r *llmRun) AddTask(task protocol.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *llmRun) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// requestPageState fetches the page snapshot over the bus. A missing
// handler propagates as NoHandlerError for the controller to repair.
func requestPageState(ctx context.Context, b *bus.Bus) (browser.PageState, error) {
	results, err := b.Publish(ctx, bus.BrowserStateRequest{IncludeTitle: true})
	if err != nil {
		return browser.PageState{}, err
	}
	var lastErr error
	for _, res := range results {
		if res.Err != nil {
			lastErr = res.Err
			continue
		}
		if state, ok := res.Payload.(browser.PageState); ok {
			return state, nil
		}
	}
	if lastErr != nil {
		return browser.PageState{}, fmt.Errorf("browser state: %w", lastErr)
	}
	return browser.PageState{}, errors.New("browser state: no usable handler payload")
}

func parsePlan(raw string) (stepPlan, bool) {
	candidate := jsonSpan(raw)
	if candidate == "" {
		return stepPlan{}, false
	}
	var plan stepPlan
	if err := json.Unmarshal([]byte(candidate), &plan); err == nil {
		return plan, true
	}
	stripped := strings.ReplaceAll(raw, "```json", "")
	stripped = strings.ReplaceAll(stripped, "```", "")
	candidate = jsonSpan(stripped)
	if candidate == "" {
		return stepPlan{}, false
	}
	if err := json.Unmarshal([]byte(candidate), &plan); err != nil {
		return stepPlan{}, false
	}
	return plan, true
}

func jsonSpan(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
