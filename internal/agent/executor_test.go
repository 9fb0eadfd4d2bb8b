package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/bus"
	"github.com/ent0n29/webpilot/internal/protocol"
)

type scriptedCompleter struct {
	replies []string
	err     error
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply, nil
}

func stateServingBus(t *testing.T, url string) *bus.Bus {
	t.Helper()
	b := bus.New()
	if _, err := b.Subscribe(bus.TypeBrowserStateRequest, "dom", func(_ context.Context, _ bus.Event) (any, error) {
		return browser.PageState{URL: url, Title: "Example"}, nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	return b
}

func newTask(desc string) protocol.Task {
	return protocol.Task{ID: "t1", Description: desc}
}

func TestStepUsesBusForPageState(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		`{"goal": "open search", "result": "typed query", "done": false}`,
	}}
	factory := NewLLMFactory(completer)
	run, err := factory.NewRun(newTask("find flights"), "")
	if err != nil {
		t.Fatalf("NewRun error: %v", err)
	}
	defer run.Close()

	b := stateServingBus(t, "https://example.com/search")
	res, err := run.Step(context.Background(), b)
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if res.Goal != "open search" {
		t.Fatalf("Goal = %q, want open search", res.Goal)
	}
	if res.PageURL != "https://example.com/search" {
		t.Fatalf("PageURL = %q, want the bus-served URL", res.PageURL)
	}
	if res.Done {
		t.Fatalf("Done = true, want false")
	}
	if !strings.Contains(completer.prompts[0], "find flights") {
		t.Fatalf("prompt missing task description:\n%s", completer.prompts[0])
	}
}

func TestStepPropagatesNoHandlerError(t *testing.T) {
	factory := NewLLMFactory(&scriptedCompleter{replies: []string{"{}"}})
	run, err := factory.NewRun(newTask("anything"), "")
	if err != nil {
		t.Fatalf("NewRun error: %v", err)
	}
	defer run.Close()

	_, err = run.Step(context.Background(), bus.New())
	if !bus.IsNoHandler(err) {
		t.Fatalf("Step on empty bus: err = %v, want NoHandlerError", err)
	}
}

func TestStepFencedPlanParses(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		"```json\n{\"goal\": \"finish\", \"result\": \"all done\", \"done\": true}\n```",
	}}
	run, err := NewLLMFactory(completer).NewRun(newTask("wrap up"), "")
	if err != nil {
		t.Fatalf("NewRun error: %v", err)
	}
	defer run.Close()

	res, err := run.Step(context.Background(), stateServingBus(t, "https://example.com"))
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if !res.Done {
		t.Fatalf("Done = false for fenced done plan")
	}
	if res.ActionResult != "all done" {
		t.Fatalf("ActionResult = %q, want all done", res.ActionResult)
	}
}

func TestStepUnparseablePlanKeepsGoing(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{"I clicked around a bit."}}
	run, err := NewLLMFactory(completer).NewRun(newTask("browse"), "")
	if err != nil {
		t.Fatalf("NewRun error: %v", err)
	}
	defer run.Close()

	res, err := run.Step(context.Background(), stateServingBus(t, "https://example.com"))
	if err != nil {
		t.Fatalf("Step error: %v", err)
	}
	if res.Done {
		t.Fatalf("Done = true for unparseable plan, want false")
	}
	if res.Goal != "browse" {
		t.Fatalf("Goal = %q, want the task description fallback", res.Goal)
	}
	if res.ActionResult != "I clicked around a bit." {
		t.Fatalf("ActionResult = %q, want raw reply", res.ActionResult)
	}
}

func TestAddTaskAfterCloseFails(t *testing.T) {
	run, err := NewLLMFactory(&scriptedCompleter{replies: []string{"{}"}}).NewRun(newTask("first"), "")
	if err != nil {
		t.Fatalf("NewRun error: %v", err)
	}

	if err := run.AddTask(protocol.Task{ID: "t2", Description: "second"}); err != nil {
		t.Fatalf("AddTask on live run error: %v", err)
	}

	run.Close()
	if err := run.AddTask(protocol.Task{ID: "t3", Description: "third"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddTask after Close: err = %v, want ErrClosed", err)
	}
	if _, err := run.Step(context.Background(), bus.New()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Step after Close: err = %v, want ErrClosed", err)
	}
}
