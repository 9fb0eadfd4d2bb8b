package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ent0n29/webpilot/internal/transcript"
)

type stubCompleter struct {
	reply string
	err   error
	seen  string
}

func (s *stubCompleter) Complete(_ context.Context, _ string, prompt string) (string, error) {
	s.seen = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func history(n int) []transcript.Message {
	out := make([]transcript.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, transcript.Message{ID: i, Role: "user", Content: fmt.Sprintf("message-%d", i)})
	}
	return out
}

func TestTrimHistoryKeepsFirstPlusRecentFive(t *testing.T) {
	trimmed := TrimHistory(history(8))
	if len(trimmed) != 6 {
		t.Fatalf("len(trimmed) = %d, want 6", len(trimmed))
	}
	if trimmed[0].ID != 0 {
		t.Fatalf("trimmed[0].ID = %d, want 0", trimmed[0].ID)
	}
	for i := 1; i < 6; i++ {
		if want := i + 2; trimmed[i].ID != want {
			t.Fatalf("trimmed[%d].ID = %d, want %d", i, trimmed[i].ID, want)
		}
	}
}

func TestTrimHistoryShortPassthrough(t *testing.T) {
	msgs := history(6)
	trimmed := TrimHistory(msgs)
	if len(trimmed) != 6 {
		t.Fatalf("len(trimmed) = %d, want 6", len(trimmed))
	}
	for i := range msgs {
		if trimmed[i].ID != msgs[i].ID {
			t.Fatalf("trimmed[%d].ID = %d, want %d", i, trimmed[i].ID, msgs[i].ID)
		}
	}
}

func TestAnalyzeTrimsLongHistoryBeforeSending(t *testing.T) {
	stub := &stubCompleter{reply: `{"needs_action": false, "reason": "nothing to do"}`}
	a := NewAnalyzer(stub)

	a.Analyze(context.Background(), history(8))
	if strings.Contains(stub.seen, "message-1\n") || strings.Contains(stub.seen, "message-2\n") {
		t.Fatalf("prompt contains dropped messages:\n%s", stub.seen)
	}
	if !strings.Contains(stub.seen, "message-0") || !strings.Contains(stub.seen, "message-7") {
		t.Fatalf("prompt missing kept messages:\n%s", stub.seen)
	}
}

func TestParseVerdictFencedBlock(t *testing.T) {
	raw := "```json\n{\"needs_action\": true, \"action_type\": \"search\", \"task_description\": \"find flights\", \"reason\": \"user asked\"}\n```"
	verdict, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict error: %v", err)
	}
	if !verdict.NeedsAction {
		t.Fatalf("NeedsAction = false, want true")
	}
	if verdict.ActionType != "search" {
		t.Fatalf("ActionType = %q, want search", verdict.ActionType)
	}
}

func TestParseVerdictSurroundingProse(t *testing.T) {
	raw := "Sure, here is my analysis:\n{\"needs_action\": false, \"reason\": \"just chatting\"}\nHope that helps!"
	verdict, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("ParseVerdict error: %v", err)
	}
	if verdict.NeedsAction {
		t.Fatalf("NeedsAction = true, want false")
	}
	if verdict.Reason != "just chatting" {
		t.Fatalf("Reason = %q, want just chatting", verdict.Reason)
	}
}

func TestParseVerdictNoJSON(t *testing.T) {
	if _, err := ParseVerdict("I could not decide."); err == nil {
		t.Fatalf("ParseVerdict on prose: expected error, got nil")
	}
}

func TestAnalyzeServiceErrorYieldsSafeDefault(t *testing.T) {
	stub := &stubCompleter{err: errors.New("upstream timeout")}
	a := NewAnalyzer(stub)

	verdict := a.Analyze(context.Background(), history(3))
	if verdict.NeedsAction {
		t.Fatalf("NeedsAction = true on service error, want false")
	}
	if !strings.Contains(verdict.Reason, "upstream timeout") {
		t.Fatalf("Reason = %q, want it to carry the error", verdict.Reason)
	}
}

func TestAnalyzeMalformedResponseYieldsSafeDefault(t *testing.T) {
	for _, reply := range []string{"", "not json at all", "{broken", "```json\n```"} {
		stub := &stubCompleter{reply: reply}
		a := NewAnalyzer(stub)
		verdict := a.Analyze(context.Background(), history(2))
		if verdict.NeedsAction {
			t.Fatalf("reply %q: NeedsAction = true, want false", reply)
		}
		if verdict.Reason == "" {
			t.Fatalf("reply %q: empty Reason on failure", reply)
		}
	}
}

func TestAnalyzeWithoutCompleter(t *testing.T) {
	a := NewAnalyzer(nil)
	verdict := a.Analyze(context.Background(), history(1))
	if verdict.NeedsAction {
		t.Fatalf("NeedsAction = true without a completer, want false")
	}
}
