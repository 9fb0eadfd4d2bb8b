package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/webpilot/internal/llm"
	"github.com/ent0n29/webpilot/internal/transcript"
)

// Verdict is the typed decision produced per analysis call. Never
// persisted beyond the call that created it.
type Verdict struct {
	NeedsAction     bool   `json:"needs_action"`
	ActionType      string `json:"action_type,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	Reason          string `json:"reason"`
}

const maxRecentMessages = 5

const analysisSystemPrompt = "You are an expert in analyzing conversations between a user and a browser automation agent."

const analysisInstruction = `Analyze the conversation below and decide whether a browser action is needed.

Rules:
- If the request can be solved by driving the browser, set "needs_action" to true and write the concrete task in "task_description".
- "action_type" is one of "search", "navigate", "form_fill", "data_extract" or null.
- Always explain your decision in "reason".

Respond with a single JSON object only:
{
  "needs_action": true/false,
  "action_type": "search" | "navigate" | "form_fill" | "data_extract" | null,
  "task_description": "concrete browser task",
  "reason": "why"
}`

// Analyzer compresses a transcript, asks the reasoning service for a
// structured verdict, and parses its possibly malformed output. Analyze
// never fails: every error path yields a safe default verdict.
type Analyzer struct {
	completer llm.Completer
}

func NewAnalyzer(completer llm.Completer) *Analyzer {
	return &Analyzer{completer: completer}
}

// Analyze returns a verdict for the given conversation history.
func (a *Analyzer) Analyze(ctx context.Context, history []transcript.Message) Verdict {
	if a == nil || a.completer == nil {
		return Verdict{NeedsAction: false, Reason: "no reasoning client configured"}
	}

	trimmed := TrimHistory(history)
	var sb strings.Builder
	sb.WriteString(analysisInstruction)
	sb.WriteString("\n\nConversation:\n")
	for _, msg := range trimmed {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	raw, err := a.completer.Complete(ctx, analysisSystemPrompt, sb.String())
	if err != nil {
		log.Printf("conversation analysis failed: %v", err)
		return Verdict{NeedsAction: false, Reason: fmt.Sprintf("reasoning service error: %v", err)}
	}

	verdict, err := ParseVerdict(raw)
	if err != nil {
		log.Printf("conversation verdict unparseable: %v", err)
		return Verdict{NeedsAction: false, Reason: fmt.Sprintf("unparseable verdict: %v", err)}
	}
	if strings.TrimSpace(verdict.Reason) == "" {
		verdict.Reason = "no reason provided"
	}
	return verdict
}

// TrimHistory bounds prompt size while preserving original intent: the
// first message plus the most recent five. Older messages are dropped,
// not summarized.
func TrimHistory(history []transcript.Message) []transcript.Message {
	if len(history) <= maxRecentMessages+1 {
		return history
	}
	out := make([]transcript.Message, 0, maxRecentMessages+1)
	out = append(out, history[0])
	out = append(out, history[len(history)-maxRecentMessages:]...)
	return out
}

// ParseVerdict extracts the first well-formed JSON object from raw LLM
// output, tolerating fenced code blocks and surrounding prose. On parse
// failure it retries once after stripping common markdown fences.
func ParseVerdict(raw string) (Verdict, error) {
	candidate := extractJSON(raw)
	if candidate == "" {
		return Verdict{}, fmt.Errorf("no JSON object in response")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(candidate), &verdict); err == nil {
		return verdict, nil
	}

	stripped := stripFences(raw)
	candidate = extractJSON(stripped)
	if candidate == "" {
		return Verdict{}, fmt.Errorf("no JSON object in response after stripping fences")
	}
	if err := json.Unmarshal([]byte(candidate), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict, nil
}

// extractJSON returns the span from the first '{' to the matching last
// '}' in s, preferring the inside of a fenced code block when present.
func extractJSON(s string) string {
	if inner := fencedBlock(s); inner != "" {
		s = inner
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if newline := strings.Index(rest, "\n"); newline >= 0 {
		// Skip a language tag such as "json" on the fence line.
		fenceLine := strings.TrimSpace(rest[:newline])
		if len(fenceLine) <= 10 && !strings.Contains(fenceLine, "{") {
			rest = rest[newline+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
