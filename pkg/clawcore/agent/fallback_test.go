package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

func TestSynthesizeFallbackTitles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  ErrorKind
		emoji string
		text  string
	}{
		{ErrorContextOverflow, "📚", "too large"},
		{ErrorUsageLimit, "💳", "usage limit"},
		{ErrorAuth, "🔑", "credentials"},
		{ErrorRateLimit, "⏳", "throttling"},
		{ErrorFatal, "🚧", "unavailable"},
		{ErrorRecoverable, "⚠️", "could not be completed"},
	}
	for _, tt := range tests {
		out := SynthesizeFallback(PartialResult{Kind: tt.kind})
		if !strings.HasPrefix(out, tt.emoji) {
			t.Errorf("kind %s: fallback does not start with %s: %q", tt.kind, tt.emoji, out)
		}
		if !strings.Contains(out, tt.text) {
			t.Errorf("kind %s: fallback lacks %q: %q", tt.kind, tt.text, out)
		}
	}
}

func TestSynthesizeFallbackBody(t *testing.T) {
	t.Parallel()

	p := PartialResult{
		Kind:         ErrorRateLimit,
		ErrorMsg:     "API returned 429: too many requests",
		AttemptCount: 3,
		ToolCalls: []store.Message{
			{Role: store.RoleTool, ToolName: "web_search", ToolResult: "found 3 results"},
			{Role: store.RoleTool, ToolName: "read_file", ToolResult: strings.Repeat("z", 500)},
		},
	}
	out := SynthesizeFallback(p)

	if !strings.Contains(out, "web_search") || !strings.Contains(out, "found 3 results") {
		t.Errorf("tool calls missing: %s", out)
	}
	if !strings.Contains(out, "Last error: API returned 429") {
		t.Errorf("error missing: %s", out)
	}
	if !strings.Contains(out, "Attempts: 3") {
		t.Errorf("attempts missing: %s", out)
	}
	// Long tool results are previewed, not dumped.
	if strings.Contains(out, strings.Repeat("z", 200)) {
		t.Error("tool result not truncated")
	}
}

func TestSynthesizeFallbackLimitsToolCalls(t *testing.T) {
	t.Parallel()

	var calls []store.Message
	for i := 0; i < 9; i++ {
		calls = append(calls, store.Message{
			Role: store.RoleTool, ToolName: "tool_" + string(rune('a'+i)), ToolResult: "ok",
		})
	}
	out := SynthesizeFallback(PartialResult{Kind: ErrorFatal, ToolCalls: calls})

	if strings.Contains(out, "tool_a") {
		t.Error("oldest tool call should be dropped")
	}
	if !strings.Contains(out, "tool_i") {
		t.Error("newest tool call missing")
	}
}

func TestPartialFromHistory(t *testing.T) {
	t.Parallel()

	history := []store.Message{
		{Role: store.RoleUser, Content: "do the thing"},
		{Role: store.RoleTool, ToolName: "search", ToolResult: "data"},
		{Role: store.RoleAssistant, Content: "working on it"},
	}
	p := PartialFromHistory(history, errors.New("quota exceeded"), 2)

	if p.Kind != ErrorUsageLimit {
		t.Errorf("kind = %s", p.Kind)
	}
	if p.AttemptCount != 2 {
		t.Errorf("attempts = %d", p.AttemptCount)
	}
	if len(p.ToolCalls) != 1 || len(p.UserMsgs) != 1 || len(p.AssistantMsgs) != 1 {
		t.Errorf("partition wrong: %+v", p)
	}
}

func TestRetryPrompt(t *testing.T) {
	t.Parallel()

	ce := Classify(errors.New("connection reset"))
	out := RetryPrompt("original goal", ce, 1, 3)

	if !strings.HasPrefix(out, "original goal") {
		t.Errorf("goal not preserved: %q", out)
	}
	if !strings.Contains(out, "Retry 2/3") {
		t.Errorf("attempt counter missing: %q", out)
	}
	if !strings.Contains(out, "connection reset") {
		t.Errorf("error message missing: %q", out)
	}
	if !strings.Contains(out, "recoverable") {
		t.Errorf("kind missing: %q", out)
	}
}
