// Package agent – fallback.go synthesizes the user-visible response when no
// LLM attempt succeeded, and the retry prompt fed back into the next
// iteration. Users never see raw stack traces; they see a titled summary of
// what happened, what ran, and what to do next.
package agent

import (
	"fmt"
	"strings"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// PartialResult collects the state available when a run gives up.
type PartialResult struct {
	ToolCalls     []store.Message
	UserMsgs      []string
	AssistantMsgs []string
	ErrorMsg      string
	AttemptCount  int
	Kind          ErrorKind
}

// fallbackTemplate maps an error kind to its user-facing title and
// recommendation. The kind→title mapping is one-to-one.
type fallbackTemplate struct {
	title          string
	recommendation string
}

var fallbackTemplates = map[ErrorKind]fallbackTemplate{
	ErrorContextOverflow: {
		title:          "📚 The conversation grew too large for the model",
		recommendation: "Start a fresh topic or clear the session, then ask again.",
	},
	ErrorUsageLimit: {
		title:          "💳 The usage limit for this model has been reached",
		recommendation: "Wait for the quota to reset or switch to another provider.",
	},
	ErrorAuth: {
		title:          "🔑 The provider rejected the credentials",
		recommendation: "Check the API key configuration and try again.",
	},
	ErrorRateLimit: {
		title:          "⏳ The provider is throttling requests",
		recommendation: "Wait a minute and resend the request.",
	},
	ErrorFatal: {
		title:          "🚧 The model service is unavailable",
		recommendation: "Try again later or switch the configured model.",
	},
	ErrorRecoverable: {
		title:          "⚠️ The request could not be completed",
		recommendation: "Rephrase the request or try again.",
	},
}

// SynthesizeFallback renders a PartialResult into the user-facing fallback
// string: title, executed tool calls, last error, attempts, recommendation.
func SynthesizeFallback(p PartialResult) string {
	tpl, ok := fallbackTemplates[p.Kind]
	if !ok {
		tpl = fallbackTemplates[ErrorRecoverable]
	}

	var b strings.Builder
	b.WriteString(tpl.title)
	b.WriteString("\n")

	if len(p.ToolCalls) > 0 {
		b.WriteString("\nCompleted before the failure:\n")
		shown := p.ToolCalls
		if len(shown) > 5 {
			shown = shown[len(shown)-5:]
		}
		for _, tc := range shown {
			result := tc.ToolResult
			if result == "" {
				result = tc.Content
			}
			fmt.Fprintf(&b, "• %s → %s\n", tc.ToolName, preview(result, 100))
		}
	}

	if p.ErrorMsg != "" {
		fmt.Fprintf(&b, "\nLast error: %s\n", preview(p.ErrorMsg, 200))
	}
	if p.AttemptCount > 0 {
		fmt.Fprintf(&b, "Attempts: %d\n", p.AttemptCount)
	}

	b.WriteString("\n")
	b.WriteString(tpl.recommendation)
	return b.String()
}

// PartialFromHistory builds a PartialResult from session history and the
// final error, used when aborting after the loop exhausted its options.
func PartialFromHistory(history []store.Message, err error, attempts int) PartialResult {
	ce := Classify(err)
	p := PartialResult{
		ErrorMsg:     ce.Message,
		AttemptCount: attempts,
		Kind:         ce.Kind,
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleTool:
			p.ToolCalls = append(p.ToolCalls, m)
		case store.RoleUser:
			p.UserMsgs = append(p.UserMsgs, m.Content)
		case store.RoleAssistant:
			p.AssistantMsgs = append(p.AssistantMsgs, m.Content)
		}
	}
	return p
}

// retryStrategies hint the model at how to adjust the next attempt.
var retryStrategies = map[ErrorKind]string{
	ErrorContextOverflow: "the context was compressed, continue from the summary",
	ErrorRateLimit:       "the provider throttled the previous attempt, keep the answer concise",
	ErrorRecoverable:     "avoid whatever caused the previous failure",
}

// RetryPrompt produces the goal string for the next iteration: the original
// goal plus a bracketed diagnostic with the error kind, message and a
// strategy hint.
func RetryPrompt(goal string, ce ClassifiedError, attempt, maxRetries int) string {
	strategy, ok := retryStrategies[ce.Kind]
	if !ok {
		strategy = retryStrategies[ErrorRecoverable]
	}
	return fmt.Sprintf("%s\n\n[Retry %d/%d after %s: %s — %s]",
		goal, attempt+1, maxRetries, ce.Kind, preview(ce.Message, 200), strategy)
}
