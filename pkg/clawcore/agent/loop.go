// Package agent – loop.go drives the LLM through tool-augmented multi-step
// reasoning and survives transient and structural failures. Every caught
// error is classified before action; the loop never re-raises — it retries,
// heals, or synthesizes a fallback.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// Defaults for the loop configuration.
const (
	DefaultMaxRetries    = 3
	DefaultMaxHistory    = 40
	DefaultContextTokens = 8000
)

// AutoRepairPrefix is the reserved goal prefix marking auto-repair tasks.
// Goals carrying it never spawn further auto-repair tasks.
const AutoRepairPrefix = "[Auto-repair]"

// Result is what the LLM transport returns on success.
type Result struct {
	// Output is the assistant's final answer.
	Output string

	// NewMessages are the transport-native history entries produced by this
	// run, appended verbatim to the opaque model message history.
	NewMessages []json.RawMessage
}

// Transport is the abstract LLM capability the loop drives. Implementations
// may invoke tools mid-run; those invocations must be recorded as tool-role
// messages on the session. Errors must stringify to something the classifier
// can inspect.
type Transport interface {
	Run(ctx context.Context, goal string, rc *RunContext, history []json.RawMessage) (*Result, error)
}

// RunContext is the ephemeral per-invocation state. It is recreated for each
// handler execution and owns its mutable counters exclusively.
type RunContext struct {
	Session *store.Session
	ChatID  int64
	UserID  int64

	// RetryCount counts retryable attempts consumed. Non-retryable errors
	// end the run without touching it.
	RetryCount int

	// LastError is the stringified form of the most recent failure.
	LastError string

	// TaskID is the bound resumable task, zero when none.
	TaskID int64

	// Overview is the cached L0 memory overview injected into prompts.
	Overview map[string][]string

	// Compressed holds the compressed conversation view produced by a
	// COMPRESS_AND_RETRY healing step, consumed on the next iteration.
	Compressed []store.Message

	// Compressions counts compression events during this invocation.
	Compressions int
}

// LoopConfig bounds the self-healing loop.
type LoopConfig struct {
	MaxRetries    int
	MaxHistory    int
	ContextTokens int

	// AutoRepair controls whether failed chat-originated runs materialize a
	// repair task.
	AutoRepair bool
}

// DefaultLoopConfig returns the standard bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRetries:    DefaultMaxRetries,
		MaxHistory:    DefaultMaxHistory,
		ContextTokens: DefaultContextTokens,
		AutoRepair:    true,
	}
}

// Loop is the self-healing execution loop.
type Loop struct {
	store      *store.Store
	transport  Transport
	compressor *Compressor
	cfg        LoopConfig
	logger     *slog.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop creates the loop over a store and transport.
func NewLoop(st *store.Store, transport Transport, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = DefaultContextTokens
	}
	return &Loop{
		store:      st,
		transport:  transport,
		compressor: NewCompressor(),
		cfg:        cfg,
		logger:     logger.With("component", "loop"),
		sleep:      sleepCtx,
	}
}

// Healing actions chosen per classified error.
type healAction int

const (
	healRetry healAction = iota
	healCompressAndRetry
	healWaitAndRetry
	healAbort
	healFallback
)

// Run executes one goal. It returns the assistant output and whether the run
// succeeded; on failure the returned string is the synthesized fallback.
// All outcomes are persisted: the user message, the assistant (or fallback)
// message, the model history on success, and the bound task's transition.
func (l *Loop) Run(ctx context.Context, goal string, rc *RunContext) (string, bool) {
	sessionID := rc.Session.ID

	if _, err := l.store.AddMessage(store.Message{
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   goal,
	}); err != nil {
		l.logger.Error("failed to persist user message", "session", sessionID, "error", err)
	}

	history := l.loadHistory(sessionID)

	currentGoal := goal
	attempts := 0
	var lastErr error

loop:
	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		attempts++
		res, err := l.transport.Run(ctx, currentGoal, rc, history)
		if err == nil {
			l.finishSuccess(rc, history, res)
			return res.Output, true
		}

		lastErr = err
		ce := Classify(err)
		rc.LastError = ce.Message
		action := l.decide(ce, attempt)

		l.logger.Warn("llm attempt failed",
			"session", sessionID,
			"attempt", attempt+1,
			"kind", ce.Kind.String(),
			"retryable", ce.Retryable,
			"error", preview(ce.Message, 200),
		)

		if action == healAbort || action == healFallback {
			if ce.Retryable {
				rc.RetryCount++
			}
			break
		}

		switch action {
		case healCompressAndRetry:
			history = l.compressAndTrim(rc, history)
			currentGoal = RetryPrompt(goal, ce, attempt, l.cfg.MaxRetries)
		case healWaitAndRetry:
			wait := ce.WaitSeconds
			if wait <= 0 {
				wait = defaultWaitSeconds
			}
			if err := l.sleep(ctx, time.Duration(wait)*time.Second); err != nil {
				// Shutdown during the cooldown: abandon the run, the
				// resumable task picks the work up on next boot.
				if ce.Retryable {
					rc.RetryCount++
				}
				break loop
			}
		case healRetry:
			currentGoal = RetryPrompt(goal, ce, attempt, l.cfg.MaxRetries)
		}

		if ce.Retryable {
			rc.RetryCount++
		}
	}

	return l.finishFailure(rc, goal, lastErr, attempts), false
}

// decide maps a classified error to a healing action. The final iteration
// always falls back regardless of class.
func (l *Loop) decide(ce ClassifiedError, attempt int) healAction {
	if attempt == l.cfg.MaxRetries-1 {
		switch ce.Kind {
		case ErrorUsageLimit, ErrorAuth:
			return healAbort
		}
		return healFallback
	}
	switch ce.Kind {
	case ErrorContextOverflow:
		return healCompressAndRetry
	case ErrorRateLimit:
		return healWaitAndRetry
	case ErrorUsageLimit, ErrorAuth:
		return healAbort
	case ErrorFatal:
		return healFallback
	default:
		return healRetry
	}
}

func (l *Loop) finishSuccess(rc *RunContext, history []json.RawMessage, res *Result) {
	sessionID := rc.Session.ID

	merged := append(history, res.NewMessages...)
	merged = trimHistory(merged, l.cfg.MaxHistory)
	if blob, err := json.Marshal(merged); err == nil {
		if err := l.store.SetModelHistory(sessionID, string(blob)); err != nil {
			l.logger.Error("failed to persist model history", "session", sessionID, "error", err)
		}
	}

	if _, err := l.store.AddMessage(store.Message{
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   res.Output,
	}); err != nil {
		l.logger.Error("failed to persist assistant message", "session", sessionID, "error", err)
	}

	if rc.TaskID != 0 {
		if err := l.store.CompleteTask(rc.TaskID); err != nil {
			l.logger.Warn("failed to complete task", "task", rc.TaskID, "error", err)
		}
	}
}

func (l *Loop) finishFailure(rc *RunContext, goal string, lastErr error, attempts int) string {
	sessionID := rc.Session.ID

	recent, err := l.store.GetRecentMessages(sessionID, 50)
	if err != nil {
		l.logger.Warn("failed to load history for fallback", "session", sessionID, "error", err)
	}
	partial := PartialFromHistory(recent, lastErr, attempts)
	fallback := SynthesizeFallback(partial)

	if _, err := l.store.AddMessage(store.Message{
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   fallback,
	}); err != nil {
		l.logger.Error("failed to persist fallback message", "session", sessionID, "error", err)
	}

	// For a resumed task the loop runs a wrapped resume prompt; the ledger
	// row still holds the goal as originally stated. The chain guard and the
	// repair template both work off that stored goal.
	originGoal := goal
	if rc.TaskID != 0 {
		if t, err := l.store.GetTask(rc.TaskID); err == nil {
			originGoal = t.Goal
		}
		if err := l.store.FailTask(rc.TaskID, preview(rc.LastError, 200)); err != nil {
			l.logger.Warn("failed to fail task", "task", rc.TaskID, "error", err)
		}
	}

	if l.cfg.AutoRepair && rc.ChatID != 0 && !strings.HasPrefix(originGoal, AutoRepairPrefix) {
		repairGoal := BuildAutoRepairGoal(originGoal, lastErr, partialOutput(partial), attempts)
		if id, err := l.store.UpsertResumableTask(sessionID, rc.ChatID, repairGoal); err != nil {
			l.logger.Warn("failed to create auto-repair task", "session", sessionID, "error", err)
		} else {
			l.logger.Info("auto-repair task created", "task", id, "session", sessionID)
		}
	}

	return fallback
}

// compressAndTrim runs the compressor over the session's conversation,
// stores the compressed view on the run context for the next iteration, and
// halves the opaque history window (element count is the only semantic
// handle on the opaque blob).
func (l *Loop) compressAndTrim(rc *RunContext, history []json.RawMessage) []json.RawMessage {
	msgs, err := l.store.GetRecentMessages(rc.Session.ID, 200)
	if err != nil {
		l.logger.Warn("failed to load messages for compression", "session", rc.Session.ID, "error", err)
	}
	result := l.compressor.CompressToTokenLimit(msgs, l.cfg.ContextTokens)
	rc.Compressed = result.Messages
	rc.Compressions++
	l.logger.Info("context compressed",
		"session", rc.Session.ID,
		"removed", result.RemovedCount,
		"ratio", result.Ratio,
	)

	window := len(history) / 2
	if window < minKeepRecent {
		window = minKeepRecent
	}
	return trimHistory(history, window)
}

func (l *Loop) loadHistory(sessionID string) []json.RawMessage {
	blob, err := l.store.GetModelHistory(sessionID)
	if err != nil || blob == "" {
		return nil
	}
	var history []json.RawMessage
	if err := json.Unmarshal([]byte(blob), &history); err != nil {
		l.logger.Warn("model history blob unreadable, starting fresh", "session", sessionID, "error", err)
		return nil
	}
	return trimHistory(history, l.cfg.MaxHistory)
}

// trimHistory keeps the newest suffix of at most max elements. Elements are
// opaque; they are never inspected or rewritten.
func trimHistory(history []json.RawMessage, max int) []json.RawMessage {
	if max <= 0 || len(history) <= max {
		return history
	}
	return history[len(history)-max:]
}

// partialOutput renders the partial progress carried into an auto-repair
// goal: the last assistant outputs and tool results, capped at 3000 chars.
func partialOutput(p PartialResult) string {
	var parts []string
	for _, m := range p.AssistantMsgs {
		parts = append(parts, m)
	}
	for _, tc := range p.ToolCalls {
		result := tc.ToolResult
		if result == "" {
			result = tc.Content
		}
		parts = append(parts, tc.ToolName+": "+result)
	}
	out := strings.Join(parts, "\n")
	if len(out) > 3000 {
		out = out[:3000] + "\n[truncated]"
	}
	return out
}

// BuildAutoRepairGoal produces the structured goal for the repair task
// materialized after a failed run.
func BuildAutoRepairGoal(goal string, lastErr error, partial string, attempts int) string {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	var b strings.Builder
	b.WriteString(AutoRepairPrefix)
	b.WriteString(" The previous run failed after ")
	b.WriteString(pluralAttempts(attempts))
	b.WriteString(". Fix the cause and complete the original task. Use get_todo if needed, then reply with the result.\n\n")
	b.WriteString("Original goal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nLast error:\n")
	b.WriteString(errMsg)
	b.WriteString("\n\nPartial output before failure:\n")
	b.WriteString(partial)
	b.WriteString("\n\nFix the error and complete or report progress.")
	return b.String()
}

func pluralAttempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
