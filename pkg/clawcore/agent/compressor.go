// Package agent – compressor.go shrinks conversation history while keeping
// its semantic anchors: system messages, a synthetic summary of the dropped
// middle, recent tool calls and the newest turns verbatim.
package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

const (
	// DefaultKeepRecent is how many trailing messages survive verbatim.
	DefaultKeepRecent = 10

	// MaxToolMessages is how many recent tool messages are preserved.
	MaxToolMessages = 10

	// maxSystemMessages is how many leading system messages are preserved.
	maxSystemMessages = 3

	// minKeepRecent is the floor CompressToTokenLimit shrinks down to.
	minKeepRecent = 3
)

// Compressor compresses ordered conversation history.
type Compressor struct {
	// KeepRecent is the number of trailing messages kept verbatim.
	KeepRecent int
}

// NewCompressor returns a compressor with the default window.
func NewCompressor() *Compressor {
	return &Compressor{KeepRecent: DefaultKeepRecent}
}

// CompressionResult is a compressed view of a history plus bookkeeping.
type CompressionResult struct {
	Messages     []store.Message
	Ratio        float64
	RemovedCount int
}

// Compress produces a shorter ordered history. Output tiers, in order:
// up to three system messages (oldest first), one synthetic summary note
// covering the dropped middle, the most recent tool messages, and the last
// KeepRecent messages verbatim. Histories short enough to keep whole are
// returned unchanged.
func (c *Compressor) Compress(history []store.Message) CompressionResult {
	keepRecent := c.KeepRecent
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return compress(history, keepRecent)
}

func compress(history []store.Message, keepRecent int) CompressionResult {
	if len(history) == 0 {
		return CompressionResult{Ratio: 1.0}
	}
	if len(history) <= keepRecent {
		return CompressionResult{Messages: history, Ratio: 1.0}
	}

	recent := history[len(history)-keepRecent:]
	older := history[:len(history)-keepRecent]

	// Tier 1: up to three system messages from the older region, oldest first.
	var systems []store.Message
	for _, m := range older {
		if m.Role == store.RoleSystem {
			systems = append(systems, m)
			if len(systems) == maxSystemMessages {
				break
			}
		}
	}

	// Tier 3: the newest tool messages from the older region.
	var tools []store.Message
	for i := len(older) - 1; i >= 0 && len(tools) < MaxToolMessages; i-- {
		if older[i].Role == store.RoleTool {
			tools = append([]store.Message{older[i]}, tools...)
		}
	}

	// Tier 2: summarize the remaining user/assistant turns.
	summary := summarizeOlder(older)

	out := make([]store.Message, 0, len(systems)+1+len(tools)+len(recent))
	out = append(out, systems...)
	if summary != "" {
		out = append(out, store.Message{Role: store.RoleSystem, Content: summary})
	}
	out = append(out, tools...)
	out = append(out, recent...)

	ratio := 1.0
	if n := len(history); n > 0 {
		ratio = float64(len(out)) / float64(n)
	}
	return CompressionResult{
		Messages:     out,
		Ratio:        ratio,
		RemovedCount: len(history) - len(out),
	}
}

// summarizeOlder builds the synthetic "[Previous context summary: …]" note
// from the non-tool, non-system portion of the dropped region.
func summarizeOlder(older []store.Message) string {
	var userTurns, assistantTurns []store.Message
	for _, m := range older {
		switch m.Role {
		case store.RoleUser:
			userTurns = append(userTurns, m)
		case store.RoleAssistant:
			assistantTurns = append(assistantTurns, m)
		}
	}
	if len(userTurns)+len(assistantTurns) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Previous context summary: %d user and %d assistant turns omitted.",
		len(userTurns), len(assistantTurns))
	if len(userTurns) > 0 {
		fmt.Fprintf(&b, " First request: %q.", preview(userTurns[0].Content, 80))
		if len(userTurns) > 1 {
			fmt.Fprintf(&b, " Last request: %q.", preview(userTurns[len(userTurns)-1].Content, 60))
		}
	}
	if topics := extractTopics(assistantTurns); len(topics) > 0 {
		fmt.Fprintf(&b, " Topics: %s.", strings.Join(topics, ", "))
	}
	b.WriteString("]")
	return b.String()
}

// EstimateTokens approximates the token count of a history as chars/4.
func EstimateTokens(history []store.Message) int {
	chars := 0
	for _, m := range history {
		chars += len(m.Content)
	}
	return chars / 4
}

// CompressToTokenLimit iteratively shrinks the recent window until the token
// estimate fits under safety × maxTokens, bounded by ten iterations and a
// floor of three verbatim messages.
func (c *Compressor) CompressToTokenLimit(history []store.Message, maxTokens int) CompressionResult {
	const safety = 0.8
	budget := int(float64(maxTokens) * safety)

	keepRecent := c.KeepRecent
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}

	result := compress(history, keepRecent)
	for i := 0; i < 10; i++ {
		if EstimateTokens(result.Messages) <= budget || keepRecent <= minKeepRecent {
			break
		}
		keepRecent--
		if keepRecent < minKeepRecent {
			keepRecent = minKeepRecent
		}
		result = compress(history, keepRecent)
	}
	return result
}

// topicRe matches identifier-like tokens worth surfacing in the summary:
// file names, paths and snake/dotted identifiers.
var topicRe = regexp.MustCompile(`[A-Za-z0-9_\-]+(?:[./][A-Za-z0-9_\-]+)+|\b[a-z]+_[a-z_]+\b`)

// extractTopics pulls up to three distinct topic tags from the first five
// assistant messages. Best-effort enrichment only.
func extractTopics(assistantTurns []store.Message) []string {
	limit := len(assistantTurns)
	if limit > 5 {
		limit = 5
	}

	seen := make(map[string]bool)
	var topics []string
	for _, m := range assistantTurns[:limit] {
		for _, tok := range topicRe.FindAllString(m.Content, -1) {
			if len(tok) < 4 || seen[tok] {
				continue
			}
			seen[tok] = true
			topics = append(topics, tok)
			if len(topics) == 3 {
				return topics
			}
		}
	}
	return topics
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
