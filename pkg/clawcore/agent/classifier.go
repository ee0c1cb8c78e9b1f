// Package agent – classifier.go maps arbitrary errors from the LLM transport
// to a structured classification that drives the self-healing loop. The
// classifier is a pure function over the error's stringified form; it is the
// single point of truth for retry/fallback decisions.
package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind classifies transport errors.
type ErrorKind int

const (
	ErrorContextOverflow ErrorKind = iota // prompt exceeded the model context window
	ErrorUsageLimit                       // quota/billing exhausted
	ErrorAuth                             // invalid or rejected credentials
	ErrorRateLimit                        // throttled, retry after a delay
	ErrorFatal                            // model/service gone, retrying is pointless
	ErrorRecoverable                      // anything else, worth another attempt
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorContextOverflow:
		return "context_overflow"
	case ErrorUsageLimit:
		return "usage_limit"
	case ErrorAuth:
		return "auth_error"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorFatal:
		return "fatal"
	case ErrorRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// Suggested actions, one per kind.
const (
	ActionCompressContext  = "compress_context"
	ActionFallbackResponse = "fallback_response"
	ActionWaitAndRetry     = "wait_and_retry"
	ActionRetryWithContext = "retry_with_context"
)

// ClassifiedError is the structured view of a transport error.
type ClassifiedError struct {
	Kind      ErrorKind
	Retryable bool
	Action    string
	Message   string

	// WaitSeconds is the extracted cooldown for rate-limit errors,
	// defaulted to 60 and capped at MaxWaitSeconds.
	WaitSeconds int
}

// MaxWaitSeconds caps the rate-limit cooldown.
const MaxWaitSeconds = 60

// defaultWaitSeconds is used when a rate-limit message carries no number.
const defaultWaitSeconds = 60

// errorPattern is one detection rule. Rules are evaluated in order; the
// first match wins. Matching is case-insensitive substring or regex.
type errorPattern struct {
	kind      ErrorKind
	retryable bool
	action    string
	signals   []string
	regexes   []*regexp.Regexp
}

var classifierRules = []errorPattern{
	{
		kind: ErrorContextOverflow, retryable: true, action: ActionCompressContext,
		signals: []string{
			"context too long", "token limit exceeded", "prompt too long",
			"context_length_exceeded", "maximum context length", "context window",
		},
	},
	{
		kind: ErrorUsageLimit, retryable: false, action: ActionFallbackResponse,
		signals: []string{
			"quota exceeded", "billing limit", "monthly limit",
			"insufficient_quota", "usage limit", "payment required",
		},
	},
	{
		kind: ErrorAuth, retryable: false, action: ActionFallbackResponse,
		signals: []string{"invalid api key", "unauthorized", "401", "403", "forbidden", "invalid_api_key"},
	},
	{
		kind: ErrorRateLimit, retryable: true, action: ActionWaitAndRetry,
		signals: []string{"rate limit", "rate_limit", "too many requests", "429"},
		regexes: []*regexp.Regexp{regexp.MustCompile(`retry after \d+`)},
	},
	{
		kind: ErrorFatal, retryable: false, action: ActionFallbackResponse,
		signals: []string{
			"model not found", "service unavailable", "500", "502", "503", "529",
		},
		regexes: []*regexp.Regexp{regexp.MustCompile(`\b5\d\d\b`)},
	},
}

var (
	retryAfterRe  = regexp.MustCompile(`retry after (\d+)`)
	waitSecondsRe = regexp.MustCompile(`wait (\d+) second`)
)

// Classify maps an error to a ClassifiedError. A nil error classifies as
// recoverable with an empty message.
func Classify(err error) ClassifiedError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	for _, rule := range classifierRules {
		if rule.matches(lower) {
			ce := ClassifiedError{
				Kind:      rule.kind,
				Retryable: rule.retryable,
				Action:    rule.action,
				Message:   msg,
			}
			if rule.kind == ErrorRateLimit {
				ce.WaitSeconds = extractWaitSeconds(lower)
			}
			return ce
		}
	}

	return ClassifiedError{
		Kind:      ErrorRecoverable,
		Retryable: true,
		Action:    ActionRetryWithContext,
		Message:   msg,
	}
}

func (p errorPattern) matches(lower string) bool {
	for _, s := range p.signals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, re := range p.regexes {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// extractWaitSeconds pulls the cooldown from "retry after N" or
// "wait N second(s)" phrasings. Defaults to 60, capped at MaxWaitSeconds.
func extractWaitSeconds(lower string) int {
	for _, re := range []*regexp.Regexp{retryAfterRe, waitSecondsRe} {
		if m := re.FindStringSubmatch(lower); len(m) == 2 {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				if n > MaxWaitSeconds {
					return MaxWaitSeconds
				}
				return n
			}
		}
	}
	return defaultWaitSeconds
}

// ShouldRetry reports whether another attempt is worthwhile: the budget must
// not be exhausted and the error must be retryable.
func ShouldRetry(err error, attempt, maxRetries int) bool {
	return attempt < maxRetries-1 && Classify(err).Retryable
}
