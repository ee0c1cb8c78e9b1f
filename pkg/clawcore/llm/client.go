// Package llm implements the model transport over OpenAI-compatible chat
// completion APIs. Both vLLM and OpenRouter speak this dialect; the provider
// only changes the base URL and auth header.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/agent"
	"github.com/jholhewres/clawcore/pkg/clawcore/config"
)

// Provider base URLs.
const (
	vllmBaseURL       = "http://localhost:8000/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// Client is an OpenAI-compatible chat completion transport.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client from the LLM configuration.
func NewClient(cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "vllm":
			baseURL = vllmBaseURL
		case "openrouter", "":
			baseURL = openrouterBaseURL
		default:
			return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
		}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "llm"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Run sends the accumulated history plus the current goal to the model and
// returns its answer. History elements are provider-native message objects
// and pass through untouched; Run only appends, never rewrites.
func (c *Client) Run(ctx context.Context, goal string, rc *agent.RunContext, history []json.RawMessage) (*agent.Result, error) {
	messages := make([]json.RawMessage, 0, len(history)+3)

	if sys := c.systemPrompt(rc); sys != "" {
		raw, err := json.Marshal(chatMessage{Role: "system", Content: sys})
		if err != nil {
			return nil, fmt.Errorf("marshal system message: %w", err)
		}
		messages = append(messages, raw)
	}

	messages = append(messages, history...)

	userRaw, err := json.Marshal(chatMessage{Role: "user", Content: goal})
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	messages = append(messages, userRaw)

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The status and body feed the error classifier; keep both intact.
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("API returned no choices")
	}

	answer := parsed.Choices[0].Message.Content
	assistantRaw, err := json.Marshal(chatMessage{Role: "assistant", Content: answer})
	if err != nil {
		return nil, fmt.Errorf("marshal assistant message: %w", err)
	}

	return &agent.Result{
		Output:      answer,
		NewMessages: []json.RawMessage{userRaw, assistantRaw},
	}, nil
}

// systemPrompt assembles the run preamble: the memory overview and, after a
// compression event, the compressed conversation view.
func (c *Client) systemPrompt(rc *agent.RunContext) string {
	if rc == nil {
		return ""
	}
	var b strings.Builder

	if len(rc.Overview) > 0 {
		b.WriteString("Known facts by category:\n")
		categories := make([]string, 0, len(rc.Overview))
		for category := range rc.Overview {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			fmt.Fprintf(&b, "%s:\n", category)
			for _, f := range rc.Overview[category] {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	if len(rc.Compressed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Compressed conversation context:\n")
		for _, m := range rc.Compressed {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
	}

	return b.String()
}
