// Package telegram implements the Telegram front-end over the Bot API using
// long polling. No webhook, no external SDK; getUpdates and sendMessage are
// the only methods used.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
)

const (
	apiBase     = "https://api.telegram.org/bot"
	pollTimeout = 30 // seconds, long-poll window
)

// Adapter is the long-polling Telegram front-end.
type Adapter struct {
	token   string
	allowed map[int64]bool
	logger  *slog.Logger
	http    *http.Client
	events  chan channels.Event

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates the adapter. allowedChats limits which chats are served; empty
// means every chat is accepted.
func New(token string, allowedChats []int64, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Adapter{
		token:   token,
		allowed: allowed,
		logger:  logger.With("component", "telegram"),
		http:    &http.Client{Timeout: (pollTimeout + 10) * time.Second},
		events:  make(chan channels.Event, 64),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return "telegram" }

// Events implements channels.Adapter.
func (a *Adapter) Events() <-chan channels.Event { return a.events }

// Telegram API wire types, trimmed to what the adapter reads.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Start verifies the token with getMe and begins the long-poll loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.token == "" {
		return fmt.Errorf("telegram: empty bot token")
	}

	if _, err := a.call(ctx, "getMe", nil); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.started = true
	go a.pollLoop(ctx)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.events)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			ev, ok := a.eventFrom(u)
			if !ok {
				continue
			}
			select {
			case a.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) eventFrom(u update) (channels.Event, bool) {
	if u.Message == nil || u.Message.Text == "" {
		return channels.Event{}, false
	}
	chatID := u.Message.Chat.ID
	if len(a.allowed) > 0 && !a.allowed[chatID] {
		a.logger.Debug("ignoring message from unlisted chat", "chat_id", chatID)
		return channels.Event{}, false
	}
	ev := channels.Event{
		ChatID:    chatID,
		Text:      u.Message.Text,
		Provider:  "telegram",
		Timestamp: time.Unix(u.Message.Date, 0),
	}
	if u.Message.From != nil {
		ev.UserID = u.Message.From.ID
		ev.Username = u.Message.From.Username
	}
	return ev, true
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(pollTimeout))
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	raw, err := a.call(ctx, "getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// Stop ends the poll loop.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.cancel()
	return nil
}

// Reply sends text to a chat via sendMessage. Long messages are split at
// Telegram's 4096-char limit.
func (a *Adapter) Reply(chatID int64, text string) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return channels.ErrNotConnected
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		body, err := json.Marshal(map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		})
		if err != nil {
			return fmt.Errorf("marshal sendMessage: %w", err)
		}
		if _, err := a.call(context.Background(), "sendMessage", body); err != nil {
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// maxMessageLen is Telegram's per-message limit.
const maxMessageLen = 4096

// splitMessage cuts text into chunks of at most limit bytes, never through
// the middle of a rune.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// call performs one Bot API request and unwraps the response envelope.
func (a *Adapter) call(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	endpoint := apiBase + a.token + "/" + method

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", parsed.ErrorCode, parsed.Description)
	}
	return parsed.Result, nil
}
