// Package channels defines the interface between front-end adapters and the
// runtime core. Adapters deliver (chat_id, user_id, text) events and expose
// a reply callback; they own no core state, and the core treats unknown chat
// or user ids as new.
package channels

import (
	"context"
	"errors"
	"time"
)

// Event is one user message delivered by an adapter.
type Event struct {
	// ChatID identifies the conversational channel. Zero marks internal or
	// one-shot origins that have no chat to report back to.
	ChatID int64

	// UserID identifies the sender, when the platform provides one.
	UserID int64

	// Username is the sender display name, if available.
	Username string

	// Text is the message body.
	Text string

	// Provider names the source adapter (e.g. "telegram", "terminal").
	Provider string

	// TaskID binds the event to an existing resumable task. Set by the boot
	// sweeper when re-dispatching an interrupted goal; zero means the handler
	// records its own task.
	TaskID int64

	// Timestamp is when the platform says the message was sent.
	Timestamp time.Time
}

// ReplyFunc pushes a reply back to a chat. Delivery is best-effort.
type ReplyFunc func(chatID int64, text string) error

// Adapter is a front-end that produces events and accepts replies.
type Adapter interface {
	// Name returns the adapter identifier.
	Name() string

	// Start begins delivering events. It returns once the adapter is
	// running; events arrive on the Events channel until Stop or ctx end.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop() error

	// Events returns the channel of incoming events.
	Events() <-chan Event

	// Reply sends text back to a chat.
	Reply(chatID int64, text string) error
}

// Errors shared by adapters.
var (
	ErrNotConnected = errors.New("adapter is not connected")
	ErrSendFailed   = errors.New("failed to send message")
)
