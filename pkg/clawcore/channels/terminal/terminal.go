// Package terminal implements the interactive REPL adapter. One local chat,
// line-oriented input through readline, replies printed to stdout.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
)

// ChatID is the fixed chat id of the local terminal conversation. Non-zero
// so failed runs still materialize auto-repair tasks.
const ChatID int64 = 1

// Adapter is the readline-backed terminal front-end.
type Adapter struct {
	logger *slog.Logger
	events chan channels.Event

	mu      sync.Mutex
	rl      *readline.Instance
	started bool
	done    chan struct{}
}

// New creates the terminal adapter.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("component", "terminal"),
		events: make(chan channels.Event, 16),
		done:   make(chan struct{}),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return "terminal" }

// Events implements channels.Adapter.
func (a *Adapter) Events() <-chan channels.Event { return a.events }

// Start opens the readline prompt and begins emitting one event per line.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "❯ ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	a.rl = rl
	a.started = true

	go a.readLoop(ctx)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		line, err := a.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			a.logger.Warn("readline failed", "error", err)
			return
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return
		}

		select {
		case a.events <- channels.Event{
			ChatID:    ChatID,
			Text:      text,
			Provider:  "terminal",
			Timestamp: time.Now(),
		}:
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the prompt.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	close(a.done)
	return a.rl.Close()
}

// Reply prints the text to the terminal. Only the local chat is reachable.
func (a *Adapter) Reply(chatID int64, text string) error {
	if chatID != ChatID {
		return channels.ErrSendFailed
	}
	a.mu.Lock()
	rl := a.rl
	a.mu.Unlock()

	if rl != nil {
		fmt.Fprintf(rl.Stdout(), "\n%s\n\n", text)
	} else {
		fmt.Printf("\n%s\n\n", text)
	}
	return nil
}
