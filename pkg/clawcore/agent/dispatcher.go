// Package agent – dispatcher.go serializes handler execution per chat.
// Events from any number of front-ends fan in here; for a given chat the
// handlers run one at a time in arrival order, while different chats run
// fully in parallel.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
)

// Handler processes one event while holding the chat's FIFO lock.
type Handler func(ctx context.Context, ev channels.Event) error

// ActiveTask describes one currently-running handler.
type ActiveTask struct {
	ID        uint64
	ChatID    int64
	Text      string
	Provider  string
	StartedAt time.Time
}

// chatQueue is the per-chat FIFO lock: when busy, arriving handlers park on
// an explicit waiter queue and are released in order.
type chatQueue struct {
	busy    bool
	waiters []chan struct{}
	queued  int
}

// Dispatcher owns the per-chat locks, queued counters and the active-task map.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	chats  map[int64]*chatQueue
	active map[uint64]*ActiveTask
	nextID uint64

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher that routes every event to handler.
func NewDispatcher(handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler: handler,
		logger:  logger.With("component", "dispatcher"),
		chats:   make(map[int64]*chatQueue),
		active:  make(map[uint64]*ActiveTask),
	}
}

// Dispatch enqueues an event and returns immediately; the handler runs on a
// background goroutine once the chat's FIFO lock is acquired. reply is used
// to report handler failures back to the originating adapter (may be nil).
func (d *Dispatcher) Dispatch(ctx context.Context, ev channels.Event, reply channels.ReplyFunc) {
	d.mu.Lock()
	cq, ok := d.chats[ev.ChatID]
	if !ok {
		cq = &chatQueue{}
		d.chats[ev.ChatID] = cq
	}
	cq.queued++

	var ticket chan struct{}
	if cq.busy {
		ticket = make(chan struct{})
		cq.waiters = append(cq.waiters, ticket)
	} else {
		cq.busy = true
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx, ev, reply, ticket)
}

func (d *Dispatcher) run(ctx context.Context, ev channels.Event, reply channels.ReplyFunc, ticket chan struct{}) {
	defer d.wg.Done()

	if ticket != nil {
		select {
		case <-ticket:
		case <-ctx.Done():
			// Abandoned while waiting: decrement the counter without ever
			// having held the lock.
			d.mu.Lock()
			cq := d.chats[ev.ChatID]
			cq.queued--
			found := false
			for i, w := range cq.waiters {
				if w == ticket {
					cq.waiters = append(cq.waiters[:i], cq.waiters[i+1:]...)
					found = true
					break
				}
			}
			if !found {
				// The lock was handed to this ticket concurrently with the
				// cancellation; pass it on so the chat does not stall.
				d.releaseLocked(ev.ChatID)
			}
			d.mu.Unlock()
			return
		}
	}

	// Lock acquired: leave the queue, enter the active map.
	d.mu.Lock()
	d.chats[ev.ChatID].queued--
	d.nextID++
	id := d.nextID
	d.active[id] = &ActiveTask{
		ID:        id,
		ChatID:    ev.ChatID,
		Text:      ev.Text,
		Provider:  ev.Provider,
		StartedAt: time.Now(),
	}
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "chat_id", ev.ChatID, "panic", r)
			if reply != nil {
				_ = reply(ev.ChatID, fmt.Sprintf("⚠️ Internal error while handling the request: %v", r))
			}
		}
		d.mu.Lock()
		delete(d.active, id)
		d.releaseLocked(ev.ChatID)
		d.mu.Unlock()
	}()

	if err := d.handler(ctx, ev); err != nil {
		d.logger.Error("handler failed", "chat_id", ev.ChatID, "error", err)
		if reply != nil {
			_ = reply(ev.ChatID, fmt.Sprintf("⚠️ %v", err))
		}
	}
}

// releaseLocked hands the lock to the next waiter in FIFO order, or marks the
// chat idle. Caller holds d.mu.
func (d *Dispatcher) releaseLocked(chatID int64) {
	cq := d.chats[chatID]
	if len(cq.waiters) > 0 {
		next := cq.waiters[0]
		cq.waiters = cq.waiters[1:]
		close(next)
		return
	}
	cq.busy = false
}

// Running returns a snapshot of currently-running handlers.
func (d *Dispatcher) Running() []ActiveTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ActiveTask, 0, len(d.active))
	for _, t := range d.active {
		out = append(out, *t)
	}
	return out
}

// Queued returns the pending count for one chat (including the event whose
// handler currently holds the lock until it acquires it).
func (d *Dispatcher) Queued(chatID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cq, ok := d.chats[chatID]; ok {
		return cq.queued
	}
	return 0
}

// QueuedByChat returns pending counts for all chats with a non-zero backlog.
func (d *Dispatcher) QueuedByChat() map[int64]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[int64]int)
	for id, cq := range d.chats {
		if cq.queued > 0 {
			out[id] = cq.queued
		}
	}
	return out
}

// Wait blocks until all dispatched handlers have finished. Used in shutdown
// and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
