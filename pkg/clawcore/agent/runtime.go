// Package agent – runtime.go assembles the runtime core: store, dispatcher,
// self-healing loop, boot sweeper and front-end adapters. Events flow
// adapter → dispatcher → handleEvent → loop; replies flow back through the
// adapter that delivered the event.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
	"github.com/jholhewres/clawcore/pkg/clawcore/config"
	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// Runtime is the assembled agent process.
type Runtime struct {
	cfg        *config.Config
	store      *store.Store
	loop       *Loop
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	adapters []channels.Adapter

	cancel context.CancelFunc
}

// NewRuntime wires the core components over an open store and transport.
func NewRuntime(cfg *config.Config, st *store.Store, transport Transport, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "runtime"),
	}
	r.loop = NewLoop(st, transport, LoopConfig{
		MaxRetries:    cfg.Agent.MaxRetries,
		MaxHistory:    cfg.Agent.MaxHistory,
		ContextTokens: cfg.Agent.ContextTokens,
		AutoRepair:    cfg.Agent.AutoRepair,
	}, logger)
	r.dispatcher = NewDispatcher(r.handleEvent, logger)
	return r
}

// AddAdapter registers a front-end adapter. Must be called before Start.
func (r *Runtime) AddAdapter(a channels.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// Start sweeps interrupted tasks, starts every adapter and begins pumping
// their events into the dispatcher. It returns once everything is running.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	sweeper := NewSweeper(r.store, r.dispatcher, r.Reply, r.cfg.Agent.MaxResume, r.logger)
	if resumed, err := sweeper.Sweep(ctx); err != nil {
		r.logger.Error("boot sweep failed", "error", err)
	} else if resumed > 0 {
		r.logger.Info("boot sweep resumed tasks", "count", resumed)
	}

	r.mu.Lock()
	adapters := make([]channels.Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s adapter: %w", a.Name(), err)
		}
		go r.pump(ctx, a)
		r.logger.Info("adapter started", "adapter", a.Name())
	}
	return nil
}

// Stop shuts down adapters and waits for in-flight handlers.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	adapters := make([]channels.Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			r.logger.Warn("adapter stop failed", "adapter", a.Name(), "error", err)
		}
	}
	r.dispatcher.Wait()
}

func (r *Runtime) pump(ctx context.Context, a channels.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			r.dispatcher.Dispatch(ctx, ev, a.Reply)
		}
	}
}

// Submit injects an internally-originated event (scheduler, tests) into the
// per-chat queue.
func (r *Runtime) Submit(ctx context.Context, ev channels.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.dispatcher.Dispatch(ctx, ev, r.Reply)
}

// Reply delivers text to a chat through whichever adapter accepts it.
func (r *Runtime) Reply(chatID int64, text string) error {
	if chatID == 0 {
		return nil
	}
	r.mu.Lock()
	adapters := make([]channels.Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	var lastErr error
	for _, a := range adapters {
		err := a.Reply(chatID, text)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return channels.ErrNotConnected
	}
	return lastErr
}

// RunOnce executes one goal synchronously outside any chat. Used by the
// one-shot CLI mode; chat id zero means no auto-repair task is materialized
// on failure.
func (r *Runtime) RunOnce(ctx context.Context, text string) (string, error) {
	sess, err := r.store.GetOrCreateSession(0, r.cfg.Agent.Scope, r.cfg.Agent.Name)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	rc := &RunContext{
		Session:  sess,
		Overview: r.overview(),
	}
	out, _ := r.loop.Run(ctx, text, rc)
	return out, nil
}

// handleEvent is the dispatcher handler: it resolves the session, binds a
// resumable task, runs the loop and replies with the outcome.
func (r *Runtime) handleEvent(ctx context.Context, ev channels.Event) error {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}

	if reply, handled := r.handleCommand(ev, text); handled {
		return r.replyTo(ev, reply)
	}

	sess, err := r.store.GetOrCreateSession(r.sessionChatID(ev), r.cfg.Agent.Scope, r.cfg.Agent.Name)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	rc := &RunContext{
		Session:  sess,
		ChatID:   ev.ChatID,
		UserID:   ev.UserID,
		Overview: r.overview(),
	}

	switch {
	case ev.TaskID != 0:
		// Resumed by the sweeper: stay bound to the swept ledger row so its
		// resume history survives and the run transitions it, not a copy.
		rc.TaskID = ev.TaskID
	case ev.ChatID != 0:
		taskID, err := r.store.UpsertResumableTask(sess.ID, ev.ChatID, text)
		if err != nil {
			r.logger.Warn("failed to record task", "session", sess.ID, "error", err)
		} else {
			rc.TaskID = taskID
		}
	}

	out, ok := r.loop.Run(ctx, text, rc)
	if !ok {
		r.logger.Warn("run ended in fallback", "session", sess.ID, "retries", rc.RetryCount)
	}
	return r.replyTo(ev, out)
}

func (r *Runtime) replyTo(ev channels.Event, text string) error {
	if ev.ChatID == 0 || text == "" {
		return nil
	}
	return r.Reply(ev.ChatID, text)
}

// sessionChatID maps an event to the id component of its session key
// according to the configured scope.
func (r *Runtime) sessionChatID(ev channels.Event) int64 {
	if r.cfg.Agent.Scope == store.ScopePerPeer && ev.UserID != 0 {
		return ev.UserID
	}
	return ev.ChatID
}

// overview loads the L0 memory overview injected into every prompt.
func (r *Runtime) overview() map[string][]string {
	ov, err := r.store.L0Overview()
	if err != nil {
		r.logger.Warn("failed to load memory overview", "error", err)
		return nil
	}
	return ov
}

// handleCommand intercepts slash commands before they reach the loop.
func (r *Runtime) handleCommand(ev channels.Event, text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0]
	switch cmd {
	case "/status":
		return r.FormatStatus(ev.ChatID), true
	case "/tasks":
		return r.FormatTasks(), true
	case "/clear":
		sess, err := r.store.GetOrCreateSession(r.sessionChatID(ev), r.cfg.Agent.Scope, r.cfg.Agent.Name)
		if err != nil {
			return fmt.Sprintf("⚠️ %v", err), true
		}
		if err := r.store.ClearSession(sess.ID); err != nil {
			return fmt.Sprintf("⚠️ %v", err), true
		}
		return "🧹 Session cleared.", true
	default:
		return "", false
	}
}
