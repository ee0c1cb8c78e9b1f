// Package agent – status.go exposes the read-only admin view: what is
// running, what is queued, what the session looks like.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// Status is a point-in-time snapshot of the runtime.
type Status struct {
	Running      []ActiveTask
	QueuedByChat map[int64]int
	RunningTasks []store.Task
}

// Status snapshots the dispatcher and the task ledger.
func (r *Runtime) Status() Status {
	tasks, err := r.store.ListRunningTasks()
	if err != nil {
		r.logger.Warn("failed to list running tasks", "error", err)
	}
	return Status{
		Running:      r.dispatcher.Running(),
		QueuedByChat: r.dispatcher.QueuedByChat(),
		RunningTasks: tasks,
	}
}

// SessionStats returns the store-level stats for the session bound to a chat.
func (r *Runtime) SessionStats(chatID int64, lastN int) (*store.SessionStats, error) {
	sess, err := r.store.GetOrCreateSession(chatID, r.cfg.Agent.Scope, r.cfg.Agent.Name)
	if err != nil {
		return nil, err
	}
	return r.store.Stats(sess.ID, lastN)
}

// FormatStatus renders the /status reply for one chat.
func (r *Runtime) FormatStatus(chatID int64) string {
	st := r.Status()

	var b strings.Builder
	b.WriteString("📊 Runtime status\n")
	fmt.Fprintf(&b, "Running handlers: %d\n", len(st.Running))
	for _, t := range st.Running {
		fmt.Fprintf(&b, "• chat %d (%s) since %s: %s\n",
			t.ChatID, t.Provider, t.StartedAt.Format(time.Kitchen), preview(t.Text, 60))
	}

	if len(st.QueuedByChat) > 0 {
		b.WriteString("Queued:\n")
		chats := make([]int64, 0, len(st.QueuedByChat))
		for id := range st.QueuedByChat {
			chats = append(chats, id)
		}
		sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
		for _, id := range chats {
			fmt.Fprintf(&b, "• chat %d: %d pending\n", id, st.QueuedByChat[id])
		}
	}

	if stats, err := r.SessionStats(chatID, 0); err == nil {
		fmt.Fprintf(&b, "Session: %d messages, ~%d tokens\n",
			stats.MessageCount, stats.EstimatedTokens)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatTasks renders the /tasks reply: every running ledger entry.
func (r *Runtime) FormatTasks() string {
	tasks, err := r.store.ListRunningTasks()
	if err != nil {
		return fmt.Sprintf("⚠️ %v", err)
	}
	if len(tasks) == 0 {
		return "📋 No running tasks."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Running tasks (%d):\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "• #%d chat %d resumes %d: %s\n",
			t.ID, t.ChatID, t.ResumeCount, preview(t.Goal, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}
