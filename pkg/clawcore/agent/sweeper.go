// Package agent – sweeper.go recovers tasks that were running when the
// previous process died. It runs once per boot, before adapters start
// delivering fresh events.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// DefaultMaxResume bounds how many times a single task is resumed across
// restarts before being abandoned.
const DefaultMaxResume = 3

// Sweeper finds tasks left in the running state by a previous process and
// either re-dispatches them or abandons them.
type Sweeper struct {
	store      *store.Store
	dispatcher *Dispatcher
	reply      channels.ReplyFunc
	maxResume  int
	logger     *slog.Logger
}

// NewSweeper creates a boot sweeper. reply may be nil when no adapter can
// deliver notifications yet.
func NewSweeper(st *store.Store, d *Dispatcher, reply channels.ReplyFunc, maxResume int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResume <= 0 {
		maxResume = DefaultMaxResume
	}
	return &Sweeper{
		store:      st,
		dispatcher: d,
		reply:      reply,
		maxResume:  maxResume,
		logger:     logger.With("component", "sweeper"),
	}
}

// Sweep processes every task still marked running. Tasks under the resume
// limit get their counter bumped and a resume prompt dispatched on their
// original chat; tasks at the limit are failed and the chat is told the task
// was abandoned. Returns how many tasks were resumed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.store.ListRunningTasks()
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	s.logger.Info("found interrupted tasks", "count", len(tasks))

	resumed := 0
	for _, t := range tasks {
		if t.ResumeCount >= s.maxResume {
			reason := fmt.Sprintf("max resume count exceeded (%d)", s.maxResume)
			if err := s.store.FailTask(t.ID, reason); err != nil {
				s.logger.Warn("failed to abandon task", "task", t.ID, "error", err)
				continue
			}
			s.logger.Warn("task abandoned", "task", t.ID, "resume_count", t.ResumeCount)
			s.notify(t.ChatID, fmt.Sprintf(
				"⚠️ A task was abandoned after %d resume attempts:\n%s",
				t.ResumeCount, preview(t.Goal, 200)))
			continue
		}

		if err := s.store.IncrementResume(t.ID); err != nil {
			s.logger.Warn("failed to increment resume count", "task", t.ID, "error", err)
			continue
		}

		s.logger.Info("resuming task", "task", t.ID, "resume", t.ResumeCount+1)
		s.notify(t.ChatID, fmt.Sprintf(
			"🔄 Resuming an interrupted task (attempt %d/%d):\n%s",
			t.ResumeCount+1, s.maxResume, preview(t.Goal, 200)))

		s.dispatcher.Dispatch(ctx, channels.Event{
			ChatID:    t.ChatID,
			Text:      BuildResumePrompt(t.Goal, t.ResumeCount+1),
			Provider:  "sweeper",
			TaskID:    t.ID,
			Timestamp: time.Now(),
		}, s.reply)
		resumed++
	}
	return resumed, nil
}

func (s *Sweeper) notify(chatID int64, text string) {
	if s.reply == nil || chatID == 0 {
		return
	}
	if err := s.reply(chatID, text); err != nil {
		s.logger.Warn("failed to notify chat", "chat_id", chatID, "error", err)
	}
}

// BuildResumePrompt produces the goal text for a resumed task: the original
// goal plus instructions to continue from wherever the crash left it.
func BuildResumePrompt(goal string, resumeCount int) string {
	return fmt.Sprintf(
		"Resume an interrupted task (resume attempt %d). The process restarted before it finished.\n\n"+
			"Original goal:\n%s\n\n"+
			"Check what was already done, continue from there, and report the result.",
		resumeCount, goal)
}
