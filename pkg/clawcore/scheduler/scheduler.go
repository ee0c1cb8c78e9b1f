// Package scheduler fires persisted goals on cron schedules. Jobs live in
// the store's jobs table; firing injects the goal into the runtime through a
// caller-provided callback, so the scheduler never talks to the LLM itself.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// FireFunc injects a scheduled goal into the runtime's per-chat queue.
type FireFunc func(chatID int64, goal string) error

// Scheduler owns the cron runner and the mapping from job ids to cron
// entries.
type Scheduler struct {
	store  *store.Store
	fire   FireFunc
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
}

// New creates a scheduler over the store. Standard 5-field cron expressions
// plus the @every / @hourly descriptors are accepted.
func New(st *store.Store, fire FireFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		fire:    fire,
		logger:  logger.With("component", "scheduler"),
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads enabled jobs from the store and begins the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	jobs, err := s.store.ListJobs()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		if err := s.scheduleLocked(j); err != nil {
			s.logger.Warn("skipping job with bad schedule", "job", j.ID, "schedule", j.Schedule, "error", err)
		}
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop halts the cron runner and waits for running job callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
}

// Add validates the schedule, persists the job and registers it with the
// running cron. Returns the new job id.
func (s *Scheduler) Add(schedule, goal string, chatID int64) (string, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	id, err := s.store.AddJob(schedule, goal, chatID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scheduleLocked(store.Job{ID: id, Schedule: schedule, Goal: goal, ChatID: chatID}); err != nil {
		return "", err
	}
	return id, nil
}

// Remove deletes a job from the store and unregisters its cron entry.
func (s *Scheduler) Remove(id string) error {
	if err := s.store.DeleteJob(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	return nil
}

// Jobs returns the persisted job list.
func (s *Scheduler) Jobs() ([]store.Job, error) {
	return s.store.ListJobs()
}

// scheduleLocked registers one job with cron. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(j store.Job) error {
	entry, err := s.cron.AddFunc(j.Schedule, func() { s.run(j) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", j.ID, err)
	}
	s.entries[j.ID] = entry
	return nil
}

func (s *Scheduler) run(j store.Job) {
	s.logger.Info("firing scheduled job", "job", j.ID, "chat_id", j.ChatID)
	err := s.fire(j.ChatID, j.Goal)
	if err != nil {
		s.logger.Warn("scheduled job failed to fire", "job", j.ID, "error", err)
	}
	if rerr := s.store.RecordJobRun(j.ID, err); rerr != nil {
		s.logger.Warn("failed to record job run", "job", j.ID, "error", rerr)
	}
}
