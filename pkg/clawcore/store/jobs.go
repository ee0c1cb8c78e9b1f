// Package store – jobs.go persists scheduled jobs. The scheduler loads them
// on boot and records run outcomes back here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// Job is one persisted cron entry: fire goal into chat on schedule.
type Job struct {
	ID        string
	Schedule  string
	Goal      string
	ChatID    int64
	Enabled   bool
	CreatedAt time.Time
	LastRunAt *time.Time
	LastError string
	RunCount  int
}

// AddJob persists a new enabled job and returns its id.
func (s *Store) AddJob(schedule, goal string, chatID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, schedule, goal, chat_id, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		id, schedule, goal, chatID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("add job: %w", err)
	}
	return id, nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetJobEnabled toggles a job without deleting its history.
func (s *Store) SetJobEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE jobs SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("toggle job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordJobRun stamps the outcome of one firing.
func (s *Store) RecordJobRun(id string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET last_run_at = ?, last_error = ?, run_count = run_count + 1
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), msg, id,
	)
	if err != nil {
		return fmt.Errorf("record job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobs returns all jobs, enabled first, newest last.
func (s *Store) ListJobs() ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, schedule, goal, chat_id, enabled, created_at, last_run_at, last_error, run_count
		FROM jobs ORDER BY enabled DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j         Job
			enabled   int
			createdAt string
			lastRunAt sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Schedule, &j.Goal, &j.ChatID, &enabled,
			&createdAt, &lastRunAt, &j.LastError, &j.RunCount); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Enabled = enabled != 0
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastRunAt.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, lastRunAt.String)
			j.LastRunAt = &ts
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
