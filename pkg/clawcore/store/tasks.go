// Package store – tasks.go implements the resumable task ledger. A task is a
// persisted intent to complete a goal; unfinished goals survive crashes and
// are swept on the next boot.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses. Terminal states (completed, failed) are absorbing.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotRunning is returned by operations only valid on running rows.
	ErrTaskNotRunning = errors.New("task is not running")
)

// Task is one resumable task row.
type Task struct {
	ID          int64
	SessionID   string
	ChatID      int64
	Goal        string
	Status      string
	ResumeCount int
	Reason      string
	CreatedAt   time.Time
	ResumedAt   *time.Time
}

// UpsertResumableTask records a new running task for a session. Any prior
// running task on the same session is transitioned to failed (superseded)
// first, preserving the invariant of at most one running row per session.
// Returns the new row id.
func (s *Store) UpsertResumableTask(sessionID string, chatID int64, goal string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE tasks SET status = ?, reason = 'superseded'
		WHERE session_id = ? AND status = ?`,
		TaskFailed, sessionID, TaskRunning,
	); err != nil {
		return 0, fmt.Errorf("supersede running task: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO tasks (session_id, chat_id, goal, status, resume_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		sessionID, chatID, goal, TaskRunning,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit task: %w", err)
	}
	return res.LastInsertId()
}

// CompleteTask transitions a running task to completed. Terminal rows are
// never reopened; completing a non-running task is a no-op error.
func (s *Store) CompleteTask(id int64) error {
	return s.transitionTask(id, TaskCompleted, "")
}

// FailTask transitions a running task to failed with a reason.
func (s *Store) FailTask(id int64, reason string) error {
	return s.transitionTask(id, TaskFailed, reason)
}

func (s *Store) transitionTask(id int64, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, reason = ? WHERE id = ? AND status = ?`,
		status, reason, id, TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return ErrTaskNotFound
		}
		return ErrTaskNotRunning
	}
	return nil
}

// IncrementResume bumps resume_count and stamps resumed_at. This is the only
// operation that does so; it is valid only on running rows.
func (s *Store) IncrementResume(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tasks SET resume_count = resume_count + 1, resumed_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id, TaskRunning,
	)
	if err != nil {
		return fmt.Errorf("increment resume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotRunning
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(id int64) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, chat_id, goal, status, resume_count, reason, created_at, resumed_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, errNoTaskRow) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// RunningTask returns the running task for a session, or nil if none.
func (s *Store) RunningTask(sessionID string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, chat_id, goal, status, resume_count, reason, created_at, resumed_at
		FROM tasks WHERE session_id = ? AND status = ?`, sessionID, TaskRunning)
	t, err := scanTask(row)
	if errors.Is(err, errNoTaskRow) {
		return nil, nil
	}
	return t, err
}

// ListRunningTasks returns all running tasks in insertion order. The boot
// sweeper consumes this snapshot.
func (s *Store) ListRunningTasks() ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, chat_id, goal, status, resume_count, reason, created_at, resumed_at
		FROM tasks WHERE status = ? ORDER BY id ASC`, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

var errNoTaskRow = errors.New("no task row")

func scanTask(row *sql.Row) (*Task, error) {
	var (
		t         Task
		createdAt string
		resumedAt sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.ChatID, &t.Goal, &t.Status,
		&t.ResumeCount, &t.Reason, &createdAt, &resumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoTaskRow
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resumedAt.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, resumedAt.String)
		t.ResumedAt = &ts
	}
	return &t, nil
}

func scanTaskRow(rows *sql.Rows) (*Task, error) {
	var (
		t         Task
		createdAt string
		resumedAt sql.NullString
	)
	if err := rows.Scan(&t.ID, &t.SessionID, &t.ChatID, &t.Goal, &t.Status,
		&t.ResumeCount, &t.Reason, &createdAt, &resumedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resumedAt.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, resumedAt.String)
		t.ResumedAt = &ts
	}
	return &t, nil
}
