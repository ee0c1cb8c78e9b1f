package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAddValidatesSchedule(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	s := New(st, func(int64, string) error { return nil }, nil)

	if _, err := s.Add("not a schedule", "goal", 0); err == nil {
		t.Error("invalid schedule accepted")
	}

	id, err := s.Add("@hourly", "hourly goal", 3)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	jobs, err := s.Jobs()
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].ChatID != 3 {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	s := New(st, func(int64, string) error { return nil }, nil)

	id, _ := s.Add("@daily", "goal", 0)
	if err := s.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	jobs, _ := s.Jobs()
	if len(jobs) != 0 {
		t.Errorf("job survived removal: %+v", jobs)
	}
	if err := s.Remove(id); err == nil {
		t.Error("double remove accepted")
	}
}

func TestStartSkipsDisabledAndBadJobs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	good, _ := st.AddJob("@hourly", "good", 0)
	disabled, _ := st.AddJob("@hourly", "disabled", 0)
	st.SetJobEnabled(disabled, false)

	s := New(st, func(int64, string) error { return nil }, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) != 1 {
		t.Errorf("registered %d entries, want 1", len(s.entries))
	}
	if _, ok := s.entries[good]; !ok {
		t.Error("good job not registered")
	}
}

func TestFiringRecordsRun(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	var mu sync.Mutex
	var fired []string
	s := New(st, func(chatID int64, goal string) error {
		mu.Lock()
		fired = append(fired, goal)
		mu.Unlock()
		return nil
	}, nil)

	id, _ := st.AddJob("@hourly", "the goal", 9)
	jobs, _ := st.ListJobs()

	// Drive the job callback directly instead of waiting for cron.
	s.run(jobs[0])

	mu.Lock()
	if len(fired) != 1 || fired[0] != "the goal" {
		t.Errorf("fired = %v", fired)
	}
	mu.Unlock()

	jobs, _ = st.ListJobs()
	if jobs[0].RunCount != 1 || jobs[0].LastRunAt == nil {
		t.Errorf("run not recorded: %+v", jobs[0])
	}
	if jobs[0].ID != id {
		t.Errorf("unexpected job: %+v", jobs[0])
	}
}
