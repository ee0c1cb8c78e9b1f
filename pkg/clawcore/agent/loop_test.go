package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

func newLoopStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loop.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeTransport replays a scripted sequence of results and errors, recording
// every call it receives.
type fakeTransport struct {
	mu     sync.Mutex
	script []any // error or *Result, consumed in order
	goals  []string
	hists  [][]json.RawMessage
}

func (f *fakeTransport) Run(ctx context.Context, goal string, rc *RunContext, history []json.RawMessage) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals = append(f.goals, goal)
	f.hists = append(f.hists, history)

	if len(f.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := f.script[0]
	f.script = f.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*Result), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.goals)
}

func rawMsg(role, content string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"role": role, "content": content})
	return b
}

func okResult(output string) *Result {
	return &Result{
		Output:      output,
		NewMessages: []json.RawMessage{rawMsg("user", "q"), rawMsg("assistant", output)},
	}
}

func newTestLoop(t *testing.T, st *store.Store, tr Transport) *Loop {
	t.Helper()
	l := NewLoop(st, tr, DefaultLoopConfig(), testLogger())
	l.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return l
}

func runContext(t *testing.T, st *store.Store, chatID int64) *RunContext {
	t.Helper()
	sess, err := st.GetOrCreateSession(chatID, store.ScopeMain, "main")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return &RunContext{Session: sess, ChatID: chatID}
}

func TestLoopSuccessFirstAttempt(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{okResult("all done")}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 1)
	taskID, _ := st.UpsertResumableTask(rc.Session.ID, 1, "do the thing")
	rc.TaskID = taskID

	out, ok := l.Run(context.Background(), "do the thing", rc)
	if !ok || out != "all done" {
		t.Fatalf("Run = %q, %v", out, ok)
	}
	if tr.callCount() != 1 {
		t.Errorf("calls = %d", tr.callCount())
	}

	msgs, _ := st.GetMessages(rc.Session.ID, 0, 0)
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Errorf("persisted messages: %+v", msgs)
	}
	if msgs[1].Content != "all done" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	blob, _ := st.GetModelHistory(rc.Session.ID)
	var hist []json.RawMessage
	if err := json.Unmarshal([]byte(blob), &hist); err != nil || len(hist) != 2 {
		t.Errorf("model history = %q (%v)", blob, err)
	}

	task, _ := st.GetTask(taskID)
	if task.Status != store.TaskCompleted {
		t.Errorf("task status = %s", task.Status)
	}
}

func TestLoopRecoverableRetriesWithContext(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("connection reset by peer"),
		okResult("second time lucky"),
	}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 1)
	out, ok := l.Run(context.Background(), "flaky goal", rc)
	if !ok || out != "second time lucky" {
		t.Fatalf("Run = %q, %v", out, ok)
	}
	if tr.callCount() != 2 {
		t.Fatalf("calls = %d", tr.callCount())
	}
	if rc.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rc.RetryCount)
	}

	second := tr.goals[1]
	if !strings.HasPrefix(second, "flaky goal") {
		t.Errorf("original goal lost: %q", second)
	}
	if !strings.Contains(second, "Retry 1/3") || !strings.Contains(second, "connection reset") {
		t.Errorf("retry diagnostic missing: %q", second)
	}
}

func TestLoopOverflowCompressesAndHalvesHistory(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)

	rc := runContext(t, st, 1)

	// Seed conversation rows so the compressor has something to chew on.
	for i := 0; i < 30; i++ {
		st.AddMessage(store.Message{SessionID: rc.Session.ID, Role: store.RoleUser,
			Content: fmt.Sprintf("message %d with plenty of text to compress away", i)})
	}
	// Seed an opaque history blob of 10 elements.
	var seed []json.RawMessage
	for i := 0; i < 10; i++ {
		seed = append(seed, rawMsg("user", fmt.Sprintf("h%d", i)))
	}
	blob, _ := json.Marshal(seed)
	st.SetModelHistory(rc.Session.ID, string(blob))

	tr := &fakeTransport{script: []any{
		errors.New("API returned 400: maximum context length exceeded"),
		okResult("fits now"),
	}}
	l := newTestLoop(t, st, tr)

	out, ok := l.Run(context.Background(), "big goal", rc)
	if !ok || out != "fits now" {
		t.Fatalf("Run = %q, %v", out, ok)
	}

	if len(tr.hists[0]) != 10 {
		t.Fatalf("first attempt saw %d history elements", len(tr.hists[0]))
	}
	if len(tr.hists[1]) != 5 {
		t.Errorf("second attempt saw %d history elements, want 5 (halved)", len(tr.hists[1]))
	}

	if rc.Compressions != 1 {
		t.Errorf("compressions = %d, want 1", rc.Compressions)
	}
	if len(rc.Compressed) == 0 {
		t.Error("compressed view not stored on the run context")
	}
	if !strings.Contains(tr.goals[1], "context_overflow") {
		t.Errorf("retry prompt lacks the kind: %q", tr.goals[1])
	}
}

func TestLoopRateLimitWaits(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("API returned 429: rate limit, retry after 5"),
		okResult("after the cooldown"),
	}}
	l := NewLoop(st, tr, DefaultLoopConfig(), testLogger())

	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	rc := runContext(t, st, 1)
	out, ok := l.Run(context.Background(), "throttled goal", rc)
	if !ok || out != "after the cooldown" {
		t.Fatalf("Run = %q, %v", out, ok)
	}
	if slept != 5*time.Second {
		t.Errorf("slept %v, want 5s", slept)
	}
}

func TestLoopUsageLimitAbortsImmediately(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("API returned 402: quota exceeded"),
	}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 7)
	taskID, _ := st.UpsertResumableTask(rc.Session.ID, 7, "expensive goal")
	rc.TaskID = taskID

	out, ok := l.Run(context.Background(), "expensive goal", rc)
	if ok {
		t.Fatal("usage limit must not succeed")
	}
	if tr.callCount() != 1 {
		t.Errorf("non-retryable error retried: %d calls", tr.callCount())
	}
	if rc.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (non-retryable)", rc.RetryCount)
	}
	if !strings.HasPrefix(out, "💳") || !strings.Contains(out, "usage limit") {
		t.Errorf("fallback = %q", out)
	}

	// Fallback is persisted as the assistant turn.
	msgs, _ := st.GetMessages(rc.Session.ID, 0, 0)
	last := msgs[len(msgs)-1]
	if last.Role != store.RoleAssistant || !strings.HasPrefix(last.Content, "💳") {
		t.Errorf("fallback not persisted: %+v", last)
	}

	// The bound task failed, and an auto-repair task took its place.
	task, _ := st.GetTask(taskID)
	if task.Status != store.TaskFailed {
		t.Errorf("task status = %s", task.Status)
	}
	repair, _ := st.RunningTask(rc.Session.ID)
	if repair == nil {
		t.Fatal("no auto-repair task created")
	}
	if !strings.HasPrefix(repair.Goal, AutoRepairPrefix) {
		t.Errorf("repair goal = %q", repair.Goal)
	}
	if !strings.Contains(repair.Goal, "expensive goal") || !strings.Contains(repair.Goal, "quota exceeded") {
		t.Errorf("repair goal lacks context: %q", repair.Goal)
	}
}

func TestLoopAutoRepairDoesNotChain(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("API returned 503: service unavailable"),
	}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 7)
	goal := AutoRepairPrefix + " The previous run failed after 1 attempt. Original goal: x"
	_, ok := l.Run(context.Background(), goal, rc)
	if ok {
		t.Fatal("expected failure")
	}

	repair, _ := st.RunningTask(rc.Session.ID)
	if repair != nil {
		t.Errorf("auto-repair chained: %+v", repair)
	}
}

func TestLoopInternalOriginSkipsAutoRepair(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("API returned 503: service unavailable"),
	}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 0) // chat id zero = internal origin
	_, ok := l.Run(context.Background(), "internal goal", rc)
	if ok {
		t.Fatal("expected failure")
	}

	repair, _ := st.RunningTask(rc.Session.ID)
	if repair != nil {
		t.Errorf("internal origin created a repair task: %+v", repair)
	}
}

func TestLoopExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)
	tr := &fakeTransport{script: []any{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
		okResult("never reached"),
	}}
	l := newTestLoop(t, st, tr)

	rc := runContext(t, st, 1)
	out, ok := l.Run(context.Background(), "doomed goal", rc)
	if ok {
		t.Fatal("expected failure after budget exhaustion")
	}
	if tr.callCount() != 3 {
		t.Errorf("calls = %d, want MaxRetries (3)", tr.callCount())
	}
	if !strings.Contains(out, "Attempts: 3") {
		t.Errorf("fallback lacks attempt count: %q", out)
	}
}

func TestLoopTrimsHistoryByElementCount(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)

	rc := runContext(t, st, 1)

	var seed []json.RawMessage
	for i := 0; i < 60; i++ {
		seed = append(seed, rawMsg("user", fmt.Sprintf("old %d", i)))
	}
	blob, _ := json.Marshal(seed)
	st.SetModelHistory(rc.Session.ID, string(blob))

	tr := &fakeTransport{script: []any{okResult("trimmed")}}
	l := newTestLoop(t, st, tr)

	if _, ok := l.Run(context.Background(), "goal", rc); !ok {
		t.Fatal("run failed")
	}

	if len(tr.hists[0]) != DefaultMaxHistory {
		t.Errorf("transport saw %d elements, want %d", len(tr.hists[0]), DefaultMaxHistory)
	}

	// Newest suffix survives: the first element of the window is "old 20".
	var first map[string]string
	json.Unmarshal(tr.hists[0][0], &first)
	if first["content"] != "old 20" {
		t.Errorf("window start = %q, want old 20", first["content"])
	}

	// Persisted blob also stays bounded after appending new messages.
	got, _ := st.GetModelHistory(rc.Session.ID)
	var hist []json.RawMessage
	json.Unmarshal([]byte(got), &hist)
	if len(hist) != DefaultMaxHistory {
		t.Errorf("persisted history = %d elements", len(hist))
	}
}

func TestLoopCorruptHistoryStartsFresh(t *testing.T) {
	t.Parallel()
	st := newLoopStore(t)

	rc := runContext(t, st, 1)
	st.SetModelHistory(rc.Session.ID, "{not json at all")

	tr := &fakeTransport{script: []any{okResult("fresh start")}}
	l := newTestLoop(t, st, tr)

	out, ok := l.Run(context.Background(), "goal", rc)
	if !ok || out != "fresh start" {
		t.Fatalf("Run = %q, %v", out, ok)
	}
	if len(tr.hists[0]) != 0 {
		t.Errorf("corrupt blob produced %d elements", len(tr.hists[0]))
	}
}
