package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcherSerializesPerChat(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	var inFlight, maxInFlight int

	d := NewDispatcher(func(ctx context.Context, ev channels.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		order = append(order, ev.Text)
		inFlight--
		mu.Unlock()
		return nil
	}, testLogger())

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), channels.Event{ChatID: 1, Text: strconv.Itoa(i)}, nil)
	}
	d.Wait()

	if maxInFlight != 1 {
		t.Errorf("handlers overlapped within one chat: max in flight = %d", maxInFlight)
	}
	for i, got := range order {
		if got != strconv.Itoa(i) {
			t.Fatalf("order = %v, want arrival order", order)
		}
	}
}

func TestDispatcherParallelAcrossChats(t *testing.T) {
	t.Parallel()

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	d := NewDispatcher(func(ctx context.Context, ev channels.Event) error {
		wg.Done()
		<-start // both handlers must be running at once to get past this
		return nil
	}, testLogger())

	d.Dispatch(context.Background(), channels.Event{ChatID: 1, Text: "a"}, nil)
	d.Dispatch(context.Background(), channels.Event{ChatID: 2, Text: "b"}, nil)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chats did not run in parallel")
	}
	close(start)
	d.Wait()
}

func TestDispatcherQueuedCounter(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	running := make(chan struct{}, 3) // one slot per dispatch below, or Wait deadlocks

	d := NewDispatcher(func(ctx context.Context, ev channels.Event) error {
		running <- struct{}{}
		<-release
		return nil
	}, testLogger())

	d.Dispatch(context.Background(), channels.Event{ChatID: 7, Text: "first"}, nil)
	<-running

	d.Dispatch(context.Background(), channels.Event{ChatID: 7, Text: "second"}, nil)
	d.Dispatch(context.Background(), channels.Event{ChatID: 7, Text: "third"}, nil)

	if got := d.Queued(7); got != 2 {
		t.Errorf("Queued(7) = %d, want 2", got)
	}
	if got := d.QueuedByChat()[7]; got != 2 {
		t.Errorf("QueuedByChat()[7] = %d, want 2", got)
	}
	if got := len(d.Running()); got != 1 {
		t.Errorf("Running() = %d, want 1", got)
	}

	close(release)
	d.Wait()

	if got := d.Queued(7); got != 0 {
		t.Errorf("Queued(7) after drain = %d", got)
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var replies []string
	reply := func(chatID int64, text string) error {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, text)
		return nil
	}

	calls := 0
	d := NewDispatcher(func(ctx context.Context, ev channels.Event) error {
		calls++
		if ev.Text == "boom" {
			panic("handler exploded")
		}
		return nil
	}, testLogger())

	d.Dispatch(context.Background(), channels.Event{ChatID: 1, Text: "boom"}, reply)
	d.Dispatch(context.Background(), channels.Event{ChatID: 1, Text: "after"}, reply)
	d.Wait()

	if calls != 2 {
		t.Errorf("panic blocked the queue: %d handler calls", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, r := range replies {
		if len(r) > 0 && r[0] != 'a' {
			found = true
		}
	}
	if !found {
		t.Errorf("no panic reply sent: %v", replies)
	}
}

func TestDispatcherHandlerErrorReplied(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	reply := func(chatID int64, text string) error {
		got <- text
		return nil
	}

	d := NewDispatcher(func(ctx context.Context, ev channels.Event) error {
		return fmt.Errorf("llm exploded")
	}, testLogger())

	d.Dispatch(context.Background(), channels.Event{ChatID: 1, Text: "x"}, reply)
	d.Wait()

	select {
	case text := <-got:
		if text == "" {
			t.Error("empty error reply")
		}
	default:
		t.Error("handler error not reported to the chat")
	}
}
