package bgtask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func blockingExecutor(block <-chan struct{}) Executor {
	return func(ctx context.Context, task Task) (string, error) {
		select {
		case <-block:
			return "ok:" + task.ID, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestManager_SubmitRunsImmediatelyUnderCap(t *testing.T) {
	block := make(chan struct{})
	close(block)
	m := New(10, 4, 2, 50, 0, blockingExecutor(block), nil)

	task, err := m.Submit("desc", "prompt", "agent1", "user", "chan", "test")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got, ok := m.GetTask(task.ID)
	if !ok || got.Status != StatusCompleted {
		t.Fatalf("expected completed task, got %+v ok=%v", got, ok)
	}
}

func TestManager_QueueFull(t *testing.T) {
	block := make(chan struct{})
	m := New(1, 1, 1, 50, 0, blockingExecutor(block), nil)
	if _, err := m.Submit("d1", "p1", "a1", "u", "c", "s"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := m.Submit("d2", "p2", "a1", "u", "c", "s")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
}

func TestManager_PerAgentCapDoesNotStarveOtherAgents(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var started []string
	executor := func(ctx context.Context, task Task) (string, error) {
		mu.Lock()
		started = append(started, task.AgentID)
		mu.Unlock()
		<-block
		return "ok", nil
	}
	m := New(10, 4, 1, 50, 0, executor, nil)

	m.Submit("d1", "p1", "busy-agent", "u", "c", "s")
	m.Submit("d2", "p2", "busy-agent", "u", "c", "s") // should stay pending: per-agent cap 1
	m.Submit("d3", "p3", "other-agent", "u", "c", "s")

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	gotStarted := append([]string(nil), started...)
	mu.Unlock()

	foundOther := false
	for _, a := range gotStarted {
		if a == "other-agent" {
			foundOther = true
		}
	}
	if !foundOther {
		t.Fatalf("expected other-agent to start despite busy-agent being at per-agent cap: %v", gotStarted)
	}
	close(block)
}

func TestManager_CancelPendingTask(t *testing.T) {
	block := make(chan struct{})
	m := New(10, 1, 1, 50, 0, blockingExecutor(block), nil)
	m.Submit("d1", "p1", "a1", "u", "c", "s") // occupies the sole concurrency slot, blocks on block
	task, _ := m.Submit("d2", "p2", "a1", "u", "c", "s")
	time.Sleep(10 * time.Millisecond)

	ok := m.CancelTask(task.ID)
	if !ok {
		t.Fatalf("expected cancel of pending task to succeed")
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != StatusFailed || got.Error != "Cancelled" {
		t.Fatalf("got %+v", got)
	}
	close(block)
}

func TestManager_CancelRunningTask_LateResolutionIgnored(t *testing.T) {
	release := make(chan struct{})
	executor := func(ctx context.Context, task Task) (string, error) {
		<-release
		return "late result", nil
	}
	m := New(10, 4, 2, 50, 0, executor, nil)
	task, _ := m.Submit("d1", "p1", "a1", "u", "c", "s")
	time.Sleep(10 * time.Millisecond)

	if !m.CancelTask(task.ID) {
		t.Fatalf("expected cancel of running task to succeed")
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != StatusFailed || got.Error != "Cancelled" {
		t.Fatalf("got %+v", got)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	got2, _ := m.GetTask(task.ID)
	if got2.Status != StatusFailed || got2.Error != "Cancelled" || got2.Result != "" {
		t.Fatalf("late resolution must not overwrite cancelled status: %+v", got2)
	}
}

func TestManager_CancelUnknownReturnsFalse(t *testing.T) {
	m := New(10, 4, 2, 50, 0, blockingExecutor(make(chan struct{})), nil)
	if m.CancelTask("nonexistent") {
		t.Fatalf("expected false for unknown task")
	}
}

func TestManager_CleanupStaleMarksAgedRunningTasks(t *testing.T) {
	block := make(chan struct{})
	m := New(10, 4, 2, 50, 5*time.Millisecond, blockingExecutor(block), nil)
	task, _ := m.Submit("d1", "p1", "a1", "u", "c", "s")
	time.Sleep(20 * time.Millisecond)

	n := m.CleanupStale()
	if n != 1 {
		t.Fatalf("expected 1 stale task cleaned, got %d", n)
	}
	got, _ := m.GetTask(task.ID)
	if got.Status != StatusFailed || got.Error != "Stale" {
		t.Fatalf("got %+v", got)
	}
	close(block)
}

func TestManager_RetentionCapEvictsOldest(t *testing.T) {
	block := make(chan struct{})
	close(block)
	m := New(100, 4, 4, 2, 0, blockingExecutor(block), nil)
	var ids []string
	for i := 0; i < 3; i++ {
		task, err := m.Submit("d", "p", "a1", "u", "c", "s")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, task.ID)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	completed := m.GetCompletedTasks()
	if len(completed) != 2 {
		t.Fatalf("expected retention cap 2, got %d", len(completed))
	}
	if _, ok := m.GetTask(ids[0]); ok {
		t.Fatalf("expected oldest task evicted from byID")
	}
}

func TestManager_GetStats(t *testing.T) {
	block := make(chan struct{})
	close(block)
	m := New(10, 4, 2, 50, 0, blockingExecutor(block), nil)
	m.Submit("d1", "p1", "a1", "u", "c", "s")
	time.Sleep(10 * time.Millisecond)

	stats := m.GetStats()
	if stats.TotalSubmitted != 1 || stats.Completed != 1 {
		t.Fatalf("got %+v", stats)
	}
}
