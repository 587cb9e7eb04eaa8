package swarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarm.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_CreateAndClaimTaskIsAtomic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, err := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "do it", Category: "coder"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok1, err := db.ClaimTask(ctx, id, "coder")
	if err != nil || !ok1 {
		t.Fatalf("expected first claim to succeed: ok=%v err=%v", ok1, err)
	}
	ok2, err := db.ClaimTask(ctx, id, "coder2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second claim of already-claimed task to fail")
	}

	task, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusClaimed || task.ClaimedBy != "coder" {
		t.Fatalf("got %+v", task)
	}
}

func TestDB_DeferDoesNotIncrementRetryCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "d", Category: "coder"})
	db.ClaimTask(ctx, id, "coder")

	ok, err := db.DeferTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("defer: ok=%v err=%v", ok, err)
	}
	task, _ := db.GetTask(ctx, id)
	if task.Status != StatusPending || task.ClaimedBy != "" || task.RetryCount != 0 {
		t.Fatalf("got %+v", task)
	}
}

func TestDB_RetryIncrementsRetryCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "d", Category: "coder"})
	db.ClaimTask(ctx, id, "coder")
	db.FailTask(ctx, id, "boom")

	ok, err := db.RetryTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	task, _ := db.GetTask(ctx, id)
	if task.Status != StatusPending || task.RetryCount != 1 {
		t.Fatalf("got %+v", task)
	}

	db.ClaimTask(ctx, id, "coder")
	db.RetryTask(ctx, id)
	task2, _ := db.GetTask(ctx, id)
	if task2.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %+v", task2)
	}
}

func TestDB_CompleteAndFailStampCompletedAt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "d", Category: "coder"})
	db.ClaimTask(ctx, id, "coder")
	if err := db.CompleteTask(ctx, id, "result text"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ := db.GetTask(ctx, id)
	if task.Status != StatusCompleted || task.Result != "result text" || task.CompletedAt == nil {
		t.Fatalf("got %+v", task)
	}
}

func TestDB_GetTasksBySessionOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "low-wave-lo-pri", Category: "c", Wave: 0, Priority: 1})
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "low-wave-hi-pri", Category: "c", Wave: 0, Priority: 5})
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "hi-wave", Category: "c", Wave: 1, Priority: 9})

	tasks, err := db.GetTasksBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].Description != "low-wave-hi-pri" || tasks[1].Description != "low-wave-lo-pri" || tasks[2].Description != "hi-wave" {
		t.Fatalf("unexpected order: %+v", tasks)
	}
}

func TestDB_GetAllTasksSpansSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "a", Category: "c", Wave: 0})
	db.CreateTask(ctx, CreateParams{SessionID: "s2", Description: "b", Category: "c", Wave: 0})

	tasks, err := db.GetAllTasks(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected tasks from both sessions, got %d", len(tasks))
	}
}

func TestDB_GetPendingTasksFiltersWaveAndStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id1, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "a", Category: "c", Wave: 0})
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "b", Category: "c", Wave: 1})
	db.ClaimTask(ctx, id1, "coder")

	pending, err := db.GetPendingTasks(ctx, "s1", -1)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Description != "b" {
		t.Fatalf("expected only non-claimed task b pending, got %+v", pending)
	}

	waveFiltered, err := db.GetPendingTasks(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("get pending wave: %v", err)
	}
	if len(waveFiltered) != 1 {
		t.Fatalf("expected 1 pending task in wave 1, got %d", len(waveFiltered))
	}
}

func TestDB_ExpireStaleLeasesIgnoresTerminalStates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	claimed, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "claimed", Category: "c"})
	completed, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "done", Category: "c"})
	db.ClaimTask(ctx, claimed, "coder")
	db.ClaimTask(ctx, completed, "coder")
	db.CompleteTask(ctx, completed, "ok")

	time.Sleep(10 * time.Millisecond)
	n, err := db.ExpireStaleLeases(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the claimed task reclaimed, got %d", n)
	}

	claimedTask, _ := db.GetTask(ctx, claimed)
	if claimedTask.Status != StatusPending || claimedTask.ClaimedBy != "" {
		t.Fatalf("expected claimed task reclaimed to pending, got %+v", claimedTask)
	}
	completedTask, _ := db.GetTask(ctx, completed)
	if completedTask.Status != StatusCompleted {
		t.Fatalf("expected completed task untouched, got %+v", completedTask)
	}
}

func TestDB_ExpireStaleLeasesRespectsAge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "fresh", Category: "c"})
	db.ClaimTask(ctx, id, "coder")

	n, err := db.ExpireStaleLeases(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fresh claim untouched, got %d reclaimed", n)
	}
}

func TestDB_GetClaimedTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id1, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "a", Category: "c"})
	db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "b", Category: "c"})
	db.ClaimTask(ctx, id1, "coder")

	claimed, err := db.GetClaimedTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("get claimed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id1 {
		t.Fatalf("got %+v", claimed)
	}
}

func TestDB_FilesOwnedAndDependsOnRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, err := db.CreateTask(ctx, CreateParams{
		SessionID:   "s1",
		Description: "a",
		Category:    "c",
		FilesOwned:  []string{"a.go", "b.go"},
		DependsOn:   []string{"dep-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(task.FilesOwned) != 2 || task.FilesOwned[0] != "a.go" {
		t.Fatalf("got files_owned %+v", task.FilesOwned)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != "dep-1" {
		t.Fatalf("got depends_on %+v", task.DependsOn)
	}
}
