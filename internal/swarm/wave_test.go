package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRunWaves_EmptyWaveCountsAsCompleted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	result := RunWaves(ctx, db, []WaveRef{{Wave: 0, Tasks: nil}}, func(ctx context.Context, task Task) (string, error) {
		return "", nil
	})
	if result.TotalWaves != 1 || result.CompletedWaves != 1 || result.TotalTasks != 0 {
		t.Fatalf("got %+v", result)
	}
}

func TestRunWaves_FailForwardToNextWave(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	failing, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "fails", Category: "coder", Wave: 0})
	nextWave, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "ok", Category: "coder", Wave: 1})

	waves := []WaveRef{
		{Wave: 1, Tasks: []Task{{ID: nextWave, Category: "coder"}}},
		{Wave: 0, Tasks: []Task{{ID: failing, Category: "coder"}}},
	}

	executor := func(ctx context.Context, task Task) (string, error) {
		if task.ID == failing {
			return "", errors.New("boom")
		}
		return "done", nil
	}

	result := RunWaves(ctx, db, waves, executor)
	if result.TotalWaves != 2 || result.CompletedWaves != 2 {
		t.Fatalf("expected both waves to run despite wave 0 failure: %+v", result)
	}
	if result.Failed != 1 || result.Completed != 1 {
		t.Fatalf("got %+v", result)
	}

	failedTask, _ := db.GetTask(ctx, failing)
	if failedTask.Status != StatusFailed {
		t.Fatalf("expected failing task marked failed, got %+v", failedTask)
	}
	okTask, _ := db.GetTask(ctx, nextWave)
	if okTask.Status != StatusCompleted {
		t.Fatalf("expected ok task completed, got %+v", okTask)
	}
}

func TestRunWaves_SkipsTaskThatFailsToClaimSameWave(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "a", Category: "coder"})
	db.ClaimTask(ctx, id, "someone-else") // pre-claimed, so the wave engine's claim will fail

	waves := []WaveRef{{Wave: 0, Tasks: []Task{{ID: id, Category: "coder"}}}}
	called := false
	executor := func(ctx context.Context, task Task) (string, error) {
		called = true
		return "", nil
	}

	result := RunWaves(ctx, db, waves, executor)
	if called {
		t.Fatalf("executor must not run for a task that failed to claim")
	}
	if result.Skipped != 1 || result.Completed != 0 || result.Failed != 0 {
		t.Fatalf("got %+v", result)
	}
}

func TestRunWaves_SortsWavesAscending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	var order []int
	var mu sync.Mutex
	id1, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "a", Category: "coder"})
	id0, _ := db.CreateTask(ctx, CreateParams{SessionID: "s1", Description: "b", Category: "coder"})

	waves := []WaveRef{
		{Wave: 1, Tasks: []Task{{ID: id1, Category: "coder"}}},
		{Wave: 0, Tasks: []Task{{ID: id0, Category: "coder"}}},
	}
	executor := func(ctx context.Context, task Task) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if task.ID == id0 {
			order = append(order, 0)
		} else {
			order = append(order, 1)
		}
		return "ok", nil
	}
	result := RunWaves(ctx, db, waves, executor)
	if result.Results[0].Wave != 0 || result.Results[1].Wave != 1 {
		t.Fatalf("expected wave-ascending result order, got %+v", result.Results)
	}
}
