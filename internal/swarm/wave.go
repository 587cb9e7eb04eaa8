package swarm

import (
	"context"
	"sort"
	"sync"
)

// TaskExecutor runs a single swarm task to completion, returning its result
// text or an error. Grounded in internal/coordinator/executor.go's
// per-task executor callback shape.
type TaskExecutor func(ctx context.Context, task Task) (string, error)

// WaveRef is one task reference within a wave, as already created in the DB.
type WaveRef struct {
	Wave  int
	Tasks []Task
}

// StepStatus mirrors a single task's outcome within a wave run.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is one task's outcome, returned in execution order.
type StepResult struct {
	TaskID string
	Wave   int
	Status StepStatus
	Result string
	Error  string
}

// WaveResult is the Wave Engine's aggregate outcome (spec.md §4.13).
type WaveResult struct {
	TotalWaves     int
	CompletedWaves int
	TotalTasks     int
	Completed      int
	Failed         int
	Skipped        int
	Results        []StepResult
}

// RunWaves implements the stateless Wave Engine: claim, launch in parallel
// per wave, fail-forward to the next wave regardless of failures in the
// current one.
func RunWaves(ctx context.Context, db *DB, waves []WaveRef, executor TaskExecutor) WaveResult {
	sorted := append([]WaveRef(nil), waves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Wave < sorted[j].Wave })

	out := WaveResult{TotalWaves: len(sorted)}
	for _, w := range sorted {
		results := runWave(ctx, db, w, executor)
		out.Results = append(out.Results, results...)
		out.CompletedWaves++
		for _, r := range results {
			out.TotalTasks++
			switch r.Status {
			case StepCompleted:
				out.Completed++
			case StepFailed:
				out.Failed++
			case StepSkipped:
				out.Skipped++
			}
		}
	}
	return out
}

func runWave(ctx context.Context, db *DB, w WaveRef, executor TaskExecutor) []StepResult {
	results := make([]StepResult, len(w.Tasks))
	var wg sync.WaitGroup
	for i, task := range w.Tasks {
		ok, err := db.ClaimTask(ctx, task.ID, task.Category)
		if err != nil || !ok {
			results[i] = StepResult{TaskID: task.ID, Wave: w.Wave, Status: StepSkipped}
			continue
		}

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			result, err := executor(ctx, task)
			if err != nil {
				_ = db.FailTask(ctx, task.ID, err.Error())
				results[i] = StepResult{TaskID: task.ID, Wave: w.Wave, Status: StepFailed, Error: err.Error()}
				return
			}
			_ = db.CompleteTask(ctx, task.ID, result)
			results[i] = StepResult{TaskID: task.ID, Wave: w.Wave, Status: StepCompleted, Result: result}
		}(i, task)
	}
	wg.Wait()
	return results
}
