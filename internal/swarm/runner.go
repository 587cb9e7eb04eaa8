package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/pool"
)

// ProcessManager is the subset of *pool.Manager the runner needs, so tests
// can substitute a fake.
type ProcessManager interface {
	GetProcess(ctx context.Context, agent config.AgentConfig, channel string) (pool.Process, bool, error)
	ReleaseProcess(agent config.AgentConfig, proc pool.Process)
}

// ContextFunc optionally enriches a task description with injected search
// context before it is sent to the process (spec.md §4.12 step 7's "MAMA
// context"). Errors are swallowed by the caller; the raw description is
// used instead.
type ContextFunc func(ctx context.Context, description string) (string, error)

const defaultPollInterval = 2 * time.Second
const defaultMaxRetries = 2
const defaultCheckpointDebounce = 5 * time.Second

// CheckpointFunc persists a session's progress; called debounced on
// task-completed/task-failed and immediately on session-complete.
type CheckpointFunc func(sessionID string)

// Runner is the Swarm Task Runner (spec.md §4.12): a poll-loop-per-session
// event emitter over the swarm DB. Grounded in internal/engine.Engine's
// worker-claim loop, adapted to the swarm DB's lease/claim primitives and
// the pool manager's process acquisition instead of the teacher's
// persistence.Store-backed claim.
type Runner struct {
	db           *DB
	processes    ProcessManager
	agentFor     func(category string) (config.AgentConfig, bool)
	busEmitter   *bus.Bus
	contextFn    ContextFunc
	checkpointFn CheckpointFunc

	maxRetries   int
	pollInterval time.Duration
	checkpointDW time.Duration

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	wg       sync.WaitGroup
	debounce map[string]*time.Timer
}

// NewRunner builds a Runner. agentFor resolves a swarm task's category to
// the AgentConfig that should execute it (spec.md §4.12 step 5).
func NewRunner(db *DB, processes ProcessManager, agentFor func(string) (config.AgentConfig, bool), b *bus.Bus, contextFn ContextFunc, checkpointFn CheckpointFunc) *Runner {
	return &Runner{
		db:           db,
		processes:    processes,
		agentFor:     agentFor,
		busEmitter:   b,
		contextFn:    contextFn,
		checkpointFn: checkpointFn,
		maxRetries:   defaultMaxRetries,
		pollInterval: defaultPollInterval,
		checkpointDW: defaultCheckpointDebounce,
		active:       make(map[string]context.CancelFunc),
		debounce:     make(map[string]*time.Timer),
	}
}

// SetMaxRetries overrides the default retry cap.
func (r *Runner) SetMaxRetries(n int) {
	if n > 0 {
		r.maxRetries = n
	}
}

// SetPollInterval overrides the default poll cadence.
func (r *Runner) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// StartSession implements startSession(sessionId): schedules a poll loop.
func (r *Runner) StartSession(sessionID string) {
	r.mu.Lock()
	if _, ok := r.active[sessionID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[sessionID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, sessionID)
}

// StopSession implements stopSession(sessionId): cancels its timers.
func (r *Runner) StopSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[sessionID]; ok {
		cancel()
		delete(r.active, sessionID)
	}
	if t, ok := r.debounce[sessionID]; ok {
		t.Stop()
		delete(r.debounce, sessionID)
	}
}

// StopAll implements stopAll(): cancels everything.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.StopSession(id)
	}
	r.wg.Wait()
}

// IsActive reports whether sessionID currently has a running poll loop.
func (r *Runner) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

func (r *Runner) loop(ctx context.Context, sessionID string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx, sessionID)
		}
	}
}

// poll runs one pass of the algorithm in spec.md §4.12.
func (r *Runner) poll(ctx context.Context, sessionID string) {
	pending, err := r.db.GetPendingTasks(ctx, sessionID, -1)
	if err != nil {
		return
	}
	allTasks, err := r.db.GetTasksBySession(ctx, sessionID)
	if err != nil {
		return
	}
	claimed, err := r.db.GetClaimedTasks(ctx, sessionID)
	if err != nil {
		return
	}

	byID := make(map[string]Task, len(allTasks))
	for _, t := range allTasks {
		byID[t.ID] = t
	}

	ran := false
	for _, task := range pending {
		if r.tryCascadeFail(ctx, task, byID) {
			ran = true
			continue
		}
		if !r.dependenciesSatisfied(task, byID) {
			continue
		}
		if conflict, sharedFiles, conflictIDs := r.fileConflict(task, claimed); conflict {
			r.emit(bus.TopicFileConflict, map[string]any{
				"taskId":            task.ID,
				"sharedFiles":       sharedFiles,
				"conflictingTaskIds": conflictIDs,
			})
			continue
		}
		r.runTask(ctx, sessionID, task)
		ran = true
	}

	if ran {
		r.maybeComplete(ctx, sessionID)
	}
}

func (r *Runner) tryCascadeFail(ctx context.Context, task Task, byID map[string]Task) bool {
	for _, dep := range task.DependsOn {
		if d, ok := byID[dep]; ok && d.Status == StatusFailed {
			_ = r.db.FailTask(ctx, task.ID, fmt.Sprintf("dependency %s failed", dep))
			r.emit(bus.TopicTaskFailed, map[string]any{"taskId": task.ID, "reason": "dependency_failed", "dependency": dep})
			return true
		}
	}
	return false
}

func (r *Runner) dependenciesSatisfied(task Task, byID map[string]Task) bool {
	for _, dep := range task.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (r *Runner) fileConflict(task Task, claimed []Task) (bool, []string, []string) {
	if len(task.FilesOwned) == 0 {
		return false, nil, nil
	}
	owned := make(map[string]struct{}, len(task.FilesOwned))
	for _, f := range task.FilesOwned {
		owned[f] = struct{}{}
	}
	var shared []string
	var conflicting []string
	for _, c := range claimed {
		if c.ID == task.ID {
			continue
		}
		var overlap []string
		for _, f := range c.FilesOwned {
			if _, ok := owned[f]; ok {
				overlap = append(overlap, f)
			}
		}
		if len(overlap) > 0 {
			shared = append(shared, overlap...)
			conflicting = append(conflicting, c.ID)
		}
	}
	return len(conflicting) > 0, shared, conflicting
}

func (r *Runner) runTask(ctx context.Context, sessionID string, task Task) {
	ok, err := r.db.ClaimTask(ctx, task.ID, task.Category)
	if err != nil || !ok {
		return // raced: someone else claimed it first
	}

	agent, found := r.agentFor(task.Category)
	if !found {
		_ = r.db.FailTask(ctx, task.ID, "unknown agent category: "+task.Category)
		r.emit(bus.TopicTaskFailed, map[string]any{"taskId": task.ID, "status": "failed"})
		r.scheduleCheckpoint(sessionID)
		return
	}

	proc, _, err := r.processes.GetProcess(ctx, agent, sessionID)
	if err != nil {
		_, _ = r.db.DeferTask(ctx, task.ID)
		r.emit(bus.TopicTaskDeferred, map[string]any{"taskId": task.ID, "status": "deferred"})
		return
	}
	if !proc.IsReady() {
		r.processes.ReleaseProcess(agent, proc)
		_, _ = r.db.DeferTask(ctx, task.ID)
		r.emit(bus.TopicTaskDeferred, map[string]any{"taskId": task.ID, "status": "deferred"})
		return
	}

	description := task.Description
	if r.contextFn != nil {
		if enriched, err := r.contextFn(ctx, description); err == nil {
			description = enriched
		}
	}

	result, err := proc.SendMessage(ctx, description)
	r.processes.ReleaseProcess(agent, proc)

	if err == nil {
		_ = r.db.CompleteTask(ctx, task.ID, result)
		r.emit(bus.TopicTaskCompleted, map[string]any{"taskId": task.ID, "result": result})
		r.scheduleCheckpoint(sessionID)
		return
	}

	if task.RetryCount < r.maxRetries {
		_, _ = r.db.RetryTask(ctx, task.ID)
		r.emit(bus.TopicTaskRetried, map[string]any{
			"taskId": task.ID, "result": err.Error(), "count": task.RetryCount + 1, "max": r.maxRetries, "status": "retrying",
		})
		return
	}
	_ = r.db.FailTask(ctx, task.ID, err.Error())
	r.emit(bus.TopicTaskFailed, map[string]any{"taskId": task.ID, "status": "failed"})
	r.scheduleCheckpoint(sessionID)
}

func (r *Runner) maybeComplete(ctx context.Context, sessionID string) {
	pending, err := r.db.GetPendingTasks(ctx, sessionID, -1)
	if err != nil {
		return
	}
	claimed, err := r.db.GetClaimedTasks(ctx, sessionID)
	if err != nil {
		return
	}
	if len(pending) == 0 && len(claimed) == 0 {
		r.emit(bus.TopicSessionComplete, map[string]any{"sessionId": sessionID})
		r.flushCheckpoint(sessionID)
		r.StopSession(sessionID)
	}
}

// ExecuteImmediateTask implements executeImmediateTask(session, taskId,
// agent, channel): a single out-of-band run for UI affordances. It
// validates the task belongs to the session and does not wait on the poll
// loop.
func (r *Runner) ExecuteImmediateTask(ctx context.Context, sessionID, taskID string, agent config.AgentConfig, channel string) (string, error) {
	task, err := r.db.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("swarm: task %s not found: %w", taskID, err)
	}
	if task.SessionID != sessionID {
		return "", fmt.Errorf("swarm: task %s does not belong to session %s", taskID, sessionID)
	}

	ok, err := r.db.ClaimTask(ctx, taskID, agent.AgentID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("swarm: task %s could not be claimed", taskID)
	}

	proc, _, err := r.processes.GetProcess(ctx, agent, channel)
	if err != nil {
		_, _ = r.db.DeferTask(ctx, taskID)
		r.emit(bus.TopicTaskDeferred, map[string]any{"taskId": taskID, "status": "deferred"})
		return "", err
	}
	if !proc.IsReady() {
		r.processes.ReleaseProcess(agent, proc)
		_, _ = r.db.DeferTask(ctx, taskID)
		r.emit(bus.TopicTaskDeferred, map[string]any{"taskId": taskID, "status": "deferred"})
		return "", fmt.Errorf("swarm: process for %s not ready", agent.AgentID)
	}

	description := task.Description
	if r.contextFn != nil {
		if enriched, err := r.contextFn(ctx, description); err == nil {
			description = enriched
		}
	}

	result, err := proc.SendMessage(ctx, description)
	r.processes.ReleaseProcess(agent, proc)
	if err != nil {
		if task.RetryCount < r.maxRetries {
			_, _ = r.db.RetryTask(ctx, taskID)
			r.emit(bus.TopicTaskRetried, map[string]any{"taskId": taskID, "status": "retrying"})
			return "", err
		}
		_ = r.db.FailTask(ctx, taskID, err.Error())
		r.emit(bus.TopicTaskFailed, map[string]any{"taskId": taskID, "status": "failed"})
		return "", err
	}

	_ = r.db.CompleteTask(ctx, taskID, result)
	r.emit(bus.TopicTaskCompleted, map[string]any{"taskId": taskID, "result": result})
	return result, nil
}

func (r *Runner) scheduleCheckpoint(sessionID string) {
	if r.checkpointFn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.debounce[sessionID]; ok {
		t.Stop()
	}
	r.debounce[sessionID] = time.AfterFunc(r.checkpointDW, func() { r.checkpointFn(sessionID) })
}

func (r *Runner) flushCheckpoint(sessionID string) {
	if r.checkpointFn == nil {
		return
	}
	r.mu.Lock()
	if t, ok := r.debounce[sessionID]; ok {
		t.Stop()
		delete(r.debounce, sessionID)
	}
	r.mu.Unlock()
	r.checkpointFn(sessionID)
}

func (r *Runner) emit(topic string, payload any) {
	if r.busEmitter == nil {
		return
	}
	r.busEmitter.Publish(topic, payload)
}
