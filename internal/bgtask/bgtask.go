// Package bgtask implements the Background Task Manager (spec.md §4.10): a
// bounded FIFO of pending prompts, a running set respecting both a global
// and a per-agent concurrency cap, and a capped-retention completed array.
// Grounded in internal/engine.Engine's worker-claim/lease loop, made
// entirely in-memory (no DB lease reclaim — cancellation and stale cleanup
// replace that role here).
package bgtask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/shared"
)

// ErrQueueFull is returned by Submit when pending+running is at maxQueueSize.
var ErrQueueFull = errors.New("bgtask: queue full")

// Status is a background task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is one background task (spec.md §3 "Background task").
type Task struct {
	ID          string
	Description string
	Prompt      string
	AgentID     string
	RequestedBy string
	ChannelID   string
	Source      string

	Status      Status
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Result      string
	Error       string
}

// Executor runs a task's prompt against its agent, returning the result or
// an error.
type Executor func(ctx context.Context, task Task) (string, error)

// Stats mirrors getStats().
type Stats struct {
	Pending        int
	Running        int
	Completed      int
	Failed         int
	TotalSubmitted int
}

const defaultRetentionCap = 50

// Manager is the Background Task Manager.
type Manager struct {
	mu sync.Mutex

	pending   []*Task
	running   map[string]*Task
	completed []*Task // newest first, cap retentionCap
	byID      map[string]*Task

	runningPerAgent map[string]int
	totalSubmitted  int
	totalFailed     int

	maxQueueSize          int
	maxTotalConcurrent    int
	maxConcurrentPerAgent int
	retentionCap          int
	staleTimeout          time.Duration

	executor Executor
	bus      *bus.Bus

	cancelled map[string]context.CancelFunc
}

// New builds a Manager. Zero values fall back to spec defaults.
func New(maxQueueSize, maxTotalConcurrent, maxConcurrentPerAgent, retentionCap int, staleTimeout time.Duration, executor Executor, b *bus.Bus) *Manager {
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}
	if maxTotalConcurrent <= 0 {
		maxTotalConcurrent = 4
	}
	if maxConcurrentPerAgent <= 0 {
		maxConcurrentPerAgent = 2
	}
	if retentionCap <= 0 {
		retentionCap = defaultRetentionCap
	}
	return &Manager{
		running:               make(map[string]*Task),
		byID:                  make(map[string]*Task),
		runningPerAgent:       make(map[string]int),
		maxQueueSize:          maxQueueSize,
		maxTotalConcurrent:    maxTotalConcurrent,
		maxConcurrentPerAgent: maxConcurrentPerAgent,
		retentionCap:          retentionCap,
		staleTimeout:          staleTimeout,
		executor:              executor,
		bus:                   b,
		cancelled:             make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a new task, failing with ErrQueueFull when pending+running
// is already at maxQueueSize.
func (m *Manager) Submit(description, prompt, agentID, requestedBy, channelID, source string) (*Task, error) {
	m.mu.Lock()
	if len(m.pending)+len(m.running) >= m.maxQueueSize {
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	task := &Task{
		ID:          shared.NewBackgroundTaskID(),
		Description: description,
		Prompt:      prompt,
		AgentID:     agentID,
		RequestedBy: requestedBy,
		ChannelID:   channelID,
		Source:      source,
		Status:      StatusPending,
		QueuedAt:    time.Now(),
	}
	m.pending = append(m.pending, task)
	m.byID[task.ID] = task
	m.totalSubmitted++
	m.mu.Unlock()

	m.process()
	return task, nil
}

// process implements the FIFO-with-per-agent-fairness scheduling pass:
// walk pending in order, start every task whose agent still has headroom
// under both the global and per-agent caps, skipping (not blocking behind)
// any head that is at its per-agent cap.
func (m *Manager) process() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 || len(m.running) >= m.maxTotalConcurrent {
			m.mu.Unlock()
			return
		}

		idx := -1
		for i, t := range m.pending {
			if m.runningPerAgent[t.AgentID] < m.maxConcurrentPerAgent {
				idx = i
				break
			}
			if len(m.running) >= m.maxTotalConcurrent {
				break
			}
		}
		if idx == -1 {
			m.mu.Unlock()
			return
		}

		task := m.pending[idx]
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
		task.Status = StatusRunning
		task.StartedAt = time.Now()
		m.running[task.ID] = task
		m.runningPerAgent[task.AgentID]++
		m.publish(bus.TopicTaskStarted, task)

		ctx, cancel := context.WithCancel(context.Background())
		m.cancelled[task.ID] = cancel
		m.mu.Unlock()

		go m.run(ctx, task)
	}
}

func (m *Manager) run(ctx context.Context, task *Task) {
	result, err := m.executor(ctx, *task)

	m.mu.Lock()
	cur, stillRunning := m.running[task.ID]
	if !stillRunning || cur != task {
		// cancelled/stale-reaped already moved this task to a terminal
		// state; a late resolution must not overwrite it.
		m.mu.Unlock()
		return
	}
	delete(m.running, task.ID)
	delete(m.cancelled, task.ID)
	m.runningPerAgent[task.AgentID]--

	task.CompletedAt = time.Now()
	task.Duration = task.CompletedAt.Sub(task.StartedAt)
	if err != nil {
		task.Status = StatusFailed
		task.Error = err.Error()
		m.totalFailed++
		m.addCompletedLocked(task)
		m.mu.Unlock()
		m.publish(bus.TopicTaskFailed, task)
	} else {
		task.Status = StatusCompleted
		task.Result = result
		m.addCompletedLocked(task)
		m.mu.Unlock()
		m.publish(bus.TopicTaskCompleted, task)
	}

	m.process()
}

// addCompletedLocked must be called with m.mu held.
func (m *Manager) addCompletedLocked(task *Task) {
	m.completed = append([]*Task{task}, m.completed...)
	if len(m.completed) > m.retentionCap {
		evicted := m.completed[m.retentionCap:]
		m.completed = m.completed[:m.retentionCap]
		for _, e := range evicted {
			delete(m.byID, e.ID)
		}
	}
}

func (m *Manager) publish(topic string, task *Task) {
	if m.bus == nil {
		return
	}
	cp := *task
	m.bus.Publish(topic, &cp)
}

// CancelTask implements cancelTask(id).
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	task, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch task.Status {
	case StatusPending:
		for i, t := range m.pending {
			if t.ID == id {
				m.pending = append(m.pending[:i], m.pending[i+1:]...)
				break
			}
		}
		task.Status = StatusFailed
		task.Error = "Cancelled"
		task.CompletedAt = time.Now()
		m.addCompletedLocked(task)
		m.mu.Unlock()
		m.publish(bus.TopicTaskFailed, task)
		return true

	case StatusRunning:
		delete(m.running, id)
		m.runningPerAgent[task.AgentID]--
		cancel := m.cancelled[id]
		delete(m.cancelled, id)
		task.Status = StatusFailed
		task.Error = "Cancelled"
		task.CompletedAt = time.Now()
		m.addCompletedLocked(task)
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.publish(bus.TopicTaskFailed, task)
		return true

	default:
		m.mu.Unlock()
		return false
	}
}

// CleanupStale implements cleanupStale(): marks any running task older than
// staleTimeout as failed/"Stale".
func (m *Manager) CleanupStale() int {
	if m.staleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	var stale []*Task
	now := time.Now()
	for _, t := range m.running {
		if now.Sub(t.StartedAt) > m.staleTimeout {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		delete(m.running, t.ID)
		m.runningPerAgent[t.AgentID]--
		if cancel, ok := m.cancelled[t.ID]; ok {
			cancel()
			delete(m.cancelled, t.ID)
		}
		t.Status = StatusFailed
		t.Error = "Stale"
		t.CompletedAt = now
		m.addCompletedLocked(t)
	}
	m.mu.Unlock()

	for _, t := range stale {
		m.publish(bus.TopicTaskFailed, t)
	}
	if len(stale) > 0 {
		m.process()
	}
	return len(stale)
}

// GetTask implements getTask(id).
func (m *Manager) GetTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// GetResult implements getResult(id): only returns a value for completed
// tasks.
func (m *Manager) GetResult(id string) (string, error) {
	t, ok := m.GetTask(id)
	if !ok {
		return "", fmt.Errorf("bgtask: unknown task %s", id)
	}
	if t.Status != StatusCompleted {
		return "", fmt.Errorf("bgtask: task %s not completed (status=%s)", id, t.Status)
	}
	return t.Result, nil
}

// GetQueuedTasks implements getQueuedTasks() (FIFO order).
func (m *Manager) GetQueuedTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.pending))
	for i, t := range m.pending {
		out[i] = *t
	}
	return out
}

// GetRunningTasks implements getRunningTasks().
func (m *Manager) GetRunningTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.running))
	for _, t := range m.running {
		out = append(out, *t)
	}
	return out
}

// GetCompletedTasks implements getCompletedTasks() (newest first).
func (m *Manager) GetCompletedTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.completed))
	for i, t := range m.completed {
		out[i] = *t
	}
	return out
}

// GetStats implements getStats().
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	completedOK := 0
	for _, t := range m.completed {
		if t.Status == StatusCompleted {
			completedOK++
		}
	}
	return Stats{
		Pending:        len(m.pending),
		Running:        len(m.running),
		Completed:      completedOK,
		Failed:         m.totalFailed,
		TotalSubmitted: m.totalSubmitted,
	}
}
