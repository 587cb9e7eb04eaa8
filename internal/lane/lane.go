// Package lane implements the orchestration core's lane manager (spec.md
// §4.1): keyed FIFO queues with per-lane bounded concurrency, plus two-stage
// session-then-global queueing for chat turns. It is new relative to the
// teacher, built in the teacher's concurrency idiom — a mutex-guarded struct
// per lane with a slice-backed FIFO and non-blocking event publication,
// matching internal/bus.Bus's guarded-map-plus-channel-send style.
package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/bus"
)

// ErrLaneCleared is returned to a queued (not yet started) task when
// ClearLane is called on its lane.
var ErrLaneCleared = errors.New("lane cleared")

// GlobalLaneName is the lane every two-stage session enqueue funnels into
// after its session lane releases it.
const GlobalLaneName = "main"

// Task is the unit of work a lane runs. Errors propagate to the caller but
// never halt subsequent tasks in the same lane.
type Task func(ctx context.Context) (any, error)

// OnWait is an advisory callback fired once per enqueue if the wait for
// start exceeds the manager's wait-warn threshold. It never affects
// scheduling.
type OnWait func(waitedMs int64)

// Future is the handle returned by Enqueue/EnqueueWithSession.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(result any, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Wait blocks until the task completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type queuedTask struct {
	task       Task
	future     *Future
	enqueuedAt time.Time
	onWait     OnWait
}

type lane struct {
	mu            sync.Mutex
	name          string
	queue         []*queuedTask
	active        int
	maxConcurrent int
}

// Manager owns every named lane. Lanes are created lazily on first enqueue.
type Manager struct {
	mu                sync.Mutex
	lanes             map[string]*lane
	defaultMaxConcurrent int
	waitWarnThreshold time.Duration
	bus               *bus.Bus
}

// New creates a Manager. defaultMaxConcurrent applies to every lane unless
// overridden via SetLaneConcurrency before first use.
func New(defaultMaxConcurrent int, waitWarnThreshold time.Duration, b *bus.Bus) *Manager {
	if defaultMaxConcurrent < 1 {
		defaultMaxConcurrent = 1
	}
	return &Manager{
		lanes:                make(map[string]*lane),
		defaultMaxConcurrent: defaultMaxConcurrent,
		waitWarnThreshold:    waitWarnThreshold,
		bus:                  b,
	}
}

// NormalizeSessionLane implements spec.md §4.1's lane-name normalization:
// an empty session key maps to "session:main"; an already-"session:"-prefixed
// key is not re-prefixed.
func NormalizeSessionLane(sessionKey string) string {
	if sessionKey == "" {
		return "session:main"
	}
	if len(sessionKey) >= len("session:") && sessionKey[:len("session:")] == "session:" {
		return sessionKey
	}
	return "session:" + sessionKey
}

// SetLaneConcurrency overrides maxConcurrent for one lane, creating it if
// it does not yet exist.
func (m *Manager) SetLaneConcurrency(laneKey string, maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	l := m.laneFor(laneKey)
	l.mu.Lock()
	l.maxConcurrent = maxConcurrent
	l.mu.Unlock()
}

func (m *Manager) laneFor(laneKey string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[laneKey]
	if !ok {
		l = &lane{name: laneKey, maxConcurrent: m.defaultMaxConcurrent}
		m.lanes[laneKey] = l
	}
	return l
}

// Enqueue submits task to laneKey and returns a Future for its result.
func (m *Manager) Enqueue(laneKey string, task Task, onWait OnWait) *Future {
	l := m.laneFor(laneKey)
	fut := newFuture()
	qt := &queuedTask{task: task, future: fut, enqueuedAt: time.Now(), onWait: onWait}

	l.mu.Lock()
	l.queue = append(l.queue, qt)
	m.publish(bus.TopicLaneEnqueued, laneKey, len(l.queue))
	l.tryStartLocked(m)
	l.mu.Unlock()

	return fut
}

// EnqueueWithSession performs spec.md §4.1's two-stage queueing: the task is
// first serialized in lane "session:<key>", then — once it is that lane's
// turn — acquired into the global lane (GlobalLaneName). The returned
// Future resolves only once the task has actually run in the global lane.
func (m *Manager) EnqueueWithSession(sessionKey string, task Task, onWait OnWait) *Future {
	sessionLane := NormalizeSessionLane(sessionKey)
	outer := newFuture()

	wrapped := func(ctx context.Context) (any, error) {
		inner := m.Enqueue(GlobalLaneName, task, onWait)
		return inner.Wait(ctx)
	}

	l := m.laneFor(sessionLane)
	qt := &queuedTask{task: wrapped, future: outer, enqueuedAt: time.Now(), onWait: onWait}
	l.mu.Lock()
	l.queue = append(l.queue, qt)
	m.publish(bus.TopicLaneEnqueued, sessionLane, len(l.queue))
	l.tryStartLocked(m)
	l.mu.Unlock()

	return outer
}

// ClearLane rejects every queued (not active) task in laneKey with
// ErrLaneCleared and returns the count removed. Active tasks run to
// completion.
func (m *Manager) ClearLane(laneKey string) int {
	l := m.laneFor(laneKey)
	l.mu.Lock()
	removed := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, qt := range removed {
		qt.future.resolve(nil, fmt.Errorf("lane %q: %w", laneKey, ErrLaneCleared))
	}
	if len(removed) > 0 {
		m.publish(bus.TopicLaneCleared, laneKey, len(removed))
	}
	return len(removed)
}

// ActiveCount returns the number of currently-running tasks in laneKey.
func (m *Manager) ActiveCount(laneKey string) int {
	l := m.laneFor(laneKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// QueueDepth returns the number of queued (not yet started) tasks in laneKey.
func (m *Manager) QueueDepth(laneKey string) int {
	l := m.laneFor(laneKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (m *Manager) publish(topic, laneKey string, n int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, map[string]any{"lane": laneKey, "n": n})
}

// tryStartLocked must be called with l.mu held. It dequeues and starts tasks
// until active == maxConcurrent or the queue is empty.
func (l *lane) tryStartLocked(m *Manager) {
	for l.active < l.maxConcurrent && len(l.queue) > 0 {
		qt := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		waited := time.Since(qt.enqueuedAt)
		go l.run(m, qt, waited)
	}
}

func (l *lane) run(m *Manager, qt *queuedTask, waited time.Duration) {
	if qt.onWait != nil && m.waitWarnThreshold > 0 && waited >= m.waitWarnThreshold {
		qt.onWait(waited.Milliseconds())
	}
	m.publish(bus.TopicLaneStarted, l.name, l.active)

	result, err := qt.task(context.Background())
	qt.future.resolve(result, err)

	l.mu.Lock()
	l.active--
	l.tryStartLocked(m)
	l.mu.Unlock()
}
