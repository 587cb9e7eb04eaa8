// Package msgqueue implements the per-agent message queue (spec.md §4.2): a
// bounded FIFO of pending prompts per agent, with TTL expiry and a busy-retry
// policy against a subprocess handle. New relative to the teacher, modeled on
// the lease/claim discipline of internal/persistence/tasks.go but kept
// entirely in memory, since spec.md keeps this layer a pure in-process FIFO.
package msgqueue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one queued prompt for an agent.
type Entry struct {
	Prompt     string
	Channel    string
	Thread     string
	Source     string
	EnqueuedAt time.Time
	RetryCount int
}

// Process is the subprocess handle a drain delivers prompts to.
type Process interface {
	SendMessage(ctx context.Context, prompt string) (string, error)
}

// DeliverFunc is called with the response once a drained entry succeeds.
type DeliverFunc func(agentID string, entry Entry, response string)

const (
	defaultMaxSize    = 5
	defaultTTL        = 20 * time.Minute
	defaultMaxRetries = 3
)

// Queue holds one FIFO per agent.
type Queue struct {
	mu         sync.Mutex
	byAgent    map[string][]Entry
	maxSize    int
	ttl        time.Duration
	maxRetries int
	logger     *slog.Logger
}

// New builds a Queue. Zero values fall back to spec defaults (size 5, TTL 20m,
// busy-retry cap 3).
func New(maxSize int, ttl time.Duration, maxRetries int, logger *slog.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		byAgent:    make(map[string][]Entry),
		maxSize:    maxSize,
		ttl:        ttl,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Enqueue appends entry to agentID's queue, dropping the oldest entry (not
// the newest) when the queue would exceed maxSize (spec.md §4.2).
func (q *Queue) Enqueue(agentID string, entry Entry) {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.byAgent[agentID]
	fifo = append(fifo, entry)
	if len(fifo) > q.maxSize {
		fifo = fifo[len(fifo)-q.maxSize:]
	}
	q.byAgent[agentID] = fifo
}

// Size returns the current queue length for agentID.
func (q *Queue) Size(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAgent[agentID])
}

func (q *Queue) popFront(agentID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.byAgent[agentID]
	if len(fifo) == 0 {
		return Entry{}, false
	}
	head := fifo[0]
	q.byAgent[agentID] = fifo[1:]
	return head, true
}

func (q *Queue) pushFront(agentID string, entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byAgent[agentID] = append([]Entry{entry}, q.byAgent[agentID]...)
}

// Drain pops the head of agentID's queue and attempts delivery through
// process, repeating per spec.md §4.2's state machine:
//   - expired (age > TTL): discard, loop to the next entry.
//   - success: invoke deliver, then attempt the next entry.
//   - "busy" error (substring match): push back to the front with
//     RetryCount+1; stop draining; drop (no deliver) once RetryCount reaches
//     the configured max.
//   - any other error: log, discard, attempt the next entry.
func (q *Queue) Drain(ctx context.Context, agentID string, process Process, deliver DeliverFunc) {
	for {
		entry, ok := q.popFront(agentID)
		if !ok {
			return
		}

		if time.Since(entry.EnqueuedAt) > q.ttl {
			q.logger.Info("msgqueue: entry expired, discarding", "agent_id", agentID, "age_s", time.Since(entry.EnqueuedAt).Seconds())
			continue
		}

		response, err := process.SendMessage(ctx, entry.Prompt)
		if err == nil {
			if deliver != nil {
				deliver(agentID, entry, response)
			}
			continue
		}

		if strings.Contains(strings.ToLower(err.Error()), "busy") {
			entry.RetryCount++
			if entry.RetryCount >= q.maxRetries {
				q.logger.Warn("msgqueue: dropping entry after max busy retries", "agent_id", agentID, "retry_count", entry.RetryCount)
				continue
			}
			q.pushFront(agentID, entry)
			return
		}

		q.logger.Error("msgqueue: delivery failed, discarding entry", "agent_id", agentID, "error", err)
	}
}

// ClearExpired purges every entry across every agent older than the TTL.
func (q *Queue) ClearExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	now := time.Now()
	for agentID, fifo := range q.byAgent {
		kept := fifo[:0:0]
		for _, e := range fifo {
			if now.Sub(e.EnqueuedAt) > q.ttl {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		q.byAgent[agentID] = kept
	}
	return removed
}

// ClearAll empties every agent's queue. Dropped entries never revive.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byAgent = make(map[string][]Entry)
}
