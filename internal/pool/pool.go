// Package pool implements the agent process pool and process manager
// (spec.md §4.3–§4.4): per-agent pools of reusable opaque subprocess
// handles, with acquire/release discipline, idle eviction, and tier-based
// environment injection. Grounded in the teacher's internal/agent.Registry
// (RWMutex-guarded map of running agents) and internal/engine.Engine
// (worker pool lifecycle, stale-lease reaping generalized here to idle
// eviction).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolFull is returned when an agent's pool is at maxSize and every
// process is busy.
var ErrPoolFull = errors.New("pool full")

// Process is an opaque subprocess handle: the LLM CLI talked to over
// stdin/stdout JSON (spec.md §6). Concrete implementations live in
// subprocess.go (bare subprocess) and are swapped for a docker- or
// wasm-backed launcher per agent config.
type Process interface {
	// SendMessage writes one prompt and reads one JSON response line.
	SendMessage(ctx context.Context, prompt string) (string, error)
	// IsReady reports whether the process is alive and can accept work.
	IsReady() bool
	// Stop terminates the process.
	Stop() error
}

// Factory spawns a new Process for the given agent/channel.
type Factory func(agentID, channel string) (Process, error)

type agentPool struct {
	mu        sync.Mutex
	processes map[Process]struct{}
	idleSince map[Process]time.Time
	busy      map[Process]struct{}
	maxSize   int
}

// Pool owns one agentPool per agent id. Pool state is not persisted —
// restart loses every handle (spec.md §4.3).
type Pool struct {
	mu     sync.Mutex
	agents map[string]*agentPool

	defaultPoolSize int
	poolSizeFor     func(agentID string) int
	idleTimeout     time.Duration
}

// New builds a Pool. poolSizeFor resolves the configured per-agent override
// (falling back to defaultPoolSize); pass nil to always use defaultPoolSize.
func New(defaultPoolSize int, idleTimeout time.Duration, poolSizeFor func(agentID string) int) *Pool {
	if defaultPoolSize < 1 {
		defaultPoolSize = 1
	}
	return &Pool{
		agents:          make(map[string]*agentPool),
		defaultPoolSize: defaultPoolSize,
		poolSizeFor:     poolSizeFor,
		idleTimeout:     idleTimeout,
	}
}

func (p *Pool) poolFor(agentID string) *agentPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.agents[agentID]
	if !ok {
		size := p.defaultPoolSize
		if p.poolSizeFor != nil {
			if n := p.poolSizeFor(agentID); n > 0 {
				size = n
			}
		}
		ap = &agentPool{
			processes: make(map[Process]struct{}),
			idleSince: make(map[Process]time.Time),
			busy:      make(map[Process]struct{}),
			maxSize:   size,
		}
		p.agents[agentID] = ap
	}
	return ap
}

// GetAvailableProcess implements spec.md §4.3's acquire algorithm:
//  1. an idle, ready process for agentID is reused (isNew=false);
//  2. otherwise, if the pool has room, factory spawns a new one (isNew=true);
//  3. otherwise ErrPoolFull.
func (p *Pool) GetAvailableProcess(agentID, channel string, factory Factory) (proc Process, isNew bool, err error) {
	ap := p.poolFor(agentID)

	ap.mu.Lock()
	for proc := range ap.idleSince {
		if _, busy := ap.busy[proc]; busy {
			continue
		}
		if !proc.IsReady() {
			continue
		}
		delete(ap.idleSince, proc)
		ap.busy[proc] = struct{}{}
		ap.mu.Unlock()
		return proc, false, nil
	}
	total := len(ap.processes)
	room := total < ap.maxSize
	ap.mu.Unlock()

	if !room {
		return nil, false, fmt.Errorf("pool full for agent %s (%d busy/%d max): %w", agentID, total, ap.maxSize, ErrPoolFull)
	}

	newProc, err := factory(agentID, channel)
	if err != nil {
		return nil, false, fmt.Errorf("spawn process for agent %s: %w", agentID, err)
	}

	ap.mu.Lock()
	ap.processes[newProc] = struct{}{}
	ap.busy[newProc] = struct{}{}
	ap.mu.Unlock()

	return newProc, true, nil
}

// ReleaseProcess moves proc from busy to idle, stamping idleSince. A
// process untracked for agentID is silently ignored.
func (p *Pool) ReleaseProcess(agentID string, proc Process) {
	ap := p.poolFor(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if _, tracked := ap.processes[proc]; !tracked {
		return
	}
	delete(ap.busy, proc)
	ap.idleSince[proc] = time.Now()
}

// CleanupIdleProcesses stops and removes every idle process across every
// agent whose idleSince exceeds the configured idle timeout. Busy processes
// are never touched regardless of age. Returns the count removed.
func (p *Pool) CleanupIdleProcesses() int {
	if p.idleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	agents := make([]*agentPool, 0, len(p.agents))
	for _, ap := range p.agents {
		agents = append(agents, ap)
	}
	p.mu.Unlock()

	removed := 0
	now := time.Now()
	for _, ap := range agents {
		ap.mu.Lock()
		var stale []Process
		for proc, since := range ap.idleSince {
			if now.Sub(since) > p.idleTimeout {
				stale = append(stale, proc)
			}
		}
		for _, proc := range stale {
			delete(ap.idleSince, proc)
			delete(ap.processes, proc)
		}
		ap.mu.Unlock()

		for _, proc := range stale {
			_ = proc.Stop()
			removed++
		}
	}
	return removed
}

// StopAgent stops every process (idle or busy) belonging to agentID.
func (p *Pool) StopAgent(agentID string) {
	ap := p.poolFor(agentID)
	ap.mu.Lock()
	all := make([]Process, 0, len(ap.processes))
	for proc := range ap.processes {
		all = append(all, proc)
	}
	ap.processes = make(map[Process]struct{})
	ap.idleSince = make(map[Process]time.Time)
	ap.busy = make(map[Process]struct{})
	ap.mu.Unlock()

	for _, proc := range all {
		_ = proc.Stop()
	}
}

// StopAll stops every pool for every agent.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.StopAgent(id)
	}
}

// Stats reports the busy/idle/max counts for agentID, used by property
// tests verifying the pool invariants in spec.md §8.
func (p *Pool) Stats(agentID string) (busy, idle, maxSize int) {
	ap := p.poolFor(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.busy), len(ap.idleSince), ap.maxSize
}
