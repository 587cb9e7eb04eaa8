// Package delegation implements the Delegation Manager (spec.md §4.8):
// parsing DELEGATE::<agent>::<task> directives out of agent responses,
// checking tier/self/cycle delegation rules, and executing a delegation
// against a caller-supplied executor. Grounded in the teacher's
// internal/tools/delegate.go (delegation request/response shape, policy
// gate before dispatch) generalized from the teacher's genkit-tool-call
// surface to a plain callback, since this domain's delegation is a parsed
// directive in subprocess output rather than a structured tool call.
package delegation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/permissions"
)

// Request is a parsed DELEGATE::<target>::<task> directive.
type Request struct {
	FromAgentID     string
	ToAgentID       string
	Task            string
	OriginalContent string // response text with the DELEGATE segment removed
}

var delegatePattern = regexp.MustCompile(`(?s)DELEGATE::([a-zA-Z0-9_-]+)::(.+)`)

// ParseDelegation implements parseDelegation(fromAgent, response). Returns
// ok=false when no DELEGATE directive is present.
func ParseDelegation(fromAgentID, response string) (Request, bool) {
	loc := delegatePattern.FindStringSubmatchIndex(response)
	if loc == nil {
		return Request{}, false
	}
	m := delegatePattern.FindStringSubmatch(response)
	target := m[1]
	task := strings.TrimSpace(m[2])
	original := strings.TrimSpace(response[:loc[0]] + response[loc[1]:])
	return Request{
		FromAgentID:     fromAgentID,
		ToAgentID:       target,
		Task:            task,
		OriginalContent: original,
	}, true
}

// Result is the outcome of ExecuteDelegation.
type Result struct {
	Success  bool
	Response string
	Duration time.Duration
	Error    string
}

// ExecuteFunc dispatches the delegated task to toAgentID and returns its
// response and how long it took.
type ExecuteFunc func(ctx context.Context, toAgentID, prompt string) (response string, duration time.Duration, err error)

// NotifyFunc is invoked once a delegation completes (success or failure)
// with a human-readable composed message.
type NotifyFunc func(fromAgentID, toAgentID, message string)

type pairKey struct {
	from, to string
}

// Manager tracks active delegations and enforces spec.md §4.8's rules.
type Manager struct {
	mu     sync.Mutex
	active map[pairKey]struct{}

	agentsMu sync.RWMutex
	agents   map[string]config.AgentConfig
}

// NewManager builds a Manager seeded with the current agent registry.
func NewManager(agents []config.AgentConfig) *Manager {
	m := &Manager{active: make(map[pairKey]struct{})}
	m.UpdateAgents(agents)
	return m
}

// UpdateAgents implements updateAgents(newAgents): replaces the agent
// registry snapshot used for delegation eligibility checks.
func (m *Manager) UpdateAgents(agents []config.AgentConfig) {
	snapshot := make(map[string]config.AgentConfig, len(agents))
	for _, a := range agents {
		snapshot[a.AgentID] = a
	}
	m.agentsMu.Lock()
	m.agents = snapshot
	m.agentsMu.Unlock()
}

func (m *Manager) agent(id string) (config.AgentConfig, bool) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

func (m *Manager) allAgents() []config.AgentConfig {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	out := make([]config.AgentConfig, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// IsDelegationAllowed implements isDelegationAllowed(from, to): both agents
// must be known, to must be enabled, from must satisfy canDelegate, self-
// delegation is forbidden, and a reverse delegation (to→from) already
// active forbids this one (cycle prevention).
func (m *Manager) IsDelegationAllowed(fromID, toID string) (bool, string) {
	from, ok := m.agent(fromID)
	if !ok {
		return false, fmt.Sprintf("unknown agent %q", fromID)
	}
	to, ok := m.agent(toID)
	if !ok {
		return false, fmt.Sprintf("unknown agent %q", toID)
	}
	if to.Disabled {
		return false, fmt.Sprintf("target agent %q is disabled", toID)
	}
	if !permissions.CanDelegate(from) {
		return false, fmt.Sprintf("agent %q cannot delegate", fromID)
	}
	if fromID == toID {
		return false, "self-delegation is not allowed"
	}

	m.mu.Lock()
	_, reverseActive := m.active[pairKey{from: toID, to: fromID}]
	m.mu.Unlock()
	if reverseActive {
		return false, fmt.Sprintf("reverse delegation %s->%s already active", toID, fromID)
	}
	return true, ""
}

// ExecuteDelegation implements executeDelegation(request, executeCb,
// notifyCb): validates, tracks the pair, dispatches via executeCb, notifies
// on completion, and always releases the tracked pair.
func (m *Manager) ExecuteDelegation(ctx context.Context, req Request, execute ExecuteFunc, notify NotifyFunc) Result {
	allowed, reason := m.IsDelegationAllowed(req.FromAgentID, req.ToAgentID)
	if !allowed {
		return Result{Success: false, Error: reason}
	}

	key := pairKey{from: req.FromAgentID, to: req.ToAgentID}
	m.mu.Lock()
	m.active[key] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()

	from, _ := m.agent(req.FromAgentID)
	prompt := buildDelegationDirective(from, req.Task)

	response, duration, err := execute(ctx, req.ToAgentID, prompt)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Duration: duration}
	}

	if notify != nil {
		notify(req.FromAgentID, req.ToAgentID, composeNotification(req.ToAgentID, response))
	}
	return Result{Success: true, Response: response, Duration: duration}
}

func buildDelegationDirective(from config.AgentConfig, task string) string {
	name := from.DisplayName
	if name == "" {
		name = from.AgentID
	}
	return fmt.Sprintf("Delegated by %s. Do NOT delegate further.\n\n%s", name, task)
}

func composeNotification(toAgentID, response string) string {
	return fmt.Sprintf("Delegation to %s completed:\n%s", toAgentID, response)
}

// GetActiveDelegationCount implements getActiveDelegationCount().
func (m *Manager) GetActiveDelegationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
