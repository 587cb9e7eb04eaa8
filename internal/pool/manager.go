package pool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/sandbox"
	"github.com/basket/agentcore/internal/sandbox/wasm"
)

// Manager wraps a Pool with spec.md §4.4's Agent Process Manager concerns:
// tier-based environment injection and planning-agent prompt augmentation.
// Grounded in the teacher's internal/agent.Registry (agent config resolution
// before process creation) and internal/engine.Engine (spawn-time env
// construction), generalized from a single LLM-provider env var to the
// tier/MAMA-hook env contract.
//
// It also selects among the three pool.Process backends an agent's config
// can name: a local subprocess (default), a docker-sandboxed container
// (agent.Sandbox), or a wazero-hosted WASM module (agent.Backend == "wasm").
type Manager struct {
	pool    *Pool
	cfg     *config.Config
	baseEnv []string // inherited environment (PATH etc.), injected first

	sandboxCfg sandbox.Config // used when agent.Sandbox is set
	wasmHost   *wasm.Host     // used when agent.Backend == "wasm"
}

// NewManager builds a Manager around pool, resolving per-agent tier/env
// behavior from cfg. baseEnv defaults to os.Environ() when nil.
func NewManager(pool *Pool, cfg *config.Config, baseEnv []string) *Manager {
	if baseEnv == nil {
		baseEnv = os.Environ()
	}
	m := &Manager{pool: pool, cfg: cfg, baseEnv: baseEnv}
	if cfg != nil {
		m.sandboxCfg = sandbox.Config{
			Image:      cfg.Sandbox.Image,
			MemoryMB:   cfg.Sandbox.MemoryMB,
			NetworkOff: cfg.Sandbox.NetworkOff,
		}
	}
	return m
}

// SetWasmHost wires the shared wazero host used to serve agents configured
// with backend: wasm. Agent modules must already be loaded into host under
// a name matching their AgentID before such an agent's first GetProcess call.
func (m *Manager) SetWasmHost(host *wasm.Host) {
	m.wasmHost = host
}

// tierEnv implements spec.md §4.4's env injection table:
//   - Tier 1: MAMA_HOOK_FEATURES=rules,agents
//   - Tier 2/3 (and unknown, normalized to Tier 2): MAMA_DISABLE_HOOKS=true
func tierEnv(tier config.Tier) []string {
	switch tier.Normalize() {
	case config.Tier1:
		return []string{"MAMA_HOOK_FEATURES=rules,agents"}
	default:
		return []string{"MAMA_DISABLE_HOOKS=true"}
	}
}

func (m *Manager) envFor(agent config.AgentConfig) []string {
	env := make([]string, 0, len(m.baseEnv)+2)
	env = append(env, m.baseEnv...)
	env = append(env, tierEnv(agent.EffectiveTier())...)
	for k, v := range agent.ChatCredentials {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}
	return env
}

// planningPreamble is prepended to the first prompt sent to a planning agent
// (BMAD-style plan/build/review framing), per spec.md §4.4 and §9.
const planningPreamble = "You are operating as the planning lead for this session. " +
	"Produce a structured plan before any implementation work begins, and call out open questions explicitly.\n\n"

// BuildPrompt augments prompt with the planning preamble when agent is a
// planning agent (spec.md §9's resolved is_planning_agent/can_delegate
// independence: only is_planning_agent gates this injection).
func (m *Manager) BuildPrompt(agent config.AgentConfig, prompt string) string {
	if !agent.PlanningAgent() {
		return prompt
	}
	return planningPreamble + prompt
}

// GetProcess acquires a process for agent over channel, spawning via the
// configured command/model/working dir and tier-scoped environment when the
// pool has no idle handle to reuse.
func (m *Manager) GetProcess(ctx context.Context, agent config.AgentConfig, channel string) (Process, bool, error) {
	factory := func(agentID, ch string) (Process, error) {
		switch {
		case agent.Backend == "wasm":
			if m.wasmHost == nil {
				return nil, fmt.Errorf("agent %q configured with backend: wasm but no wasm host is wired", agentID)
			}
			if !m.wasmHost.HasModule(agentID) {
				return nil, fmt.Errorf("agent %q configured with backend: wasm but no module named %q is loaded", agentID, agentID)
			}
			return wasm.NewProcess(m.wasmHost, agentID, agentID), nil
		case agent.Sandbox:
			return sandbox.Spawn(ctx, agentID, ch, m.sandboxCfg, agent.Command, []string{"--model", agent.Model})
		default:
			return Spawn(ctx, agentID, ch, SpawnOpts{
				Command:    agent.Command,
				Args:       []string{"--model", agent.Model},
				WorkingDir: agent.WorkingDir,
				Env:        m.envFor(agent),
			})
		}
	}
	return m.pool.GetAvailableProcess(agent.AgentID, channel, factory)
}

// ReleaseProcess returns proc to the idle pool for agent.AgentID.
func (m *Manager) ReleaseProcess(agent config.AgentConfig, proc Process) {
	m.pool.ReleaseProcess(agent.AgentID, proc)
}

// CleanupIdleProcesses delegates to the underlying Pool.
func (m *Manager) CleanupIdleProcesses() int {
	return m.pool.CleanupIdleProcesses()
}

// StopAgent delegates to the underlying Pool.
func (m *Manager) StopAgent(agentID string) {
	m.pool.StopAgent(agentID)
}

// StopAll delegates to the underlying Pool.
func (m *Manager) StopAll() {
	m.pool.StopAll()
}
