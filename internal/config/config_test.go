package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentcore/internal/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
agents:
  - agent_id: sisyphus
    tier: 1
    can_delegate: true
`)
	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.MaxChainLength != 6 {
		t.Fatalf("max_chain_length = %d, want 6", cfg.Orchestrator.MaxChainLength)
	}
	if cfg.MessageQueue.MaxSize != 5 {
		t.Fatalf("message queue max size = %d, want 5", cfg.MessageQueue.MaxSize)
	}
	if cfg.BackgroundTask.RetentionCap != 50 {
		t.Fatalf("retention cap = %d, want 50", cfg.BackgroundTask.RetentionCap)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("expected 1 agent from file, got %d", len(cfg.Agents))
	}
}

func TestLoadFrom_EmptyAgentsGetsStarters(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "agents: []\n")
	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Agents) == 0 {
		t.Fatalf("expected starter agents to be populated")
	}
}

func TestAgentConfig_EffectiveTier(t *testing.T) {
	tests := []struct {
		name string
		a    config.AgentConfig
		want config.Tier
	}{
		{"unset defaults to tier1", config.AgentConfig{}, config.Tier1},
		{"explicit tier2", config.AgentConfig{Tier: config.Tier2}, config.Tier2},
		{"invalid tier falls back to tier2", config.AgentConfig{Tier: config.Tier(99)}, config.Tier2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.EffectiveTier(); got != tt.want {
				t.Fatalf("EffectiveTier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentConfig_PlanningAgent(t *testing.T) {
	truthy := true
	falsy := false
	tests := []struct {
		name string
		a    config.AgentConfig
		want bool
	}{
		{"snake case true", config.AgentConfig{IsPlanningAgent: true}, true},
		{"camel overrides snake", config.AgentConfig{IsPlanningAgent: true, IsPlanningAgentCamel: &falsy}, false},
		{"camel true alone", config.AgentConfig{IsPlanningAgentCamel: &truthy}, true},
		{"neither set", config.AgentConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.PlanningAgent(); got != tt.want {
				t.Fatalf("PlanningAgent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesAny_Wildcard(t *testing.T) {
	if !config.MatchesAny([]string{"*"}, "Bash") {
		t.Fatalf("expected '*' to match anything")
	}
	if !config.MatchesAny([]string{"Note*"}, "NotebookEdit") {
		t.Fatalf("expected prefix wildcard to match")
	}
	if config.MatchesAny([]string{"Read"}, "Write") {
		t.Fatalf("expected exact mismatch to fail")
	}
}

func TestConfig_PoolSizeFor(t *testing.T) {
	cfg := config.Config{
		Pool: config.PoolConfig{
			DefaultPoolSize: 2,
			AgentPoolSizes:  map[string]int{"reviewer": 5},
		},
		Agents: []config.AgentConfig{
			{AgentID: "writer", PoolSize: 3},
			{AgentID: "reviewer"},
		},
	}
	if got := cfg.PoolSizeFor("reviewer"); got != 5 {
		t.Fatalf("reviewer pool size = %d, want 5 (agent_pool_sizes wins)", got)
	}
	if got := cfg.PoolSizeFor("writer"); got != 3 {
		t.Fatalf("writer pool size = %d, want 3 (per-agent override)", got)
	}
	if got := cfg.PoolSizeFor("unknown"); got != 2 {
		t.Fatalf("unknown pool size = %d, want 2 (default)", got)
	}
}
