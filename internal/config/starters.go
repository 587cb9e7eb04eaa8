package config

// StarterAgents returns a default agent registry for first-run setup:
// one tier-1 lead that can delegate, and two tier-2 read-only workers.
// Generated into config.yaml only when no agents are configured.
func StarterAgents() []AgentConfig {
	return []AgentConfig{
		{
			AgentID:       "sisyphus",
			DisplayName:   "Sisyphus",
			TriggerPrefix: "!sisyphus",
			Tier:          Tier1,
			CanDelegate:   true,
			Command:       "agent-cli",
			Model:         "default",
		},
		{
			AgentID:             "coder",
			DisplayName:         "Coder",
			TriggerPrefix:       "!coder",
			Tier:                Tier2,
			AutoRespondKeywords: []string{"code", "bug", "implement"},
			Command:             "agent-cli",
			Model:               "default",
		},
		{
			AgentID:             "researcher",
			DisplayName:         "Researcher",
			TriggerPrefix:       "!research",
			Tier:                Tier2,
			AutoRespondKeywords: []string{"research", "investigate"},
			Command:             "agent-cli",
			Model:               "default",
		},
	}
}
