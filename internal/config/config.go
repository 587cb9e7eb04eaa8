// Package config loads the orchestration core's configuration: the agent
// registry, tier defaults, category router rules, channel overrides, and
// per-subsystem tunables (lanes, pools, background tasks, swarm, workflow,
// UltraWork). Structs mirror spec.md §3's data model one field at a time so
// a config.yaml is a direct transliteration of the spec's Agent/Channel/
// Category records.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is an agent's privilege level. Unknown tiers fail safe to Tier2,
// never Tier1 (spec.md §3: "unknown tiers fall back to tier 2").
type Tier int

const (
	TierUnknown Tier = 0
	Tier1       Tier = 1
	Tier2       Tier = 2
	Tier3       Tier = 3
)

// Normalize returns the tier to use for permission/delegation decisions.
func (t Tier) Normalize() Tier {
	switch t {
	case Tier1, Tier2, Tier3:
		return t
	default:
		return Tier2
	}
}

// ToolPermissions is an explicit per-agent override of the tier defaults
// (spec.md §4.5: "If the agent has explicit tool_permissions...").
type ToolPermissions struct {
	Allowed []string `yaml:"allowed,omitempty"`
	Blocked []string `yaml:"blocked,omitempty"`
}

// AgentConfig is one entry in the agent registry (spec.md §3 "Agent").
type AgentConfig struct {
	AgentID              string            `yaml:"agent_id"`
	DisplayName          string            `yaml:"display_name"`
	TriggerPrefix        string            `yaml:"trigger_prefix,omitempty"`
	Tier                 Tier              `yaml:"tier"`
	CanDelegate          bool              `yaml:"can_delegate,omitempty"`
	IsPlanningAgent      bool              `yaml:"is_planning_agent,omitempty"`
	IsPlanningAgentCamel *bool             `yaml:"isPlanningAgent,omitempty"`
	AutoContinue         bool              `yaml:"auto_continue,omitempty"`
	ToolPermissions      *ToolPermissions  `yaml:"tool_permissions,omitempty"`
	AutoRespondKeywords  []string          `yaml:"auto_respond_keywords,omitempty"`
	PoolSize             int               `yaml:"pool_size,omitempty"`
	Disabled             bool              `yaml:"disabled,omitempty"`
	Command              string            `yaml:"command,omitempty"`
	Model                string            `yaml:"model,omitempty"`
	WorkingDir           string            `yaml:"working_dir,omitempty"`
	Sandbox              bool              `yaml:"sandbox,omitempty"`
	Backend              string            `yaml:"backend,omitempty"` // "subprocess" (default) or "wasm"
	WasmHotReload        bool              `yaml:"wasm_hot_reload,omitempty"`
	ChatCredentials      map[string]string `yaml:"chat_credentials,omitempty"`
}

// PlanningAgent resolves the is_planning_agent flag, accepting either the
// snake_case or camelCase spelling (spec.md §4.4).
func (a AgentConfig) PlanningAgent() bool {
	if a.IsPlanningAgentCamel != nil {
		return *a.IsPlanningAgentCamel
	}
	return a.IsPlanningAgent
}

// EffectiveTier normalizes the configured tier, defaulting to Tier1 when
// unset (spec.md §3: "tier in {1,2,3} (default 1)").
func (a AgentConfig) EffectiveTier() Tier {
	if a.Tier == TierUnknown {
		return Tier1
	}
	return a.Tier.Normalize()
}

// ChannelOverride carries per-channel selection overrides (spec.md §4.6).
type ChannelOverride struct {
	Channel        string   `yaml:"channel"`
	DefaultAgent   string   `yaml:"default_agent,omitempty"`
	DisabledAgents []string `yaml:"disabled_agents,omitempty"`
	FreeChat       *bool    `yaml:"free_chat,omitempty"`
}

// Category is one entry in the category router's rule list (spec.md §4.7).
type Category struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
	AgentIDs []string `yaml:"agent_ids"`
	Priority int      `yaml:"priority"`
}

// LaneConfig tunes the lane manager (spec.md §4.1).
type LaneConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	WaitWarnMs    int `yaml:"wait_warn_ms"`
}

// PoolConfig tunes the agent process pool (spec.md §4.3).
type PoolConfig struct {
	DefaultPoolSize int            `yaml:"default_pool_size"`
	AgentPoolSizes  map[string]int `yaml:"agent_pool_sizes,omitempty"`
	IdleTimeoutMs   int            `yaml:"idle_timeout_ms"`
}

// MessageQueueConfig tunes the per-agent message queue (spec.md §4.2).
type MessageQueueConfig struct {
	MaxSize    int `yaml:"max_size"`
	TTLMinutes int `yaml:"ttl_minutes"`
	MaxRetries int `yaml:"max_retries"`
}

// BackgroundTaskConfig tunes the background task manager (spec.md §4.10).
type BackgroundTaskConfig struct {
	MaxQueueSize          int `yaml:"max_queue_size"`
	MaxTotalConcurrent    int `yaml:"max_total_concurrent"`
	MaxConcurrentPerAgent int `yaml:"max_concurrent_per_agent"`
	RetentionCap          int `yaml:"retention_cap"`
	StaleTimeoutMs        int `yaml:"stale_timeout_ms"`
}

// SwarmConfig tunes the swarm DB/runner/wave engine (spec.md §4.11–§4.13).
type SwarmConfig struct {
	DBPath        string `yaml:"db_path"`
	MaxRetries    int    `yaml:"max_retries"`
	LeaseMaxAgeMs int    `yaml:"lease_max_age_ms"`
	PollMs        int    `yaml:"poll_ms"`
	CheckpointMs  int    `yaml:"checkpoint_ms"`
}

// WorkflowConfig tunes the workflow DAG engine (spec.md §4.14).
type WorkflowConfig struct {
	MaxEphemeralAgents int `yaml:"max_ephemeral_agents"`
}

// UltraWorkConfig tunes UltraWork phase caps (spec.md §4.15).
type UltraWorkConfig struct {
	BaseDir            string `yaml:"base_dir"`
	MaxSteps           int    `yaml:"max_steps"`
	MaxDurationSeconds int    `yaml:"max_duration_seconds"`
	PlanningMaxSteps   int    `yaml:"planning_max_steps"`
	BuildingMaxSteps   int    `yaml:"building_max_steps"`
	RetroMaxSteps      int    `yaml:"retro_max_steps"`
	PersistToDisk      bool   `yaml:"persist_to_disk"`
}

// ContinuationConfig tunes the task continuation enforcer (spec.md §4.9).
type ContinuationConfig struct {
	MaxRetries       int      `yaml:"max_retries"`
	CustomMarkers    []string `yaml:"custom_markers,omitempty"`
	TruncationLength int      `yaml:"truncation_length"`
}

// OrchestratorConfig tunes chain/cooldown behavior (spec.md §3, §4.6).
type OrchestratorConfig struct {
	MaxChainLength   int    `yaml:"max_chain_length"`
	GlobalCooldownMs int    `yaml:"global_cooldown_ms"`
	FreeChat         bool   `yaml:"free_chat"`
	DefaultAgent     string `yaml:"default_agent,omitempty"`
}

// CronJobConfig registers a recurring swarm kickoff (DOMAIN STACK: robfig/cron/v3).
type CronJobConfig struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"` // standard 5-field cron expression
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
}

// ChannelsConfig carries optional chat-transport adapter settings. The core
// itself never talks to a specific chat platform (spec.md §1 Non-goals);
// this only configures the one concrete ChatNotify demonstration adapter.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram ChatNotify adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// SandboxConfig configures the docker-backed sandboxed subprocess launcher.
type SandboxConfig struct {
	Image      string `yaml:"image"`
	MemoryMB   int64  `yaml:"memory_mb"`
	NetworkOff bool   `yaml:"network_off"`
}

// Config is the root configuration document (config.yaml).
type Config struct {
	HomeDir string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	Agents           []AgentConfig     `yaml:"agents"`
	Categories       []Category        `yaml:"categories"`
	ChannelOverrides []ChannelOverride `yaml:"channel_overrides,omitempty"`
	CronJobs         []CronJobConfig   `yaml:"cron_jobs,omitempty"`

	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Lane         LaneConfig           `yaml:"lane"`
	Pool         PoolConfig           `yaml:"pool"`
	MessageQueue MessageQueueConfig   `yaml:"message_queue"`
	BackgroundTask BackgroundTaskConfig `yaml:"background_task"`
	Swarm        SwarmConfig          `yaml:"swarm"`
	Workflow     WorkflowConfig       `yaml:"workflow"`
	UltraWork    UltraWorkConfig      `yaml:"ultrawork"`
	Continuation ContinuationConfig   `yaml:"continuation"`
	Channels     ChannelsConfig       `yaml:"channels,omitempty"`
	Sandbox      SandboxConfig        `yaml:"sandbox,omitempty"`

	NeedsGenesis bool `yaml:"-"`
}

// EnabledAgents returns the subset of Agents that are not disabled.
func (c *Config) EnabledAgents() []AgentConfig {
	out := make([]AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// AgentByID looks up an agent by id, returning ok=false if absent.
func (c *Config) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.AgentID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ChannelOverrideFor returns the override for a channel, if any.
func (c *Config) ChannelOverrideFor(channel string) (ChannelOverride, bool) {
	for _, o := range c.ChannelOverrides {
		if o.Channel == channel {
			return o, true
		}
	}
	return ChannelOverride{}, false
}

// PoolSizeFor resolves the effective pool size for an agent: an explicit
// per-agent override if configured, else the agent's own pool_size field,
// else the pool's default_pool_size (spec.md §4.3).
func (c *Config) PoolSizeFor(agentID string) int {
	if n, ok := c.Pool.AgentPoolSizes[agentID]; ok && n > 0 {
		return n
	}
	if a, ok := c.AgentByID(agentID); ok && a.PoolSize > 0 {
		return a.PoolSize
	}
	if c.Pool.DefaultPoolSize > 0 {
		return c.Pool.DefaultPoolSize
	}
	return 1
}

// MatchesWildcard reports whether tool matches pattern, where a trailing "*"
// means "starts with" and "*" alone matches everything (spec.md §4.5).
func MatchesWildcard(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(tool, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == tool
}

// MatchesAny reports whether tool matches any of patterns (wildcard-aware).
func MatchesAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if MatchesWildcard(p, tool) {
			return true
		}
	}
	return false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			MaxChainLength:   6,
			GlobalCooldownMs: 3000,
		},
		Lane: LaneConfig{MaxConcurrent: 1},
		Pool: PoolConfig{
			DefaultPoolSize: 1,
			IdleTimeoutMs:   int(10 * time.Minute / time.Millisecond),
		},
		MessageQueue: MessageQueueConfig{
			MaxSize:    5,
			TTLMinutes: 20,
			MaxRetries: 3,
		},
		BackgroundTask: BackgroundTaskConfig{
			MaxQueueSize:          100,
			MaxTotalConcurrent:    4,
			MaxConcurrentPerAgent: 2,
			RetentionCap:          50,
			StaleTimeoutMs:        int(30 * time.Minute / time.Millisecond),
		},
		Swarm: SwarmConfig{
			DBPath:        "./swarm.db",
			MaxRetries:    2,
			LeaseMaxAgeMs: int(5 * time.Minute / time.Millisecond),
			PollMs:        2000,
			CheckpointMs:  5000,
		},
		Workflow: WorkflowConfig{MaxEphemeralAgents: 10},
		UltraWork: UltraWorkConfig{
			BaseDir:            "./ultrawork",
			MaxSteps:           50,
			MaxDurationSeconds: 3600,
			PlanningMaxSteps:   10,
			BuildingMaxSteps:   30,
			RetroMaxSteps:      5,
			PersistToDisk:      true,
		},
		Continuation: ContinuationConfig{
			MaxRetries:       3,
			TruncationLength: 200,
		},
	}
}

// HomeDir resolves the core's home directory, honoring AGENTCORE_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

// Load reads config.yaml from the resolved home directory, applying env
// overrides and defaults exactly as the teacher's Load() does, then seeding
// a starter agent registry on first run.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFrom parses a config.yaml at an explicit path (tests, CLI -config flag).
func LoadFrom(path string) (Config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Orchestrator.MaxChainLength <= 0 {
		cfg.Orchestrator.MaxChainLength = 6
	}
	if cfg.Orchestrator.GlobalCooldownMs <= 0 {
		cfg.Orchestrator.GlobalCooldownMs = 3000
	}
	if cfg.Lane.MaxConcurrent <= 0 {
		cfg.Lane.MaxConcurrent = 1
	}
	if cfg.Pool.DefaultPoolSize <= 0 {
		cfg.Pool.DefaultPoolSize = 1
	}
	if cfg.Pool.IdleTimeoutMs <= 0 {
		cfg.Pool.IdleTimeoutMs = int(10 * time.Minute / time.Millisecond)
	}
	if cfg.MessageQueue.MaxSize <= 0 {
		cfg.MessageQueue.MaxSize = 5
	}
	if cfg.MessageQueue.TTLMinutes <= 0 {
		cfg.MessageQueue.TTLMinutes = 20
	}
	if cfg.MessageQueue.MaxRetries <= 0 {
		cfg.MessageQueue.MaxRetries = 3
	}
	if cfg.BackgroundTask.MaxQueueSize <= 0 {
		cfg.BackgroundTask.MaxQueueSize = 100
	}
	if cfg.BackgroundTask.MaxTotalConcurrent <= 0 {
		cfg.BackgroundTask.MaxTotalConcurrent = 4
	}
	if cfg.BackgroundTask.MaxConcurrentPerAgent <= 0 {
		cfg.BackgroundTask.MaxConcurrentPerAgent = 2
	}
	if cfg.BackgroundTask.RetentionCap <= 0 {
		cfg.BackgroundTask.RetentionCap = 50
	}
	if cfg.BackgroundTask.StaleTimeoutMs <= 0 {
		cfg.BackgroundTask.StaleTimeoutMs = int(30 * time.Minute / time.Millisecond)
	}
	if cfg.Swarm.DBPath == "" {
		cfg.Swarm.DBPath = filepath.Join(cfg.HomeDir, "swarm.db")
	}
	if cfg.Swarm.MaxRetries <= 0 {
		cfg.Swarm.MaxRetries = 2
	}
	if cfg.Swarm.LeaseMaxAgeMs <= 0 {
		cfg.Swarm.LeaseMaxAgeMs = int(5 * time.Minute / time.Millisecond)
	}
	if cfg.Swarm.PollMs <= 0 {
		cfg.Swarm.PollMs = 2000
	}
	if cfg.Swarm.CheckpointMs <= 0 {
		cfg.Swarm.CheckpointMs = 5000
	}
	if cfg.Workflow.MaxEphemeralAgents <= 0 {
		cfg.Workflow.MaxEphemeralAgents = 10
	}
	if cfg.UltraWork.BaseDir == "" {
		cfg.UltraWork.BaseDir = filepath.Join(cfg.HomeDir, "ultrawork")
	}
	if cfg.UltraWork.MaxSteps <= 0 {
		cfg.UltraWork.MaxSteps = 50
	}
	if cfg.UltraWork.MaxDurationSeconds <= 0 {
		cfg.UltraWork.MaxDurationSeconds = 3600
	}
	if cfg.UltraWork.PlanningMaxSteps <= 0 {
		cfg.UltraWork.PlanningMaxSteps = 10
	}
	if cfg.UltraWork.BuildingMaxSteps <= 0 {
		cfg.UltraWork.BuildingMaxSteps = 30
	}
	if cfg.UltraWork.RetroMaxSteps <= 0 {
		cfg.UltraWork.RetroMaxSteps = 5
	}
	if cfg.Continuation.MaxRetries <= 0 {
		cfg.Continuation.MaxRetries = 3
	}
	if cfg.Continuation.TruncationLength <= 0 {
		cfg.Continuation.TruncationLength = 200
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_MAX_CHAIN_LENGTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.MaxChainLength = v
		}
	}
	if raw := os.Getenv("AGENTCORE_SWARM_DB_PATH"); raw != "" {
		cfg.Swarm.DBPath = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the active agent registry + tier
// defaults, used to pin a swarm task's resolved tool permissions at claim
// time (see DESIGN.md "Policy version pinning").
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "agents=%d|maxchain=%d|cooldown=%d", len(c.Agents), c.Orchestrator.MaxChainLength, c.Orchestrator.GlobalCooldownMs)
	for _, a := range c.Agents {
		fmt.Fprintf(h, "|%s:t%d:d%v", a.AgentID, a.EffectiveTier(), a.CanDelegate)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
