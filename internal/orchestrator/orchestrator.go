package orchestrator

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/config"
)

// Reason enumerates spec.md §4.6's selection-cascade outcomes.
type Reason string

const (
	ReasonNone            Reason = "none"
	ReasonFreeChat        Reason = "free_chat"
	ReasonExplicitTrigger Reason = "explicit_trigger"
	ReasonCategoryMatch   Reason = "category_match"
	ReasonKeywordMatch    Reason = "keyword_match"
	ReasonDefaultAgent    Reason = "default_agent"
)

// BlockReason enumerates why a selection was blocked outright.
type BlockReason string

const (
	BlockNone        BlockReason = ""
	BlockChainLength BlockReason = "chain_length"
	BlockCooldown    BlockReason = "cooldown"
)

// Message is one incoming channel message evaluated by Select.
type Message struct {
	Content       string
	Channel       string
	IsHuman       bool
	SenderAgentID string // set when !IsHuman: the bot agent that authored it
	Now           time.Time
}

// Result is the outcome of Select.
type Result struct {
	SelectedAgents []string
	Reason         Reason
	Blocked        bool
	BlockReason    BlockReason
}

type chainEvent struct {
	agentID string
	at      time.Time
}

type channelState struct {
	mu               sync.Mutex
	chain            []chainEvent
	lastHuman        time.Time
	lastGlobalResp   time.Time
	lastAgentResp    map[string]time.Time
}

// Orchestrator runs the agent-selection cascade against a Config snapshot
// and per-channel chain/cooldown state.
type Orchestrator struct {
	cfg    *config.Config
	router *Router

	mu       sync.Mutex
	channels map[string]*channelState
}

// New builds an Orchestrator. cfg must outlive the Orchestrator; callers
// swap it out (e.g. on hot reload) by calling SetConfig.
func New(cfg *config.Config) *Orchestrator {
	o := &Orchestrator{cfg: cfg, channels: make(map[string]*channelState)}
	o.router = NewRouter(cfg.Categories)
	return o
}

// SetConfig swaps the live config snapshot and refreshes the category
// router, used on hot reload (spec.md §9).
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.router.UpdateCategories(cfg.Categories)
}

func (o *Orchestrator) stateFor(channel string) *channelState {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.channels[channel]
	if !ok {
		cs = &channelState{lastAgentResp: make(map[string]time.Time)}
		o.channels[channel] = cs
	}
	return cs
}

func enabledMap(agents []config.AgentConfig, channelDisabled map[string]bool) map[string]bool {
	m := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.Disabled || channelDisabled[a.AgentID] {
			continue
		}
		m[a.AgentID] = true
	}
	return m
}

// Select implements selectRespondingAgents(context): the full spec.md §4.6
// cascade, including chain/cooldown enforcement.
func (o *Orchestrator) Select(msg Message) Result {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	if msg.Now.IsZero() {
		msg.Now = time.Now()
	}

	override, hasOverride := cfg.ChannelOverrideFor(msg.Channel)
	channelDisabled := make(map[string]bool)
	if hasOverride {
		for _, id := range override.DisabledAgents {
			channelDisabled[id] = true
		}
	}
	available := enabledMap(cfg.EnabledAgents(), channelDisabled)
	if len(available) == 0 {
		return Result{Reason: ReasonNone}
	}

	cs := o.stateFor(msg.Channel)
	cs.mu.Lock()

	if msg.IsHuman {
		cs.chain = nil
		cs.lastHuman = msg.Now
	}

	blocked := false
	blockReason := BlockNone
	if !msg.IsHuman {
		if len(cs.chain) >= cfg.Orchestrator.MaxChainLength {
			blocked = true
			blockReason = BlockChainLength
		} else if !cs.lastGlobalResp.IsZero() &&
			msg.Now.Sub(cs.lastGlobalResp) < time.Duration(cfg.Orchestrator.GlobalCooldownMs)*time.Millisecond {
			blocked = true
			blockReason = BlockCooldown
		}
	}
	cs.mu.Unlock()

	result := o.cascade(cfg, override, hasOverride, available, msg)

	if blocked {
		result.SelectedAgents = nil
		result.Blocked = true
		result.BlockReason = blockReason
	}
	return result
}

func (o *Orchestrator) cascade(cfg *config.Config, override config.ChannelOverride, hasOverride bool, available map[string]bool, msg Message) Result {
	freeChat := cfg.Orchestrator.FreeChat
	if hasOverride && override.FreeChat != nil {
		freeChat = *override.FreeChat
	}
	if freeChat {
		return Result{SelectedAgents: sortedKeys(available), Reason: ReasonFreeChat}
	}

	if agentID, ok := matchExplicitTrigger(cfg.EnabledAgents(), available, msg.Content); ok {
		return Result{SelectedAgents: []string{agentID}, Reason: ReasonExplicitTrigger}
	}

	if rr, ok := o.router.Route(msg.Content, available); ok {
		return Result{SelectedAgents: rr.AgentIDs, Reason: ReasonCategoryMatch}
	}

	if agents := matchKeywords(cfg.EnabledAgents(), available, msg); len(agents) > 0 {
		return Result{SelectedAgents: agents, Reason: ReasonKeywordMatch}
	}

	defaultAgent := cfg.Orchestrator.DefaultAgent
	if hasOverride && override.DefaultAgent != "" {
		defaultAgent = override.DefaultAgent
	}
	if defaultAgent != "" && available[defaultAgent] {
		return Result{SelectedAgents: []string{defaultAgent}, Reason: ReasonDefaultAgent}
	}

	return Result{Reason: ReasonNone}
}

// matchExplicitTrigger checks whether content begins with any enabled
// agent's trigger_prefix, case-insensitive, as a leading token.
func matchExplicitTrigger(agents []config.AgentConfig, available map[string]bool, content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	for _, a := range agents {
		if a.TriggerPrefix == "" || !available[a.AgentID] {
			continue
		}
		prefix := strings.ToLower(a.TriggerPrefix)
		if strings.HasPrefix(lower, prefix) {
			rest := trimmed[len(prefix):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' {
				return a.AgentID, true
			}
		}
	}
	return "", false
}

// matchKeywords implements spec.md §4.6 step 7: for human messages with
// free_chat off, only the first matching agent (stable config order) is
// returned; for bot messages, every match is returned.
func matchKeywords(agents []config.AgentConfig, available map[string]bool, msg Message) []string {
	lower := strings.ToLower(msg.Content)
	var matches []string
	for _, a := range agents {
		if !available[a.AgentID] {
			continue
		}
		for _, kw := range a.AutoRespondKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				matches = append(matches, a.AgentID)
				break
			}
		}
	}
	if msg.IsHuman && len(matches) > 1 {
		return matches[:1]
	}
	return matches
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// RecordAgentResponse implements recordAgentResponse(agent, channel):
// appends to the channel's chain and stamps cooldowns.
func (o *Orchestrator) RecordAgentResponse(agentID, channel string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	cs := o.stateFor(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.chain = append(cs.chain, chainEvent{agentID: agentID, at: at})
	cs.lastGlobalResp = at
	cs.lastAgentResp[agentID] = at
}

// ChainLength reports the current chain length for channel (test/introspection).
func (o *Orchestrator) ChainLength(channel string) int {
	cs := o.stateFor(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.chain)
}

var leadingMentionPattern = regexp.MustCompile(`^\*\*([^*]+)\*\*:\s*`)

// StripTriggerPrefix removes a leading trigger-prefix token from content if
// agent.TriggerPrefix is a case-insensitive prefix of it.
func StripTriggerPrefix(content string, agent config.AgentConfig) string {
	if agent.TriggerPrefix == "" {
		return content
	}
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	prefix := strings.ToLower(agent.TriggerPrefix)
	if !strings.HasPrefix(lower, prefix) {
		return content
	}
	return strings.TrimLeft(trimmed[len(prefix):], " \t\n")
}

// ExtractAgentIDFromMessage matches a leading "**<display-name>**:" format
// and resolves it to the matching agent id.
func ExtractAgentIDFromMessage(content string, agents []config.AgentConfig) (string, bool) {
	m := leadingMentionPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	for _, a := range agents {
		if strings.EqualFold(a.DisplayName, name) {
			return a.AgentID, true
		}
	}
	return "", false
}
