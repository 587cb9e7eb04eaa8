// Package permissions implements the Tool Permission Manager (spec.md §4.5):
// pure, stateless resolution of an agent's allowed/blocked tool sets and
// delegation/continuation eligibility. Grounded in the teacher's
// internal/policy.Policy (wildcard matching, "blocked always wins" rule) and
// specifically its AllowMCPTool specificity-scoring pattern, generalized
// here from MCP server/tool rules to tier-default-vs-override tool lists.
package permissions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basket/agentcore/internal/config"
)

// Resolved is the outcome of resolvePermissions(agent): the effective
// allowed/blocked tool sets after applying any per-agent override.
type Resolved struct {
	Allowed []string
	Blocked []string
}

// Resolve implements spec.md §4.5's resolvePermissions(agent):
//   - tier 1 defaults to {allowed: ["*"], blocked: []};
//   - tier 2/3 (and unknown, normalized to tier 2) default to fixed
//     read-only allow/block lists;
//   - an explicit tool_permissions.allowed replaces the default allowed set;
//   - the default blocked set is kept minus anything newly allowed by the
//     override (override wins on that tool, but blocked still wins overall
//     via IsToolAllowed's check order).
func Resolve(agent config.AgentConfig) Resolved {
	var res Resolved
	if agent.EffectiveTier() == config.Tier1 {
		res = Resolved{Allowed: append([]string(nil), config.TierOneAllow...), Blocked: nil}
	} else {
		res = Resolved{
			Allowed: append([]string(nil), config.TierReadOnlyAllow...),
			Blocked: append([]string(nil), config.TierReadOnlyBlock...),
		}
	}

	if agent.ToolPermissions == nil {
		return res
	}
	override := agent.ToolPermissions
	if len(override.Allowed) > 0 {
		res.Allowed = append([]string(nil), override.Allowed...)
	}
	if len(override.Blocked) > 0 {
		res.Blocked = append([]string(nil), override.Blocked...)
	} else if len(override.Allowed) > 0 {
		res.Blocked = subtractMatched(res.Blocked, override.Allowed)
	}
	return res
}

// subtractMatched removes from blocked any entry that a tool in newlyAllowed
// would match (wildcard-aware), implementing the override-wins rule.
func subtractMatched(blocked, newlyAllowed []string) []string {
	var out []string
	for _, b := range blocked {
		matched := false
		for _, a := range newlyAllowed {
			if matchesWildcard(a, b) || matchesWildcard(b, a) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, b)
		}
	}
	return out
}

// matchesWildcard reports whether tool matches pattern, where pattern may be
// "*" (match anything) or "prefix*" (suffix wildcard).
func matchesWildcard(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(tool, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == tool
}

func matchesAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if matchesWildcard(p, tool) {
			return true
		}
	}
	return false
}

// IsToolAllowed implements isToolAllowed(agent, tool): blocked always wins
// over allowed.
func IsToolAllowed(agent config.AgentConfig, tool string) bool {
	res := Resolve(agent)
	if matchesAny(res.Blocked, tool) {
		return false
	}
	return matchesAny(res.Allowed, tool)
}

// CanDelegate implements canDelegate(agent) = tier1 ∧ can_delegate. This is
// independent of PlanningAgent(): a tier-1 agent with can_delegate=false
// cannot delegate even though it may still receive the planning-agent
// prompt preamble, and a planning agent without tier 1 can never delegate.
func CanDelegate(agent config.AgentConfig) bool {
	return agent.EffectiveTier() == config.Tier1 && agent.CanDelegate
}

// CanAutoContinue implements canAutoContinue(agent) = auto_continue truthy.
func CanAutoContinue(agent config.AgentConfig) bool {
	return agent.AutoContinue
}

// BuildPermissionPrompt renders a human-readable block describing agent's
// tool bounds, for injection into its system prompt.
func BuildPermissionPrompt(agent config.AgentConfig) string {
	res := Resolve(agent)
	var b strings.Builder
	fmt.Fprintf(&b, "Tool access for %s (tier %d):\n", agent.AgentID, agent.EffectiveTier())
	fmt.Fprintf(&b, "  allowed: %s\n", joinOrNone(res.Allowed))
	fmt.Fprintf(&b, "  blocked: %s\n", joinOrNone(res.Blocked))
	return b.String()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// BuildDelegationPrompt renders the list of agents agent may delegate to:
// every other enabled agent, excluding itself and disabled agents. Returns
// "" when agent cannot delegate at all.
func BuildDelegationPrompt(agent config.AgentConfig, all []config.AgentConfig) string {
	if !CanDelegate(agent) {
		return ""
	}
	var targets []string
	for _, other := range all {
		if other.Disabled || other.AgentID == agent.AgentID {
			continue
		}
		targets = append(targets, other.AgentID)
	}
	if len(targets) == 0 {
		return ""
	}
	sort.Strings(targets)
	return "You may delegate to: " + strings.Join(targets, ", ") +
		" using DELEGATE::<agent_id>::<task>."
}

// BuildMentionDelegationPrompt renders platform-neutral delegation guidance
// using "<@USER_ID>" notation rather than naming any specific chat platform.
func BuildMentionDelegationPrompt(agent config.AgentConfig, all []config.AgentConfig) string {
	base := BuildDelegationPrompt(agent, all)
	if base == "" {
		return ""
	}
	return base + " Mention the requesting user as <@USER_ID> when reporting results back."
}
