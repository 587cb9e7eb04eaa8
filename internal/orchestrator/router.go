// Package orchestrator implements the Orchestrator and Category Router
// (spec.md §4.6–§4.7): the agent-selection cascade for incoming channel
// messages, chain/cooldown enforcement, and priority-ordered category
// routing. New relative to the teacher, built in the config hot-reload
// idiom of internal/config.Watcher (replace-then-invalidate compiled state)
// applied here to the category router's regex cache.
package orchestrator

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/basket/agentcore/internal/config"
)

// Router compiles and caches config.Category pattern lists, invalidating
// the cache whenever UpdateCategories replaces them (spec.md §4.7).
type Router struct {
	mu         sync.RWMutex
	categories []config.Category
	compiled   map[string][]*regexp.Regexp // category name -> compiled patterns, invalid regexes skipped
}

// NewRouter builds a Router from an initial category list.
func NewRouter(categories []config.Category) *Router {
	r := &Router{}
	r.UpdateCategories(categories)
	return r
}

// UpdateCategories replaces the category list and recompiles the regex
// cache, silently skipping any pattern that fails to compile.
func (r *Router) UpdateCategories(categories []config.Category) {
	compiled := make(map[string][]*regexp.Regexp, len(categories))
	for _, c := range categories {
		var patterns []*regexp.Regexp
		for _, p := range c.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				continue // invalid regex swallowed and skipped (spec.md §4.6)
			}
			patterns = append(patterns, re)
		}
		compiled[c.Name] = patterns
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories = append([]config.Category(nil), categories...)
	r.compiled = compiled
}

// GetCategories returns a copy of the category list sorted by priority
// descending.
func (r *Router) GetCategories() []config.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]config.Category(nil), r.categories...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// RouteResult is the outcome of Route: the matched category's agent ids
// (intersected with availableAgents) and the literal pattern source that
// matched.
type RouteResult struct {
	CategoryName   string
	AgentIDs       []string
	MatchedPattern string
}

// Route implements route(content, agents): iterate categories in priority
// order, return the first whose compiled pattern matches content case-
// insensitively and whose agent_ids intersects availableAgents.
func (r *Router) Route(content string, availableAgents map[string]bool) (RouteResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := append([]config.Category(nil), r.categories...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	for _, cat := range ordered {
		patterns := r.compiled[cat.Name]
		var matchedPattern string
		matched := false
		for i, re := range patterns {
			if re.MatchString(content) {
				matched = true
				matchedPattern = cat.Patterns[i]
				break
			}
		}
		if !matched {
			continue
		}

		var present []string
		for _, id := range cat.AgentIDs {
			if availableAgents[id] {
				present = append(present, id)
			}
		}
		if len(present) == 0 {
			continue
		}
		return RouteResult{CategoryName: cat.Name, AgentIDs: present, MatchedPattern: matchedPattern}, true
	}
	return RouteResult{}, false
}
