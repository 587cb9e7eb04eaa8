// Package continuation implements the Task Continuation Enforcer (spec.md
// §4.9): detecting whether an agent's response is complete, and if not,
// building a follow-up prompt while tracking a per-channel-and-agent retry
// counter. New relative to the teacher, generalized from
// internal/engine/loop.go's single termination-keyword check into a fuller
// completion-marker/incompleteness-heuristic pair.
package continuation

import (
	"strings"
	"sync"
)

// Reason enumerates analyzeResponse's outcomes.
type Reason string

const (
	ReasonCompletionMarker Reason = "completion_marker_found"
	ReasonIncomplete       Reason = "incomplete_response"
	ReasonNormal           Reason = "normal_response"
)

var englishMarkers = []string{"DONE", "TASK_COMPLETE", "finished"}
var symbolicMarkers = []string{"✅"}
var koreanMarkers = []string{"완료"}

var incompletePatterns = []string{
	"i'll continue", "let me continue", "to be continued",
	"계속하겠", "계속할게",
}

const truncationThreshold = 1800

// Analysis is the outcome of analyzeResponse.
type Analysis struct {
	IsComplete        bool
	Reason            Reason
	Attempt           int
	MaxRetriesReached bool
}

type key struct {
	channel, agent string
}

// Enforcer tracks per-(channel, agent) retry counters. Changing the agent
// for a channel resets its counter (spec.md §4.9).
type Enforcer struct {
	mu            sync.Mutex
	attempts      map[key]int
	lastAgent     map[string]string // channel -> last agent seen
	maxRetries    int
	customMarkers []string
}

// New builds an Enforcer. maxRetries defaults to 3 when <= 0.
func New(maxRetries int, customMarkers []string) *Enforcer {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Enforcer{
		attempts:      make(map[key]int),
		lastAgent:     make(map[string]string),
		maxRetries:    maxRetries,
		customMarkers: customMarkers,
	}
}

// AnalyzeResponse implements analyzeResponse(agent, channel, text).
func (e *Enforcer) AnalyzeResponse(agentID, channel, text string) Analysis {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastAgent[channel] != agentID {
		e.lastAgent[channel] = agentID
		delete(e.attempts, key{channel: channel, agent: agentID})
	}
	k := key{channel: channel, agent: agentID}

	if containsCompletionMarker(text, e.customMarkers) {
		delete(e.attempts, k)
		return Analysis{IsComplete: true, Reason: ReasonCompletionMarker, Attempt: 0}
	}

	if isIncomplete(text) {
		e.attempts[k]++
		attempt := e.attempts[k]
		return Analysis{
			IsComplete:        false,
			Reason:            ReasonIncomplete,
			Attempt:           attempt,
			MaxRetriesReached: attempt >= e.maxRetries,
		}
	}

	delete(e.attempts, k)
	return Analysis{IsComplete: true, Reason: ReasonNormal, Attempt: 0}
}

func containsCompletionMarker(text string, custom []string) bool {
	for _, m := range englishMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	for _, m := range symbolicMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	for _, m := range koreanMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	for _, m := range custom {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func isIncomplete(text string) bool {
	if len(text) >= truncationThreshold-50 && !endsWithSentenceTerminator(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, p := range incompletePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func endsWithSentenceTerminator(text string) bool {
	trimmed := strings.TrimRight(text, " \t\n\r")
	if trimmed == "" {
		return true
	}
	last := trimmed[len(trimmed)-1]
	switch last {
	case '.', '!', '?', '"', '\'', ')', '`':
		return true
	}
	return false
}

// BuildContinuationPrompt implements buildContinuationPrompt(previous): the
// last 200 characters of previous, an instruction to continue, and a
// reminder to emit DONE when finished.
func BuildContinuationPrompt(previous string) string {
	tail := previous
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	var b strings.Builder
	b.WriteString("...")
	b.WriteString(tail)
	b.WriteString("\n\nContinue from where you left off. Emit DONE when finished.")
	return b.String()
}
