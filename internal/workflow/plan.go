// Package workflow implements the Workflow DAG Engine (spec.md §4.14):
// parsing a fenced `workflow_plan` JSON block into a step DAG, validating
// it, and executing it level-by-level with prompt interpolation and a
// synthesis pass. Grounded in internal/coordinator/{plan,executor}.go's
// topological-sort-into-waves shape and internal/engine/structured.go's
// fenced-JSON extraction.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepDef is one step in a parsed workflow plan.
type StepDef struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on"`
	Optional  bool     `json:"optional"`
}

// EphemeralAgentDef describes an agent minted just for this workflow run.
type EphemeralAgentDef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	SystemPrompt string `json:"system_prompt"`
}

// Synthesis is the optional final-result template.
type Synthesis struct {
	PromptTemplate string `json:"prompt_template"`
}

// Plan is the parsed `workflow_plan` document.
type Plan struct {
	Steps           []StepDef           `json:"steps"`
	EphemeralAgents []EphemeralAgentDef `json:"ephemeral_agents"`
	Synthesis       *Synthesis          `json:"synthesis"`
}

// ParsePlan extracts and unmarshals a `workflow_plan` fenced block from
// text. It accepts a nested `json`-fenced body inside the `workflow_plan`
// fence, normalizes CRLF, and falls back to parsing text itself as raw
// JSON when no fence is present.
func ParsePlan(text string) (*Plan, error) {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")

	body, ok := extractFence(normalized, "workflow_plan")
	if !ok {
		body = strings.TrimSpace(normalized)
	} else if inner, ok := extractFence(body, "json"); ok {
		body = inner
	}

	var plan Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("workflow: parse plan: %w", err)
	}
	return &plan, nil
}

// extractFence finds a ```<label> ... ``` block and returns its trimmed body.
func extractFence(text, label string) (string, bool) {
	marker := "```" + label
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	start := idx + len(marker)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	rest := text[start:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Validate checks the plan against spec.md §4.14's DAG rules.
func Validate(plan *Plan, maxEphemeralAgents int) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("workflow: plan has no steps")
	}
	if maxEphemeralAgents > 0 && len(plan.Steps) > maxEphemeralAgents {
		return fmt.Errorf("workflow: %d steps exceeds max_ephemeral_agents %d", len(plan.Steps), maxEphemeralAgents)
	}

	seen := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow: step has empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}

	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("workflow: step %q depends on itself", s.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("workflow: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	if _, err := toLevels(plan.Steps); err != nil {
		return err
	}

	for _, a := range plan.EphemeralAgents {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.DisplayName) == "" {
			return fmt.Errorf("workflow: ephemeral agent definition missing id or display_name")
		}
	}

	return nil
}

// toLevels groups steps into dependency levels: level = max(dep.level)+1,
// steps with no dependencies form level 0. Returns an error if the DAG
// contains a cycle.
func toLevels(steps []StepDef) ([][]StepDef, error) {
	byID := make(map[string]StepDef, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	processed := make(map[string]bool, len(steps))
	var levels [][]StepDef

	for len(processed) < len(steps) {
		var level []StepDef
		for _, s := range steps {
			if processed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("workflow: cycle detected in plan dependencies")
		}
		levels = append(levels, level)
		for _, s := range level {
			processed[s.ID] = true
		}
	}
	return levels, nil
}
