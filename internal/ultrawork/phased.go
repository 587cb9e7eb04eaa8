package ultrawork

import (
	"context"
	"strings"
)

const (
	markerPlanComplete  = "PLAN_COMPLETE"
	markerBuildComplete = "BUILD_COMPLETE"
	markerRetroComplete = "RETRO_COMPLETE"
	markerRetroIncomplete = "RETRO_INCOMPLETE"
)

// RunPhasedStep implements one turn of the phased mode (spec.md §4.15):
// planning until PLAN_COMPLETE, building until BUILD_COMPLETE (delegation
// allowed), then a retrospective that may re-enter Building once on
// RETRO_INCOMPLETE before terminating on RETRO_COMPLETE.
func (m *Manager) RunPhasedStep(ctx context.Context, sessionID, userPrompt string) (StepOutcome, error) {
	session, ok := m.GetSession(sessionID)
	if !ok {
		return StepOutcome{}, errUnknownSession(sessionID)
	}
	if !m.ShouldContinue(session) {
		m.finish(session)
		return StepOutcome{Terminated: true}, nil
	}

	switch session.Phase {
	case PhasePlanning:
		return m.stepPlanning(ctx, session, userPrompt)
	case PhaseBuilding:
		return m.stepBuilding(ctx, session, userPrompt)
	case PhaseRetrospective:
		return m.stepRetrospective(ctx, session, userPrompt)
	default:
		m.finish(session)
		return StepOutcome{Terminated: true}, nil
	}
}

func (m *Manager) stepPlanning(ctx context.Context, session *Session, userPrompt string) (StepOutcome, error) {
	response, err := m.prompt(ctx, session, userPrompt)
	if err != nil {
		return StepOutcome{}, err
	}
	session.Steps++
	session.TotalSteps++
	m.recordStep(session, "plan", userPrompt, response)

	final := response
	if block, ok := extractFence(response, "council_plan"); ok && m.interceptor != nil {
		output, ierr := m.interceptor(ctx, block)
		if ierr == nil {
			m.recordStep(session, "council_execution", block, output)
			synthesis, serr := m.prompt(ctx, session, "Synthesize the council's output into the final plan:\n\n"+output)
			if serr == nil {
				m.recordStep(session, "plan_synthesis", output, synthesis)
				final = synthesis
			}
		}
	}

	if strings.Contains(final, markerPlanComplete) {
		if m.store != nil {
			_ = m.store.SavePlan(session.ID, final)
		}
		m.transitionTo(session, PhaseBuilding)
		return StepOutcome{Response: final, Complete: true}, nil
	}
	return StepOutcome{Response: final}, nil
}

func (m *Manager) stepBuilding(ctx context.Context, session *Session, userPrompt string) (StepOutcome, error) {
	response, err := m.prompt(ctx, session, userPrompt)
	if err != nil {
		return StepOutcome{}, err
	}
	session.Steps++
	session.TotalSteps++
	m.recordStep(session, "build", userPrompt, response)

	if m.delegate != nil {
		if handled, derr := m.delegate(ctx, session.LeadAgentID, response); handled {
			return StepOutcome{Response: response, Delegated: true}, derr
		}
	}

	if strings.Contains(response, markerBuildComplete) {
		m.transitionTo(session, PhaseRetrospective)
		return StepOutcome{Response: response, Complete: true}, nil
	}
	return StepOutcome{Response: response}, nil
}

func (m *Manager) stepRetrospective(ctx context.Context, session *Session, userPrompt string) (StepOutcome, error) {
	response, err := m.prompt(ctx, session, userPrompt)
	if err != nil {
		return StepOutcome{}, err
	}
	session.Steps++
	session.TotalSteps++
	m.recordStep(session, "retrospective", userPrompt, response)

	if strings.Contains(response, markerRetroIncomplete) && session.BuildRetroLoop == 0 {
		session.BuildRetroLoop++
		m.transitionTo(session, PhaseBuilding)
		return StepOutcome{Response: response}, nil
	}

	if strings.Contains(response, markerRetroComplete) || session.BuildRetroLoop > 0 {
		if m.store != nil {
			_ = m.store.SaveRetrospective(session.ID, response)
		}
		m.finish(session)
		return StepOutcome{Response: response, Complete: true}, nil
	}
	return StepOutcome{Response: response}, nil
}

// transitionTo moves the session to a new phase, resetting its per-phase
// step counter, and persists the updated session record.
func (m *Manager) transitionTo(session *Session, phase Phase) {
	m.mu.Lock()
	session.Phase = phase
	session.Steps = 0
	m.mu.Unlock()
	if m.store != nil {
		_ = m.store.SaveSession(session)
	}
}

// extractFence finds a ```<label> ... ``` block and returns its trimmed
// body (duplicated in miniature from internal/workflow's fence extraction;
// this package intentionally stays free of a dependency on workflow).
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
