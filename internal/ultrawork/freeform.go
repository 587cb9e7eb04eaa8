package ultrawork

import (
	"context"
	"time"
)

// StepOutcome is the result of one freeform or phased turn.
type StepOutcome struct {
	Response   string
	Delegated  bool
	Complete   bool
	Terminated bool // session hit its step/duration cap
}

// RunFreeformStep implements one iteration of the freeform mode (spec.md
// §4.15): prompt the lead, route a DELEGATE:: response through the
// Delegation Manager, and stop once the response reads complete per the
// Task Continuation Enforcer or the step/duration cap is reached.
func (m *Manager) RunFreeformStep(ctx context.Context, sessionID, userPrompt string) (StepOutcome, error) {
	session, ok := m.GetSession(sessionID)
	if !ok {
		return StepOutcome{}, errUnknownSession(sessionID)
	}
	if !m.ShouldContinue(session) {
		m.finish(session)
		return StepOutcome{Terminated: true}, nil
	}

	response, err := m.prompt(ctx, session, userPrompt)
	if err != nil {
		return StepOutcome{}, err
	}
	session.Steps++
	session.TotalSteps++
	m.recordStep(session, "freeform", userPrompt, response)

	if m.delegate != nil {
		if handled, derr := m.delegate(ctx, session.LeadAgentID, response); handled {
			return StepOutcome{Response: response, Delegated: true}, derr
		}
	}

	analysis := m.enforcer.AnalyzeResponse(session.LeadAgentID, session.ChannelID, response)
	if analysis.IsComplete {
		m.finish(session)
		return StepOutcome{Response: response, Complete: true}, nil
	}
	return StepOutcome{Response: response}, nil
}

func (m *Manager) finish(session *Session) {
	m.mu.Lock()
	session.Active = false
	session.Phase = PhaseCompleted
	m.mu.Unlock()
	if m.store != nil {
		_ = m.store.SaveSession(session)
	}
}

func (m *Manager) recordStep(session *Session, name, prompt, response string) {
	if m.store == nil {
		return
	}
	_ = m.store.AppendProgress(session.ID, StepRecord{
		Phase: session.Phase, Name: name, Prompt: prompt, Response: response, At: time.Now(),
	})
}

type sessionError struct{ id string }

func (e sessionError) Error() string { return "ultrawork: unknown session " + e.id }

func errUnknownSession(id string) error { return sessionError{id: id} }
