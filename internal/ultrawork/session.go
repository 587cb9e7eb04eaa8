// Package ultrawork implements UltraWork & the Session State Manager
// (spec.md §4.15): a freeform or phased (planning→building→retrospective)
// multi-step conversation driven by a tier-1 lead agent, with on-disk JSON/
// markdown persistence. Grounded in internal/engine/loop.go's LoopRunner
// (step/token/duration budget loop, termination-keyword check,
// checkpointing) generalized from a single free-running loop into the
// phased state machine the spec requires, and
// internal/persistence/loops.go's checkpoint-file shape adapted from a
// SQLite row to flat JSON/markdown files.
package ultrawork

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/continuation"
)

// Mode selects freeform vs phased session shape.
type Mode string

const (
	ModeFreeform Mode = "freeform"
	ModePhased   Mode = "phased"
)

// Phase is a phased session's current stage.
type Phase string

const (
	PhaseFreeform      Phase = "freeform"
	PhasePlanning      Phase = "planning"
	PhaseBuilding      Phase = "building"
	PhaseRetrospective Phase = "retrospective"
	PhaseCompleted     Phase = "completed"
)

// Caps bounds a phase's (or a freeform session's) step count and duration.
type Caps struct {
	MaxSteps    int
	MaxDuration time.Duration
}

func (c Caps) normalize() Caps {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 25
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	return c
}

// PhaseCaps bundles per-phase caps for a phased session.
type PhaseCaps struct {
	Planning      Caps
	Building      Caps
	Retrospective Caps
}

// StepRecord is one logged turn, persisted into progress.json.
type StepRecord struct {
	Phase    Phase     `json:"phase"`
	Name     string    `json:"name"` // e.g. "council_execution", "plan_synthesis"
	Prompt   string    `json:"prompt"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

// Session is one UltraWork run.
type Session struct {
	ID          string    `json:"id"`
	LeadAgentID string    `json:"lead_agent_id"`
	ChannelID   string    `json:"channel_id"`
	Mode        Mode      `json:"mode"`
	Phase       Phase     `json:"phase"`
	Steps       int       `json:"steps"`      // steps in the current phase
	TotalSteps  int       `json:"total_steps"` // steps across the whole session
	StartedAt   time.Time `json:"started_at"`
	Active      bool      `json:"active"`
	BuildRetroLoop int    `json:"build_retro_loop"` // count of RETRO_INCOMPLETE re-entries into Building

	freeformCaps Caps
	phaseCaps    PhaseCaps
	maxDuration  time.Duration // whole-session cap
}

// LeadPromptFunc sends prompt to the session's lead agent and returns its
// response.
type LeadPromptFunc func(ctx context.Context, session *Session, prompt string) (string, error)

// DelegateFunc runs a DELEGATE:: directive found in a lead response through
// the Delegation Manager. Returns whether the response was a delegation.
type DelegateFunc func(ctx context.Context, leadAgentID, response string) (handled bool, err error)

// InterceptorFunc handles an interceptor block (e.g. `council_plan`) found
// in a planning response, returning the text to feed into the synthesis
// turn.
type InterceptorFunc func(ctx context.Context, block string) (string, error)

// Manager is the UltraWork Session State Manager.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	agentFor    func(agentID string) (config.AgentConfig, bool)
	prompt      LeadPromptFunc
	delegate    DelegateFunc
	interceptor InterceptorFunc
	enforcer    *continuation.Enforcer
	store       *Store
}

// NewManager builds a Manager. store may be nil to disable persistence.
func NewManager(agentFor func(string) (config.AgentConfig, bool), prompt LeadPromptFunc, delegate DelegateFunc, interceptor InterceptorFunc, enforcer *continuation.Enforcer, store *Store) *Manager {
	if enforcer == nil {
		enforcer = continuation.New(0, nil)
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		agentFor:    agentFor,
		prompt:      prompt,
		delegate:    delegate,
		interceptor: interceptor,
		enforcer:    enforcer,
		store:       store,
	}
}

// StartSession implements startSession: rejects non-tier-1 leads and
// unknown agents.
func (m *Manager) StartSession(id, leadAgentID, channelID string, mode Mode, freeformCaps Caps, phaseCaps PhaseCaps, maxDuration time.Duration) (*Session, error) {
	agent, ok := m.agentFor(leadAgentID)
	if !ok {
		return nil, fmt.Errorf("ultrawork: unknown agent %q", leadAgentID)
	}
	if agent.EffectiveTier() != config.Tier1 {
		return nil, fmt.Errorf("ultrawork: lead agent %q must be tier 1", leadAgentID)
	}

	phase := PhaseFreeform
	if mode == ModePhased {
		phase = PhasePlanning
	}
	session := &Session{
		ID:           id,
		LeadAgentID:  leadAgentID,
		ChannelID:    channelID,
		Mode:         mode,
		Phase:        phase,
		StartedAt:    time.Now(),
		Active:       true,
		freeformCaps: freeformCaps.normalize(),
		phaseCaps:    normalizePhaseCaps(phaseCaps),
		maxDuration:  maxDuration,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.SaveSession(session)
	}
	return session, nil
}

func normalizePhaseCaps(c PhaseCaps) PhaseCaps {
	c.Planning = c.Planning.normalize()
	c.Building = c.Building.normalize()
	c.Retrospective = c.Retrospective.normalize()
	return c
}

// StopSession implements stopSession: removes the active record.
func (m *Manager) StopSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// GetSession returns the session for id, if active.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ShouldContinue implements shouldContinue(session): true iff the session
// is active and neither the whole-session duration cap nor the current
// phase's step cap has been exceeded.
func (m *Manager) ShouldContinue(session *Session) bool {
	if session == nil || !session.Active {
		return false
	}
	if session.maxDuration > 0 && time.Since(session.StartedAt) > session.maxDuration {
		return false
	}
	caps := session.currentCaps()
	return session.Steps < caps.MaxSteps && time.Since(session.StartedAt) < caps.MaxDuration
}

func (s *Session) currentCaps() Caps {
	switch s.Phase {
	case PhasePlanning:
		return s.phaseCaps.Planning
	case PhaseBuilding:
		return s.phaseCaps.Building
	case PhaseRetrospective:
		return s.phaseCaps.Retrospective
	default:
		return s.freeformCaps
	}
}
