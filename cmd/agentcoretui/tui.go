// Command agentcoretui is an operator console over the orchestration
// core's running state: lane depths, pool occupancy, swarm wave progress,
// workflow executions, and ultrawork sessions. Grounded in the teacher's
// internal/tui/tui.go model/StatusProvider shape, restyled with lipgloss
// (the teacher renders plain fmt.Sprintf; this pack also carries
// charmbracelet/lipgloss, so the operator console uses it for layout).
package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one point-in-time read of core state, assembled by the host
// process (cmd/agentcore) from the lane, pool, swarm, workflow, and
// ultrawork packages.
type Snapshot struct {
	LaneDepths     map[string]int
	PoolActive     int
	PoolIdle       int
	SwarmSessions  int
	SwarmPending   int
	SwarmClaimed   int
	SwarmFailed    int
	WorkflowsLive  int
	UltraworkLive  int
	DelegationDeny int
	LastError      string
	LastEvent      string
	Uptime         time.Duration
}

// StatusProvider produces the current Snapshot on demand.
type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footStyle  = lipgloss.NewStyle().Faint(true)
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func row(label string, value any) string {
	return labelStyle.Render(fmt.Sprintf("%-18s", label)) + valueStyle.Render(fmt.Sprintf("%v", value))
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}

	var lanes string
	if len(m.snap.LaneDepths) == 0 {
		lanes = "(no lanes)"
	}
	for name, depth := range m.snap.LaneDepths {
		lanes += fmt.Sprintf("\n  %s: %d", name, depth)
	}

	lines := []string{
		titleStyle.Render("agentcore operator console"),
		"",
		row("Pool active/idle", fmt.Sprintf("%d/%d", m.snap.PoolActive, m.snap.PoolIdle)),
		row("Swarm sessions", m.snap.SwarmSessions),
		row("Swarm pending", m.snap.SwarmPending),
		row("Swarm claimed", m.snap.SwarmClaimed),
		row("Swarm failed", m.snap.SwarmFailed),
		row("Workflows live", m.snap.WorkflowsLive),
		row("Ultrawork live", m.snap.UltraworkLive),
		row("Delegation denies", m.snap.DelegationDeny),
		row("Uptime", m.snap.Uptime.Truncate(time.Second)),
		labelStyle.Render("Lanes:") + lanes,
		"",
	}
	if m.snap.LastError != "" {
		lines = append(lines, errStyle.Render("Last error: "+lastErr))
	} else {
		lines = append(lines, row("Last error", lastErr))
	}
	lines = append(lines, row("Last event", lastEvent))
	lines = append(lines, "", footStyle.Render("press q to quit"))

	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

// Run starts the operator console and blocks until ctx is cancelled or the
// program exits.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
