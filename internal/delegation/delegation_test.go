package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
)

func testAgents() []config.AgentConfig {
	return []config.AgentConfig{
		{AgentID: "lead", DisplayName: "Lead", Tier: config.Tier1, CanDelegate: true},
		{AgentID: "coder", DisplayName: "Coder", Tier: config.Tier2},
		{AgentID: "retired", DisplayName: "Retired", Tier: config.Tier2, Disabled: true},
	}
}

func TestParseDelegation_Found(t *testing.T) {
	req, ok := ParseDelegation("lead", "some preamble DELEGATE::coder::fix the bug in parser.go")
	if !ok {
		t.Fatalf("expected delegation to parse")
	}
	if req.ToAgentID != "coder" || req.Task != "fix the bug in parser.go" {
		t.Fatalf("got %+v", req)
	}
	if req.OriginalContent != "some preamble" {
		t.Fatalf("original content = %q", req.OriginalContent)
	}
}

func TestParseDelegation_NotFound(t *testing.T) {
	_, ok := ParseDelegation("lead", "just a normal response")
	if ok {
		t.Fatalf("expected no delegation parsed")
	}
}

func TestIsDelegationAllowed_RequiresCanDelegate(t *testing.T) {
	m := NewManager(testAgents())
	allowed, reason := m.IsDelegationAllowed("coder", "lead")
	if allowed {
		t.Fatalf("coder must not be able to delegate, reason=%q", reason)
	}
}

func TestIsDelegationAllowed_ForbidsSelfDelegation(t *testing.T) {
	m := NewManager(testAgents())
	allowed, _ := m.IsDelegationAllowed("lead", "lead")
	if allowed {
		t.Fatalf("self-delegation must be forbidden")
	}
}

func TestIsDelegationAllowed_ForbidsDisabledTarget(t *testing.T) {
	m := NewManager(testAgents())
	allowed, _ := m.IsDelegationAllowed("lead", "retired")
	if allowed {
		t.Fatalf("delegation to disabled agent must be forbidden")
	}
}

func TestIsDelegationAllowed_ForbidsReverseCycle(t *testing.T) {
	m := NewManager(testAgents())
	m.agents["coder"] = config.AgentConfig{AgentID: "coder", Tier: config.Tier1, CanDelegate: true}

	block := make(chan struct{})
	done := make(chan Result, 1)
	go func() {
		res := m.ExecuteDelegation(context.Background(), Request{FromAgentID: "lead", ToAgentID: "coder", Task: "t1"},
			func(ctx context.Context, to, prompt string) (string, time.Duration, error) {
				<-block
				return "ok", time.Millisecond, nil
			}, nil)
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	allowed, reason := m.IsDelegationAllowed("coder", "lead")
	if allowed {
		t.Fatalf("expected reverse delegation blocked, got allowed (reason=%q)", reason)
	}
	close(block)
	<-done
}

func TestExecuteDelegation_ReleasesOnSuccess(t *testing.T) {
	m := NewManager(testAgents())
	var notified string
	res := m.ExecuteDelegation(context.Background(), Request{FromAgentID: "lead", ToAgentID: "coder", Task: "fix it"},
		func(ctx context.Context, to, prompt string) (string, time.Duration, error) {
			return "done", 5 * time.Millisecond, nil
		},
		func(from, to, msg string) { notified = msg },
	)
	if !res.Success || res.Response != "done" {
		t.Fatalf("got %+v", res)
	}
	if notified == "" {
		t.Fatalf("expected notify callback invoked")
	}
	if m.GetActiveDelegationCount() != 0 {
		t.Fatalf("expected active count 0 after completion, got %d", m.GetActiveDelegationCount())
	}
}

func TestExecuteDelegation_ReleasesOnError(t *testing.T) {
	m := NewManager(testAgents())
	res := m.ExecuteDelegation(context.Background(), Request{FromAgentID: "lead", ToAgentID: "coder", Task: "fix it"},
		func(ctx context.Context, to, prompt string) (string, time.Duration, error) {
			return "", 0, context.DeadlineExceeded
		}, nil)
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if m.GetActiveDelegationCount() != 0 {
		t.Fatalf("expected active count 0 after failed completion, got %d", m.GetActiveDelegationCount())
	}
}

func TestUpdateAgents_ReplacesRegistry(t *testing.T) {
	m := NewManager(testAgents())
	m.UpdateAgents([]config.AgentConfig{{AgentID: "new", Tier: config.Tier1, CanDelegate: true}})
	if _, ok := m.agent("lead"); ok {
		t.Fatalf("expected old agent registry replaced")
	}
	if _, ok := m.agent("new"); !ok {
		t.Fatalf("expected new agent present after update")
	}
}
