package continuation

import (
	"strings"
	"testing"
)

func TestAnalyzeResponse_CompletionMarker(t *testing.T) {
	e := New(3, nil)
	a := e.AnalyzeResponse("lead", "c1", "all set. DONE")
	if !a.IsComplete || a.Reason != ReasonCompletionMarker {
		t.Fatalf("got %+v", a)
	}
}

func TestAnalyzeResponse_SymbolicAndKoreanMarkers(t *testing.T) {
	e := New(3, nil)
	if a := e.AnalyzeResponse("lead", "c1", "shipped ✅"); !a.IsComplete {
		t.Fatalf("expected symbolic marker to complete: %+v", a)
	}
	if a := e.AnalyzeResponse("lead", "c1", "작업 완료"); !a.IsComplete {
		t.Fatalf("expected korean marker to complete: %+v", a)
	}
}

func TestAnalyzeResponse_CustomMarker(t *testing.T) {
	e := New(3, []string{"SHIPPED"})
	a := e.AnalyzeResponse("lead", "c1", "it is SHIPPED now")
	if !a.IsComplete || a.Reason != ReasonCompletionMarker {
		t.Fatalf("got %+v", a)
	}
}

func TestAnalyzeResponse_IncompletePattern(t *testing.T) {
	e := New(3, nil)
	a := e.AnalyzeResponse("lead", "c1", "I'll continue in the next message")
	if a.IsComplete || a.Reason != ReasonIncomplete || a.Attempt != 1 {
		t.Fatalf("got %+v", a)
	}
}

func TestAnalyzeResponse_TruncationHeuristic(t *testing.T) {
	e := New(3, nil)
	body := strings.Repeat("a", 1800) // no trailing sentence terminator
	a := e.AnalyzeResponse("lead", "c1", body)
	if a.IsComplete {
		t.Fatalf("expected near-1800-char unterminated response flagged incomplete: %+v", a)
	}
}

func TestAnalyzeResponse_MaxRetriesReached(t *testing.T) {
	e := New(2, nil)
	e.AnalyzeResponse("lead", "c1", "let me continue")
	a := e.AnalyzeResponse("lead", "c1", "let me continue")
	if !a.MaxRetriesReached {
		t.Fatalf("expected max retries reached at attempt 2, got %+v", a)
	}
}

func TestAnalyzeResponse_AgentChangeResetsCounter(t *testing.T) {
	e := New(3, nil)
	e.AnalyzeResponse("lead", "c1", "let me continue")
	e.AnalyzeResponse("lead", "c1", "let me continue")
	a := e.AnalyzeResponse("coder", "c1", "let me continue")
	if a.Attempt != 1 {
		t.Fatalf("expected counter reset on agent change, got attempt=%d", a.Attempt)
	}
}

func TestAnalyzeResponse_NormalResponseResetsCounter(t *testing.T) {
	e := New(3, nil)
	e.AnalyzeResponse("lead", "c1", "let me continue")
	a := e.AnalyzeResponse("lead", "c1", "all good here.")
	if !a.IsComplete || a.Reason != ReasonNormal {
		t.Fatalf("got %+v", a)
	}
	next := e.AnalyzeResponse("lead", "c1", "let me continue")
	if next.Attempt != 1 {
		t.Fatalf("expected counter reset after normal response, got attempt=%d", next.Attempt)
	}
}

func TestBuildContinuationPrompt_TailsLast200Chars(t *testing.T) {
	previous := strings.Repeat("x", 500)
	prompt := BuildContinuationPrompt(previous)
	if !strings.Contains(prompt, "Continue from where you left off") {
		t.Fatalf("missing continuation instruction: %q", prompt)
	}
	if !strings.Contains(prompt, "DONE") {
		t.Fatalf("missing DONE reminder: %q", prompt)
	}
}
