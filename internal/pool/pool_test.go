package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProc struct {
	ready   bool
	stopped bool
}

func (f *fakeProc) SendMessage(ctx context.Context, prompt string) (string, error) {
	return "ok", nil
}
func (f *fakeProc) IsReady() bool { return f.ready }
func (f *fakeProc) Stop() error   { f.stopped = true; return nil }

func newFakeFactory() (Factory, *[]*fakeProc) {
	var spawned []*fakeProc
	factory := func(agentID, channel string) (Process, error) {
		p := &fakeProc{ready: true}
		spawned = append(spawned, p)
		return p, nil
	}
	return factory, &spawned
}

func TestPool_AcquireSpawnsUpToMaxSize(t *testing.T) {
	p := New(2, time.Hour, nil)
	factory, spawned := newFakeFactory()

	p1, isNew1, err := p.GetAvailableProcess("a1", "chan", factory)
	if err != nil || !isNew1 {
		t.Fatalf("first acquire: proc=%v isNew=%v err=%v", p1, isNew1, err)
	}
	p2, isNew2, err := p.GetAvailableProcess("a1", "chan", factory)
	if err != nil || !isNew2 {
		t.Fatalf("second acquire: proc=%v isNew=%v err=%v", p2, isNew2, err)
	}
	if len(*spawned) != 2 {
		t.Fatalf("expected 2 spawned, got %d", len(*spawned))
	}

	_, _, err = p.GetAvailableProcess("a1", "chan", factory)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestPool_ReleaseThenReacquireReturnsExisting(t *testing.T) {
	p := New(1, time.Hour, nil)
	factory, spawned := newFakeFactory()

	proc, isNew, err := p.GetAvailableProcess("a1", "chan", factory)
	if err != nil || !isNew {
		t.Fatalf("acquire: %v %v %v", proc, isNew, err)
	}
	p.ReleaseProcess("a1", proc)

	reacquired, isNew2, err := p.GetAvailableProcess("a1", "chan", factory)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected reacquire to reuse released process, got isNew=true")
	}
	if reacquired != proc {
		t.Fatalf("expected same process handle returned")
	}
	if len(*spawned) != 1 {
		t.Fatalf("expected exactly 1 spawn total, got %d", len(*spawned))
	}
}

func TestPool_BusyIdleDisjointAndBounded(t *testing.T) {
	p := New(3, time.Hour, nil)
	factory, _ := newFakeFactory()

	var procs []Process
	for i := 0; i < 3; i++ {
		proc, _, err := p.GetAvailableProcess("a1", "chan", factory)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		procs = append(procs, proc)
	}

	busy, idle, maxSize := p.Stats("a1")
	if busy != 3 || idle != 0 || maxSize != 3 {
		t.Fatalf("busy=%d idle=%d max=%d, want 3/0/3", busy, idle, maxSize)
	}
	if busy+idle > maxSize {
		t.Fatalf("busy+idle=%d exceeds maxSize=%d", busy+idle, maxSize)
	}

	p.ReleaseProcess("a1", procs[0])
	busy, idle, maxSize = p.Stats("a1")
	if busy != 2 || idle != 1 {
		t.Fatalf("after release: busy=%d idle=%d, want 2/1", busy, idle)
	}
	if busy+idle > maxSize {
		t.Fatalf("busy+idle=%d exceeds maxSize=%d", busy+idle, maxSize)
	}
}

func TestPool_NotReadyIdleProcessIsSkipped(t *testing.T) {
	p := New(1, time.Hour, nil)
	stale := &fakeProc{ready: false}
	factory := func(agentID, channel string) (Process, error) { return stale, nil }

	proc, _, err := p.GetAvailableProcess("a1", "chan", factory)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.ReleaseProcess("a1", proc)
	stale.ready = false

	_, _, err = p.GetAvailableProcess("a1", "chan", factory)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull since idle process is not ready and pool is at max, got %v", err)
	}
}

func TestPool_CleanupIdleProcessesStopsOnlyStaleIdle(t *testing.T) {
	p := New(2, 10*time.Millisecond, nil)
	factory, _ := newFakeFactory()

	proc1, _, _ := p.GetAvailableProcess("a1", "chan", factory)
	proc2, _, _ := p.GetAvailableProcess("a1", "chan", factory)
	p.ReleaseProcess("a1", proc1)
	// proc2 stays busy

	time.Sleep(20 * time.Millisecond)
	removed := p.CleanupIdleProcesses()
	if removed != 1 {
		t.Fatalf("expected 1 idle process cleaned up, got %d", removed)
	}
	if !proc1.(*fakeProc).stopped {
		t.Fatalf("expected idle proc1 to be stopped")
	}
	if proc2.(*fakeProc).stopped {
		t.Fatalf("busy proc2 must not be stopped")
	}
}

func TestPool_StopAgentStopsBusyAndIdle(t *testing.T) {
	p := New(2, time.Hour, nil)
	factory, _ := newFakeFactory()

	proc1, _, _ := p.GetAvailableProcess("a1", "chan", factory)
	proc2, _, _ := p.GetAvailableProcess("a1", "chan", factory)
	p.ReleaseProcess("a1", proc1)

	p.StopAgent("a1")
	if !proc1.(*fakeProc).stopped || !proc2.(*fakeProc).stopped {
		t.Fatalf("expected both processes stopped")
	}
	busy, idle, _ := p.Stats("a1")
	if busy != 0 || idle != 0 {
		t.Fatalf("expected pool empty after StopAgent, got busy=%d idle=%d", busy, idle)
	}
}

func TestPool_PerAgentSizeOverride(t *testing.T) {
	p := New(1, time.Hour, func(agentID string) int {
		if agentID == "big" {
			return 4
		}
		return 0
	})
	factory, _ := newFakeFactory()

	_, _, smallMax := p.Stats("small")
	if smallMax != 1 {
		t.Fatalf("expected default size 1 for unconfigured agent, got %d", smallMax)
	}

	for i := 0; i < 4; i++ {
		if _, _, err := p.GetAvailableProcess("big", "chan", factory); err != nil {
			t.Fatalf("acquire %d for big agent: %v", i, err)
		}
	}
	_, idle, maxSize := p.Stats("big")
	_ = idle
	if maxSize != 4 {
		t.Fatalf("expected override size 4, got %d", maxSize)
	}
}
