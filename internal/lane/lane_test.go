package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_FIFOWithinLane(t *testing.T) {
	m := New(1, 0, nil)
	var mu sync.Mutex
	var order []int

	var futures []*Future
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, m.Enqueue("k", func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, nil))
	}

	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (FIFO violated): %v", i, v, i, order)
		}
	}
}

func TestManager_BoundedConcurrency(t *testing.T) {
	m := New(2, 0, nil)
	var active int32
	var maxSeen int32
	var futures []*Future
	start := make(chan struct{})

	for i := 0; i < 6; i++ {
		futures = append(futures, m.Enqueue("bounded", func(ctx context.Context) (any, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-start
			atomic.AddInt32(&active, -1)
			return nil, nil
		}, nil))
	}

	time.Sleep(50 * time.Millisecond)
	close(start)
	for _, f := range futures {
		f.Wait(context.Background())
	}
	if maxSeen > 2 {
		t.Fatalf("max concurrent active = %d, want <= 2", maxSeen)
	}
}

func TestManager_ClearLaneRejectsQueued(t *testing.T) {
	m := New(1, 0, nil)
	block := make(chan struct{})
	first := m.Enqueue("k", func(ctx context.Context) (any, error) {
		<-block
		return "first", nil
	}, nil)

	queued := m.Enqueue("k", func(ctx context.Context) (any, error) {
		return "second", nil
	}, nil)

	// give the first task a moment to become active
	time.Sleep(20 * time.Millisecond)

	removed := m.ClearLane("k")
	if removed != 1 {
		t.Fatalf("ClearLane removed %d, want 1", removed)
	}

	_, err := queued.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected ErrLaneCleared for queued task")
	}

	close(block)
	result, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("active task should run to completion: %v", err)
	}
	if result != "first" {
		t.Fatalf("result = %v, want first", result)
	}
}

func TestNormalizeSessionLane(t *testing.T) {
	tests := map[string]string{
		"":               "session:main",
		"abc":            "session:abc",
		"session:abc":    "session:abc",
		"session:main":   "session:main",
	}
	for in, want := range tests {
		if got := NormalizeSessionLane(in); got != want {
			t.Errorf("NormalizeSessionLane(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManager_EnqueueWithSession_TwoStage(t *testing.T) {
	m := New(1, 0, nil)
	var mu sync.Mutex
	var order []string

	var futures []*Future
	for _, key := range []string{"sessA", "sessB", "sessA"} {
		key := key
		futures = append(futures, m.EnqueueWithSession(key, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return key, nil
		}, nil))
	}

	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 completions, got %d: %v", len(order), order)
	}
}

func TestManager_OnWaitFiresOnceOverThreshold(t *testing.T) {
	m := New(1, 10*time.Millisecond, nil)
	block := make(chan struct{})
	m.Enqueue("k", func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}, nil)

	var fired int32
	queued := m.Enqueue("k", func(ctx context.Context) (any, error) {
		return nil, nil
	}, func(waitedMs int64) {
		atomic.AddInt32(&fired, 1)
	})

	time.Sleep(30 * time.Millisecond)
	close(block)
	queued.Wait(context.Background())

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("onWait fired %d times, want 1", fired)
	}
}
