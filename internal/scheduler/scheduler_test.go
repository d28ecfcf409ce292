package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsTasksUntilShutdown(t *testing.T) {
	var fast, failing atomic.Int32
	s := New(nil,
		Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("boom")
		}},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error {
			t.Error("disabled task must not run")
			return nil
		}},
	)
	if got := s.Tasks(); len(got) != 2 {
		t.Fatalf("Tasks: got %v, want two enabled tasks", got)
	}

	s.Start()
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for (fast.Load() < 3 || failing.Load() < 3) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Shutdown()

	if fast.Load() < 3 {
		t.Errorf("fast task ran %d times, want at least 3", fast.Load())
	}
	if failing.Load() < 3 {
		t.Errorf("a failing task must keep being scheduled, ran %d times", failing.Load())
	}

	after := fast.Load()
	time.Sleep(20 * time.Millisecond)
	if fast.Load() != after {
		t.Error("task ran after Shutdown")
	}
}

func TestSchedulerShutdownCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool
	s := New(nil, Task{Name: "slow", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Start()
	<-started

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not cancel the running task")
	}
}

func TestSchedulerRunNow(t *testing.T) {
	var order []string
	s := New(nil,
		Task{Name: "a", Interval: time.Hour, Run: func(context.Context) error { order = append(order, "a"); return nil }},
		Task{Name: "b", Interval: time.Hour, Run: func(context.Context) error { order = append(order, "b"); return errors.New("nope") }},
		Task{Name: "c", Interval: time.Hour, Run: func(context.Context) error { order = append(order, "c"); return nil }},
	)
	err := s.RunNow(context.Background())
	if err == nil || err.Error() != "b: nope" {
		t.Fatalf("RunNow: got %v", err)
	}
	if len(order) != 2 {
		t.Errorf("RunNow should stop at the first failure, ran %v", order)
	}

	// Shutdown without Start is safe.
	s.Shutdown()
}
