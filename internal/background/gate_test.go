package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g := New(context.Background(), cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Drain(ctx)
	})
	return g
}

func TestGate_SpawnRuns(t *testing.T) {
	g := testGate(t, Config{MaxConcurrent: 2})

	done := make(chan struct{})
	ok := g.Spawn("test", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if !ok {
		t.Fatal("Spawn returned false")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestGate_SpawnRejectsWhenFull(t *testing.T) {
	g := testGate(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	if !g.Spawn("blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}) {
		t.Fatal("first Spawn rejected")
	}
	<-started

	if g.Spawn("overflow", func(ctx context.Context) error { return nil }) {
		t.Error("Spawn accepted beyond MaxConcurrent")
	}
	close(release)
}

func TestGate_SpawnRejectsAfterDrain(t *testing.T) {
	g := New(context.Background(), Config{MaxConcurrent: 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if g.Spawn("late", func(ctx context.Context) error { return nil }) {
		t.Error("Spawn accepted after Drain")
	}
}

func TestGate_PanicContained(t *testing.T) {
	g := testGate(t, Config{MaxConcurrent: 2})

	panicked := make(chan struct{})
	g.Spawn("panics", func(ctx context.Context) error {
		defer close(panicked)
		panic("boom")
	})
	<-panicked

	// The slot must be released after a panic.
	done := make(chan struct{})
	ok := g.Spawn("after", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if !ok {
		t.Fatal("Spawn rejected after panic")
	}
	<-done
}

func TestGate_TaskTimeout(t *testing.T) {
	g := testGate(t, Config{MaxConcurrent: 1, TaskTimeout: 10 * time.Millisecond})

	got := make(chan error, 1)
	g.Spawn("slow", func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx.Err() = %v, want DeadlineExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task context never expired")
	}
}

func TestGate_DrainWaitsForTasks(t *testing.T) {
	g := New(context.Background(), Config{MaxConcurrent: 4}, nil)

	var mu sync.Mutex
	finished := 0
	for i := 0; i < 3; i++ {
		g.Spawn("worker", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			finished++
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if finished != 3 {
		t.Errorf("finished = %d, want 3", finished)
	}
}

func TestGate_DrainTimesOut(t *testing.T) {
	g := New(context.Background(), Config{MaxConcurrent: 1, TaskTimeout: time.Minute}, nil)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	g.Spawn("stuck", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain err = %v, want DeadlineExceeded", err)
	}
}
