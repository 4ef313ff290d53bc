package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerRunsJobOnce(t *testing.T) {
	s := New()
	var runs int64
	s.Register("sweep", time.Hour, func() { atomic.AddInt64(&runs, 1) })

	if !s.Trigger("sweep") {
		t.Fatal("expected registered job to be triggerable")
	}
	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
	if got := s.RunCount("sweep"); got != 1 {
		t.Errorf("expected run count 1, got %d", got)
	}

	if s.Trigger("no-such-job") {
		t.Error("expected unknown job name to return false")
	}
}

func TestStartAndStop(t *testing.T) {
	s := New()
	var runs int64
	s.Register("tick", 5*time.Millisecond, func() { atomic.AddInt64(&runs, 1) })

	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("expected scheduler running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&runs) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&runs); got < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", got)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("expected scheduler stopped")
	}

	// No further runs after Stop.
	settled := atomic.LoadInt64(&runs)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != settled {
		t.Errorf("expected no ticks after Stop, got %d extra", got-settled)
	}

	// Stop is idempotent.
	s.Stop()
}

func TestContextCancellationStopsJobs(t *testing.T) {
	s := New()
	var runs int64
	s.Register("tick", 5*time.Millisecond, func() { atomic.AddInt64(&runs, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	time.Sleep(30 * time.Millisecond)
	settled := atomic.LoadInt64(&runs)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != settled {
		t.Errorf("expected no ticks after cancellation, got %d extra", got-settled)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := New()
	s.Register("tick", time.Hour, func() {})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op, not a second goroutine set
	s.Stop()
}
