package invocation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefresher_SchedulesAndRunsTasks(t *testing.T) {
	r := NewRefresher(2, 1000, 100, time.Second)
	t.Cleanup(r.Shutdown)

	var ran int32
	done := make(chan struct{})
	ok := r.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
		close(done)
	})
	if !ok {
		t.Fatal("Schedule returned false")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run in time")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
}

func TestRefresher_QueueFullDropsTask(t *testing.T) {
	r := &Refresher{
		tasks:    make(chan RefreshTask), // unbuffered, no workers draining it
		stopChan: make(chan struct{}),
	}
	ok := r.Schedule(func(ctx context.Context) {})
	if ok {
		t.Error("expected Schedule to report false when the queue has no room and no consumer")
	}
}

func TestRefresher_RateLimiterThrottles(t *testing.T) {
	r := NewRefresher(1, 5, 1, time.Second) // 5/s, burst 1
	t.Cleanup(r.Shutdown)

	const n = 3
	var count int32
	start := time.Now()
	for i := 0; i < n; i++ {
		done := make(chan struct{})
		r.Schedule(func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
			close(done)
		})
		<-done
	}
	elapsed := time.Since(start)
	if atomic.LoadInt32(&count) != n {
		t.Fatalf("count = %d, want %d", count, n)
	}
	// At 5/s with burst 1, 3 sequential tasks take at least ~(n-1)/5s.
	if elapsed < 300*time.Millisecond {
		t.Errorf("elapsed = %v, expected rate limiting to introduce delay", elapsed)
	}
}

func TestRefresher_QueueDepth(t *testing.T) {
	r := &Refresher{tasks: make(chan RefreshTask, 5), stopChan: make(chan struct{})}
	r.tasks <- func(ctx context.Context) {}
	r.tasks <- func(ctx context.Context) {}
	if r.QueueDepth() != 2 {
		t.Errorf("QueueDepth() = %d, want 2", r.QueueDepth())
	}
}
