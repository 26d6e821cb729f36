package httpcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRevalidator_SchedulesAndRunsTask(t *testing.T) {
	r := NewRevalidator(2, 1000, 100, time.Second)
	t.Cleanup(r.Shutdown)

	done := make(chan struct{})
	var ran int32
	if !r.Schedule(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
		close(done)
	}) {
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

func TestRevalidator_QueueFullDropsTask(t *testing.T) {
	r := &Revalidator{tasks: make(chan revalidateTask), stopChan: make(chan struct{})}
	if r.Schedule(func(ctx context.Context) {}) {
		t.Error("expected Schedule to report false with no consumer draining the queue")
	}
}

func TestRevalidator_QueueDepth(t *testing.T) {
	r := &Revalidator{tasks: make(chan revalidateTask, 4), stopChan: make(chan struct{})}
	r.tasks <- func(ctx context.Context) {}
	if r.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", r.QueueDepth())
	}
}
