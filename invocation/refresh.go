package invocation

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RefreshTask is one scheduled RefreshAhead background execution: a closure
// capturing its own key, factory, and write-back so Refresher itself never
// needs to know about InvocationCore's generic value types.
type RefreshTask func(ctx context.Context)

// Refresher runs RefreshAhead tasks on a small worker pool throttled by a
// rate.Limiter, so a burst of near-simultaneous expirations cannot overrun
// the origin the way an unthrottled goroutine-per-refresh approach would.
type Refresher struct {
	tasks   chan RefreshTask
	limiter *rate.Limiter
	timeout time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRefresher starts workers goroutines draining a bounded task queue. All
// workers share one golang.org/x/time/rate limiter of ratePerSecond (burst
// permits), so the pool as a whole is throttled to that rate.
// taskTimeout bounds each individual factory execution.
func NewRefresher(workers int, ratePerSecond float64, burst int, taskTimeout time.Duration) *Refresher {
	if workers <= 0 {
		workers = 4
	}
	if burst <= 0 {
		burst = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	r := &Refresher{
		tasks:    make(chan RefreshTask, 1000),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		timeout:  taskTimeout,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.runWorker()
	}
	return r
}

func (r *Refresher) runWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		case task := <-r.tasks:
			r.execute(task)
		}
	}
}

func (r *Refresher) execute(task RefreshTask) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		log.Printf(`{"level":"warn","component":"refresher","msg":"rate limiter wait failed, dropping refresh","error":%q}`, err)
		return
	}
	task(ctx)
}

// Schedule enqueues task without blocking. It returns false, logging the
// drop, if the queue is full — a lost refresh-ahead execution degrades to
// serving the stale value until the next natural miss, never an error the
// caller sees.
func (r *Refresher) Schedule(task RefreshTask) bool {
	select {
	case r.tasks <- task:
		return true
	default:
		log.Printf(`{"level":"warn","component":"refresher","msg":"refresh queue full, dropping task"}`)
		return false
	}
}

// QueueDepth reports the number of tasks currently queued, for diagnostics.
func (r *Refresher) QueueDepth() int { return len(r.tasks) }

// Shutdown stops all workers and waits for in-flight tasks to finish.
func (r *Refresher) Shutdown() {
	close(r.stopChan)
	r.wg.Wait()
}
