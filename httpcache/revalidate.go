package httpcache

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// revalidateTask is a unit of background revalidation work.
type revalidateTask func(ctx context.Context)

// Revalidator runs stale-while-revalidate refreshes off the request path,
// throttled against the origin the same way invocation.Refresher throttles
// refresh-ahead work: with a golang.org/x/time/rate limiter rather than a
// hand-rolled ticker.
type Revalidator struct {
	tasks    chan revalidateTask
	limiter  *rate.Limiter
	timeout  time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRevalidator starts a Revalidator with the given worker count, origin
// rate limit (requests/second, burst), and per-task timeout. Non-positive
// workers, burst and timeout fall back to 2 workers, a burst of 1 and 30s;
// ratePerSecond is used as given.
func NewRevalidator(workers int, ratePerSecond float64, burst int, timeout time.Duration) *Revalidator {
	if workers <= 0 {
		workers = 2
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Revalidator{
		tasks:    make(chan revalidateTask, 256),
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		timeout:  timeout,
		stopChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.runWorker()
	}
	return r
}

func (r *Revalidator) runWorker() {
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

func (r *Revalidator) execute(task revalidateTask) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	task(ctx)
}

// Schedule enqueues task without blocking. It returns false and drops the
// task if the queue is full.
func (r *Revalidator) Schedule(task revalidateTask) bool {
	select {
	case r.tasks <- task:
		return true
	default:
		log.Printf(`{"level":"warn","component":"httpcache","msg":"revalidation queue full, dropping task"}`)
		return false
	}
}

// QueueDepth reports the number of tasks currently waiting.
func (r *Revalidator) QueueDepth() int { return len(r.tasks) }

// Shutdown stops all workers and waits for in-flight tasks to finish.
func (r *Revalidator) Shutdown() {
	close(r.stopChan)
	r.wg.Wait()
}
