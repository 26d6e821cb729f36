package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects metrics in lock-free or minimal-lock structures: atomic
// counters for the high-frequency outcome events, a lock-free ring buffer
// for latency samples, and a time-bucketed series for windowed queries.
type Collector struct {
	cacheHits             atomic.Int64
	cacheMisses           atomic.Int64
	cacheRefreshAheads    atomic.Int64
	cacheStampedeBlocked  atomic.Int64
	cacheErrors           atomic.Int64

	httpHits         atomic.Int64
	httpMisses       atomic.Int64
	httpStale        atomic.Int64
	httpRevalidated  atomic.Int64
	httpBypassed     atomic.Int64
	httpErrors       atomic.Int64

	latencyBuffer *RingBuffer
	timeSeries    *TimeSeries

	retention time.Duration
}

// NewCollector creates a Collector retaining raw samples for retention.
func NewCollector(retention time.Duration) *Collector {
	return &Collector{
		latencyBuffer: NewRingBuffer(10000),
		timeSeries:    NewTimeSeries(retention),
		retention:     retention,
	}
}

// Record implements Provider.
func (c *Collector) Record(event Event) {
	switch event.Type {
	case EventCacheHit:
		c.cacheHits.Add(1)
	case EventCacheMiss:
		c.cacheMisses.Add(1)
	case EventCacheRefreshAhead:
		c.cacheRefreshAheads.Add(1)
	case EventCacheStampedeBlocked:
		c.cacheStampedeBlocked.Add(1)
	case EventCacheError:
		c.cacheErrors.Add(1)
	case EventCacheLatency, EventHTTPLatency:
		c.latencyBuffer.Add(event.Value, event.Timestamp)
	case EventHTTPHit:
		c.httpHits.Add(1)
	case EventHTTPMiss:
		c.httpMisses.Add(1)
	case EventHTTPStale:
		c.httpStale.Add(1)
	case EventHTTPRevalidated:
		c.httpRevalidated.Add(1)
	case EventHTTPBypass:
		c.httpBypassed.Add(1)
	case EventHTTPError:
		c.httpErrors.Add(1)
	}

	c.timeSeries.Add(event)
}

// Counters holds current counter values.
type Counters struct {
	CacheHits             int64
	CacheMisses           int64
	CacheRefreshAheads    int64
	CacheStampedeBlocked  int64
	CacheErrors           int64
	HTTPHits              int64
	HTTPMisses            int64
	HTTPStale             int64
	HTTPRevalidated       int64
	HTTPBypassed          int64
	HTTPErrors            int64
}

func (c *Collector) GetCounters() Counters {
	return Counters{
		CacheHits:            c.cacheHits.Load(),
		CacheMisses:          c.cacheMisses.Load(),
		CacheRefreshAheads:   c.cacheRefreshAheads.Load(),
		CacheStampedeBlocked: c.cacheStampedeBlocked.Load(),
		CacheErrors:          c.cacheErrors.Load(),
		HTTPHits:             c.httpHits.Load(),
		HTTPMisses:           c.httpMisses.Load(),
		HTTPStale:            c.httpStale.Load(),
		HTTPRevalidated:      c.httpRevalidated.Load(),
		HTTPBypassed:         c.httpBypassed.Load(),
		HTTPErrors:           c.httpErrors.Load(),
	}
}

// LatencyStats holds latency percentile statistics.
type LatencyStats struct {
	Min, Max, Avg          float64
	P50, P90, P95, P99     float64
	Count                  int
}

func (c *Collector) GetLatencyStats() LatencyStats {
	samples := c.latencyBuffer.GetAll()
	if len(samples) == 0 {
		return LatencyStats{}
	}
	return calculateLatencyStats(samples)
}

// RingBuffer is a lock-free circular buffer of latency samples. Occasional
// sample loss under extreme contention is an accepted trade-off for a
// monitoring sink.
type RingBuffer struct {
	buffer []Sample
	head   atomic.Uint64
	tail   atomic.Uint64
	size   uint64
	mu     sync.RWMutex // guards GetAll only
}

type Sample struct {
	Value     float64
	Timestamp time.Time
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buffer: make([]Sample, size), size: uint64(size)}
}

func (rb *RingBuffer) Add(value float64, timestamp time.Time) {
	for {
		head := rb.head.Load()
		nextHead := (head + 1) % rb.size
		if rb.head.CompareAndSwap(head, nextHead) {
			rb.buffer[head] = Sample{Value: value, Timestamp: timestamp}
			// A full buffer drops its oldest sample.
			tail := rb.tail.Load()
			if nextHead == tail {
				rb.tail.CompareAndSwap(tail, (tail+1)%rb.size)
			}
			return
		}
	}
}

func (rb *RingBuffer) GetAll() []Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	head := rb.head.Load()
	tail := rb.tail.Load()
	if head == tail {
		return []Sample{}
	}

	size := (head - tail) % rb.size
	if size == 0 {
		size = rb.size
	}

	result := make([]Sample, 0, size)
	for i := tail; i != head; i = (i + 1) % rb.size {
		result = append(result, rb.buffer[i])
	}
	return result
}

func (rb *RingBuffer) GetRecent(duration time.Duration) []Sample {
	all := rb.GetAll()
	cutoff := time.Now().Add(-duration)
	result := make([]Sample, 0)
	for _, s := range all {
		if s.Timestamp.After(cutoff) {
			result = append(result, s)
		}
	}
	return result
}

func calculateLatencyStats(samples []Sample) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	values := make([]float64, len(samples))
	sum := 0.0
	min := math.MaxFloat64
	max := 0.0
	for i, s := range samples {
		values[i] = s.Value
		sum += s.Value
		if s.Value < min {
			min = s.Value
		}
		if s.Value > max {
			max = s.Value
		}
	}
	sort.Float64s(values)

	return LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P90:   percentile(values, 0.90),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		Count: len(values),
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	index := p * float64(len(values)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return values[lower]
	}
	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// TimeSeries buckets events at 1-second granularity for windowed queries,
// sweeping buckets older than retention every minute.
type TimeSeries struct {
	mu          sync.RWMutex
	buckets     map[int64]*Bucket
	retention   time.Duration
	lastCleanup time.Time
}

// Bucket holds events and derived aggregates for a 1-second window.
type Bucket struct {
	Timestamp time.Time
	CacheHits int64
	CacheMisses int64
	HTTPHits  int64
	HTTPMisses int64
	Errors    int64
	Latencies []float64
}

func NewTimeSeries(retention time.Duration) *TimeSeries {
	return &TimeSeries{buckets: make(map[int64]*Bucket), retention: retention, lastCleanup: time.Now()}
}

func (ts *TimeSeries) Add(event Event) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	bucketKey := event.Timestamp.Unix()
	bucket, ok := ts.buckets[bucketKey]
	if !ok {
		bucket = &Bucket{Timestamp: time.Unix(bucketKey, 0), Latencies: make([]float64, 0)}
		ts.buckets[bucketKey] = bucket
	}

	switch event.Type {
	case EventCacheHit:
		bucket.CacheHits++
	case EventCacheMiss:
		bucket.CacheMisses++
	case EventHTTPHit, EventHTTPRevalidated:
		bucket.HTTPHits++
	case EventHTTPMiss:
		bucket.HTTPMisses++
	case EventCacheError, EventHTTPError:
		bucket.Errors++
	case EventCacheLatency, EventHTTPLatency:
		bucket.Latencies = append(bucket.Latencies, event.Value)
	}

	if time.Since(ts.lastCleanup) > time.Minute {
		ts.cleanup()
		ts.lastCleanup = time.Now()
	}
}

func (ts *TimeSeries) GetRange(start, end time.Time) []*Bucket {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	result := make([]*Bucket, 0)
	startKey, endKey := start.Unix(), end.Unix()
	for key, bucket := range ts.buckets {
		if key >= startKey && key <= endKey {
			result = append(result, bucket)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result
}

func (ts *TimeSeries) cleanup() {
	cutoff := time.Now().Add(-ts.retention).Unix()
	for key := range ts.buckets {
		if key < cutoff {
			delete(ts.buckets, key)
		}
	}
}
