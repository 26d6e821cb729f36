package httpcache

import (
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/models"
)

// latencyRingSize bounds the response-time sample ring HttpCacheMetrics
// reconciles into exact percentiles (§4.M: "a bounded ring of the last
// ~1000 samples").
const latencyRingSize = 1000

// HttpCacheMetrics tracks outcome counters and response latency for a
// Transport. Counters are lock-free atomics; the latency ring and the
// status/method breakdowns share a small mutex, mirroring
// pkg/models.LatencySummary's O(1) running update reconciled against an
// exact CalculateLatencySummary pass.
type HttpCacheMetrics struct {
	hits, misses, staleServed, revalidated, bypassed, errors atomic.Int64

	mu       sync.Mutex
	byStatus map[int]int64
	byMethod map[string]int64
	ring     [latencyRingSize]time.Duration
	ringNext int
	ringLen  int
	running  models.LatencySummary
}

// NewMetrics constructs an empty HttpCacheMetrics.
func NewMetrics() *HttpCacheMetrics {
	return &HttpCacheMetrics{
		byStatus: make(map[int]int64),
		byMethod: make(map[string]int64),
	}
}

func (m *HttpCacheMetrics) RecordHit()        { m.hits.Add(1) }
func (m *HttpCacheMetrics) RecordMiss()       { m.misses.Add(1) }
func (m *HttpCacheMetrics) RecordStale()      { m.staleServed.Add(1) }
func (m *HttpCacheMetrics) RecordRevalidated() { m.revalidated.Add(1) }
func (m *HttpCacheMetrics) RecordBypass()     { m.bypassed.Add(1) }
func (m *HttpCacheMetrics) RecordError()      { m.errors.Add(1) }

// RecordOutcome enqueues a latency sample and bumps the status/method
// breakdowns for one completed round trip. Enqueue trims the ring in place
// (oldest sample overwritten) so the ring never grows unbounded.
func (m *HttpCacheMetrics) RecordOutcome(method string, status int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byStatus[status]++
	m.byMethod[method]++
	m.ring[m.ringNext] = latency
	m.ringNext = (m.ringNext + 1) % latencyRingSize
	if m.ringLen < latencyRingSize {
		m.ringLen++
	}
	models.UpdateLatency(&m.running, latency)
}

// Snapshot is a point-in-time view of HttpCacheMetrics.
type Snapshot struct {
	Hits, Misses, StaleServed, Revalidated, Bypassed, Errors int64
	ByStatus                                                 map[int]int64
	ByMethod                                                 map[string]int64
	Latency                                                  models.LatencySummary
}

// Snapshot copies out counters and recomputes exact percentiles from the
// current ring contents.
func (m *HttpCacheMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	byStatus := make(map[int]int64, len(m.byStatus))
	for k, v := range m.byStatus {
		byStatus[k] = v
	}
	byMethod := make(map[string]int64, len(m.byMethod))
	for k, v := range m.byMethod {
		byMethod[k] = v
	}
	samples := make([]time.Duration, m.ringLen)
	copy(samples, m.ring[:m.ringLen])
	running := m.running
	m.mu.Unlock()

	latency := models.CalculateLatencySummary(samples)
	if latency.Count == 0 {
		latency = running
	}

	return Snapshot{
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		StaleServed: m.staleServed.Load(),
		Revalidated: m.revalidated.Load(),
		Bypassed:    m.bypassed.Load(),
		Errors:      m.errors.Load(),
		ByStatus:    byStatus,
		ByMethod:    byMethod,
		Latency:     latency,
	}
}
