package metrics

import (
	"testing"
	"time"
)

func TestCollector_CountersByEventType(t *testing.T) {
	c := NewCollector(time.Hour)
	now := time.Now()

	c.Record(Event{Type: EventCacheHit, Timestamp: now})
	c.Record(Event{Type: EventCacheHit, Timestamp: now})
	c.Record(Event{Type: EventCacheMiss, Timestamp: now})
	c.Record(Event{Type: EventCacheRefreshAhead, Timestamp: now})
	c.Record(Event{Type: EventCacheStampedeBlocked, Timestamp: now})
	c.Record(Event{Type: EventCacheError, Timestamp: now})
	c.Record(Event{Type: EventHTTPHit, Timestamp: now})
	c.Record(Event{Type: EventHTTPMiss, Timestamp: now})
	c.Record(Event{Type: EventHTTPError, Timestamp: now})

	counters := c.GetCounters()
	if counters.CacheHits != 2 || counters.CacheMisses != 1 {
		t.Fatalf("counters = %+v", counters)
	}
	if counters.CacheRefreshAheads != 1 || counters.CacheStampedeBlocked != 1 || counters.CacheErrors != 1 {
		t.Fatalf("counters = %+v", counters)
	}
	if counters.HTTPHits != 1 || counters.HTTPMisses != 1 || counters.HTTPErrors != 1 {
		t.Fatalf("counters = %+v", counters)
	}
}

func TestCollector_LatencyStats(t *testing.T) {
	c := NewCollector(time.Hour)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		c.Record(Event{Type: EventCacheLatency, Value: float64(i), Timestamp: now})
	}

	stats := c.GetLatencyStats()
	if stats.Count != 100 {
		t.Fatalf("count = %d, want 100", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 100 {
		t.Fatalf("min/max = %v/%v, want 1/100", stats.Min, stats.Max)
	}
	if stats.P50 < 49 || stats.P50 > 51 {
		t.Errorf("p50 = %v, expected near 50", stats.P50)
	}
}

func TestTimeSeries_GetRangeAndCleanup(t *testing.T) {
	ts := NewTimeSeries(time.Hour)
	now := time.Now()
	ts.Add(Event{Type: EventCacheHit, Timestamp: now})
	ts.Add(Event{Type: EventCacheMiss, Timestamp: now.Add(time.Second)})

	buckets := ts.GetRange(now.Add(-time.Minute), now.Add(time.Minute))
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(buckets))
	}
	if buckets[0].CacheHits != 1 {
		t.Errorf("first bucket CacheHits = %d, want 1", buckets[0].CacheHits)
	}
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	rb := NewRingBuffer(4)
	now := time.Now()
	for i := 0; i < 10; i++ {
		rb.Add(float64(i), now)
	}
	samples := rb.GetAll()
	if len(samples) > 4 {
		t.Errorf("got %d samples, capacity is 4", len(samples))
	}
}
