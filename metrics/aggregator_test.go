package metrics

import (
	"testing"
	"time"
)

func TestAggregator_GetStatsFromTimeSeries(t *testing.T) {
	c := NewCollector(time.Hour)
	a := NewAggregator(c)

	now := time.Now()
	for i := 0; i < 8; i++ {
		c.Record(Event{Type: EventCacheHit, Timestamp: now})
	}
	for i := 0; i < 2; i++ {
		c.Record(Event{Type: EventCacheMiss, Timestamp: now})
	}

	stats := a.GetStats(now.Add(-time.Hour), now.Add(time.Hour))
	if stats.CacheHits != 8 || stats.CacheMisses != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.HitRate < 0.79 || stats.HitRate > 0.81 {
		t.Errorf("hit rate = %v, want ~0.8", stats.HitRate)
	}
}

func TestSlidingWindow_AddAndGetLatest(t *testing.T) {
	w := NewSlidingWindow(10 * time.Second)
	now := time.Now()
	w.Add(AggregatedStats{Timestamp: now, TotalRequests: 1})
	w.Add(AggregatedStats{Timestamp: now.Add(time.Second), TotalRequests: 2})

	latest := w.GetLatest()
	if latest.TotalRequests != 2 {
		t.Errorf("latest.TotalRequests = %d, want 2", latest.TotalRequests)
	}
}

func TestAnomalyDetector_FlagsHitRateDrop(t *testing.T) {
	d := NewAnomalyDetector()
	now := time.Now()

	for i := 0; i < 20; i++ {
		d.Detect(AggregatedStats{Timestamp: now, HitRate: 0.95})
	}
	d.Detect(AggregatedStats{Timestamp: now, HitRate: 0.05})

	anomalies := d.GetRecent(time.Hour)
	found := false
	for _, a := range anomalies {
		if a.Type == AnomalyHitRateDrop {
			found = true
		}
	}
	if !found {
		t.Error("expected a hit_rate_drop anomaly after a sharp drop")
	}
}

func TestHistoricalStats_MeanStdDev(t *testing.T) {
	hs := NewHistoricalStats(10)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		hs.Add(v)
	}
	mean, stddev := hs.MeanStdDev()
	if mean != 3 {
		t.Errorf("mean = %v, want 3", mean)
	}
	if stddev <= 0 {
		t.Errorf("stddev = %v, want > 0", stddev)
	}
}
