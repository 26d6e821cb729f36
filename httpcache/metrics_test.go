package httpcache

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"encore.app/metrics"
)

func TestHttpCacheMetrics_CountersAndBreakdowns(t *testing.T) {
	m := NewMetrics()
	m.RecordHit()
	m.RecordHit()
	m.RecordMiss()
	m.RecordStale()
	m.RecordRevalidated()
	m.RecordBypass()
	m.RecordError()
	m.RecordOutcome(http.MethodGet, http.StatusOK, 10*time.Millisecond)
	m.RecordOutcome(http.MethodGet, http.StatusOK, 20*time.Millisecond)
	m.RecordOutcome(http.MethodPost, http.StatusNotModified, 5*time.Millisecond)

	snap := m.Snapshot()
	if snap.Hits != 2 || snap.Misses != 1 || snap.StaleServed != 1 || snap.Revalidated != 1 || snap.Bypassed != 1 || snap.Errors != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.ByStatus[http.StatusOK] != 2 || snap.ByStatus[http.StatusNotModified] != 1 {
		t.Errorf("byStatus = %v", snap.ByStatus)
	}
	if snap.ByMethod[http.MethodGet] != 2 || snap.ByMethod[http.MethodPost] != 1 {
		t.Errorf("byMethod = %v", snap.ByMethod)
	}
	if snap.Latency.Count != 3 {
		t.Errorf("latency count = %d, want 3", snap.Latency.Count)
	}
}

func TestHttpCacheMetrics_RingTrimsOldestSample(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < latencyRingSize+10; i++ {
		m.RecordOutcome(http.MethodGet, http.StatusOK, time.Duration(i)*time.Millisecond)
	}
	snap := m.Snapshot()
	if snap.Latency.Count != latencyRingSize {
		t.Errorf("ring should cap at %d samples, got %d", latencyRingSize, snap.Latency.Count)
	}
}

func TestHttpOutcomeEventType(t *testing.T) {
	cases := []struct {
		status string
		err    error
		want   metrics.EventType
	}{
		{statusFresh, nil, metrics.EventHTTPHit},
		{statusRevalidate, nil, metrics.EventHTTPRevalidated},
		{statusSWR, nil, metrics.EventHTTPStale},
		{statusSIE, nil, metrics.EventHTTPStale},
		{statusBypass, nil, metrics.EventHTTPBypass},
		{statusMiss, nil, metrics.EventHTTPMiss},
		{statusMiss, errors.New("boom"), metrics.EventHTTPError},
	}
	for _, c := range cases {
		if got := httpOutcomeEventType(c.status, c.err); got != c.want {
			t.Errorf("httpOutcomeEventType(%q, %v) = %q, want %q", c.status, c.err, got, c.want)
		}
	}
}
