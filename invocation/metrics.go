package invocation

import (
	"context"
	"sync/atomic"
	"time"

	"encore.app/metrics"
	"encore.app/pkg/middleware"
	"encore.app/policy"
)

// Outcome classifies a single getOrCreate call for metrics purposes. A call
// records one or more: a miss can be followed by stampede_blocked or error.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeMiss
	OutcomeRefreshAhead
	OutcomeStampedeBlocked
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeRefreshAhead:
		return "refresh_ahead"
	case OutcomeStampedeBlocked:
		return "stampede_blocked"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Metrics holds the invocation core's counters, one per Outcome.
type Metrics struct {
	Hits             atomic.Int64
	Misses           atomic.Int64
	RefreshAheads    atomic.Int64
	StampedeBlocked  atomic.Int64
	Errors           atomic.Int64
}

func (m *Metrics) record(o Outcome) {
	switch o {
	case OutcomeHit:
		m.Hits.Add(1)
	case OutcomeMiss:
		m.Misses.Add(1)
	case OutcomeRefreshAhead:
		m.RefreshAheads.Add(1)
	case OutcomeStampedeBlocked:
		m.StampedeBlocked.Add(1)
	case OutcomeError:
		m.Errors.Add(1)
	}
}

// Snapshot is a point-in-time copy of Metrics for diagnostics endpoints.
type Snapshot struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	RefreshAheads   int64   `json:"refresh_aheads"`
	StampedeBlocked int64   `json:"stampede_blocked"`
	Errors          int64   `json:"errors"`
	HitRate         float64 `json:"hit_rate"`
}

func (m *Metrics) Snapshot() Snapshot {
	hits := m.Hits.Load()
	misses := m.Misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Snapshot{
		Hits:            hits,
		Misses:          misses,
		RefreshAheads:   m.RefreshAheads.Load(),
		StampedeBlocked: m.StampedeBlocked.Load(),
		Errors:          m.Errors.Load(),
		HitRate:         rate,
	}
}

// Hooks are caller-supplied callbacks fired after storage operations
// complete, per §4.L's onHit/onMiss/onError contract. Any of them may be
// nil.
type Hooks struct {
	OnHit             func(methodID policy.MethodID, key string)
	OnMiss            func(methodID policy.MethodID, key string)
	OnError           func(methodID policy.MethodID, key string, err error)
	OnRefreshAhead    func()
	OnStampedeBlocked func()
}

func (c *Core) recordHit(methodID policy.MethodID, key string) {
	c.metrics.record(OutcomeHit)
	if c.hooks.OnHit != nil {
		c.hooks.OnHit(methodID, key)
	}
}

func (c *Core) recordMiss(methodID policy.MethodID, key string) {
	c.metrics.record(OutcomeMiss)
	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss(methodID, key)
	}
}

func (c *Core) recordRefreshAhead() {
	c.metrics.record(OutcomeRefreshAhead)
	if c.hooks.OnRefreshAhead != nil {
		c.hooks.OnRefreshAhead()
	}
}

func (c *Core) recordStampedeBlocked() {
	c.metrics.record(OutcomeStampedeBlocked)
	if c.hooks.OnStampedeBlocked != nil {
		c.hooks.OnStampedeBlocked()
	}
}

// recordError additionally logs the failure with whatever request ID the
// caller's context carries (propagated via pkg/middleware.WithRequestID, or
// empty for calls made outside an HTTP request), so a getOrCreate failure
// can be correlated back to the request that triggered it.
func (c *Core) recordError(ctx context.Context, methodID policy.MethodID, key string, err error) {
	c.metrics.record(OutcomeError)
	middleware.LogWithRequestID(ctx, "invocation: getOrCreate failed", map[string]interface{}{
		"method": string(methodID),
		"key":    key,
		"error":  err.Error(),
	})
	if c.hooks.OnError != nil {
		c.hooks.OnError(methodID, key, err)
	}
}

// metricsHooks adapts a metrics.Provider into Hooks, so every getOrCreate
// outcome also reaches the process-wide aggregation and alerting sink. sink
// may be nil (e.g. in tests constructing a Core directly), in which case the
// returned Hooks are all no-ops.
func metricsHooks(sink metrics.Provider) Hooks {
	if sink == nil {
		return Hooks{}
	}
	return Hooks{
		OnHit: func(methodID policy.MethodID, key string) {
			sink.Record(metrics.Event{Type: metrics.EventCacheHit, Value: 1, Timestamp: time.Now(), Source: "invocation", Labels: map[string]string{"method": string(methodID)}})
		},
		OnMiss: func(methodID policy.MethodID, key string) {
			sink.Record(metrics.Event{Type: metrics.EventCacheMiss, Value: 1, Timestamp: time.Now(), Source: "invocation", Labels: map[string]string{"method": string(methodID)}})
		},
		OnError: func(methodID policy.MethodID, key string, err error) {
			sink.Record(metrics.Event{Type: metrics.EventCacheError, Value: 1, Timestamp: time.Now(), Source: "invocation", Labels: map[string]string{"method": string(methodID)}})
		},
		OnRefreshAhead: func() {
			sink.Record(metrics.Event{Type: metrics.EventCacheRefreshAhead, Value: 1, Timestamp: time.Now(), Source: "invocation"})
		},
		OnStampedeBlocked: func() {
			sink.Record(metrics.Event{Type: metrics.EventCacheStampedeBlocked, Value: 1, Timestamp: time.Now(), Source: "invocation"})
		},
	}
}
