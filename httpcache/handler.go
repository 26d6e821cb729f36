package httpcache

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"encore.app/metrics"
	"encore.app/serialize"
	"encore.app/storage"
)

// headerCacheTags is the response header convention an origin uses to tag
// a cacheable response for bulk invalidation via HybridStorage.RemoveByTag
// (§4.M: "an HTTP response can be tagged ... and bulk-invalidated the same
// way a cached method result can").
const headerCacheTags = "X-Cache-Tags"

// headerXCache carries this Transport's diagnostic cache status.
const headerXCache = "X-Cache"

const (
	statusFresh      = "FRESH"
	statusSWR        = "STALE-WHILE-REVALIDATE"
	statusRevalidate = "REVALIDATED"
	statusSIE        = "STALE-IF-ERROR"
	statusMiss       = "MISS"
	statusBypass     = "BYPASS"
)

// Transport is an http.RoundTripper decorator applying RFC 9111 semantics,
// the same shape as the pack's reference HTTP-cache transport, but storing
// HttpCacheEntry values through HybridStorage instead of a flat byte map so
// HTTP responses share L1/L2 tiering and backplane fan-out with method-level
// entries.
type Transport struct {
	// Next is the underlying RoundTripper; http.DefaultTransport if nil.
	Next http.RoundTripper

	Storage    *storage.HybridStorage
	Config     Config
	Metrics    *HttpCacheMetrics
	Serializer serialize.Serializer

	// Revalidator runs background stale-while-revalidate refreshes. Nil
	// disables SWR: stale entries fall straight through to synchronous
	// revalidation instead.
	Revalidator *Revalidator

	// Provider additionally feeds every outcome into the process-wide
	// metrics aggregator, alongside this Transport's own HttpCacheMetrics.
	// Nil disables this (HttpCacheMetrics alone still works).
	Provider metrics.Provider
}

// NewTransport constructs a Transport with JSON serialization and fresh
// metrics. Callers needing background SWR must set Revalidator explicitly.
func NewTransport(store *storage.HybridStorage, cfg Config) *Transport {
	return &Transport{
		Storage:    store,
		Config:     cfg,
		Metrics:    NewMetrics(),
		Serializer: serialize.NewJSON(),
	}
}

// Client returns an *http.Client using this Transport.
func (t *Transport) Client() *http.Client { return &http.Client{Transport: t} }

func (t *Transport) next() http.RoundTripper {
	if t.Next != nil {
		return t.Next
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper, applying §4.M's per-request
// algorithm and recording outcome metrics around it.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, status, err := t.roundTrip(req)
	if t.Metrics != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Metrics.RecordOutcome(req.Method, code, time.Since(start))
		switch status {
		case statusFresh, statusRevalidate:
			t.Metrics.RecordHit()
		case statusSWR, statusSIE:
			t.Metrics.RecordStale()
		case statusBypass:
			t.Metrics.RecordBypass()
		default:
			t.Metrics.RecordMiss()
		}
		if status == statusRevalidate {
			t.Metrics.RecordRevalidated()
		}
		if err != nil {
			t.Metrics.RecordError()
		}
	}
	if t.Provider != nil {
		t.Provider.Record(metrics.Event{Type: metrics.EventHTTPLatency, Value: float64(time.Since(start).Milliseconds()), Timestamp: start, Source: "httpcache"})
		t.Provider.Record(metrics.Event{Type: httpOutcomeEventType(status, err), Value: 1, Timestamp: start, Source: "httpcache"})
	}
	return resp, err
}

func httpOutcomeEventType(status string, err error) metrics.EventType {
	if err != nil {
		return metrics.EventHTTPError
	}
	switch status {
	case statusFresh:
		return metrics.EventHTTPHit
	case statusRevalidate:
		return metrics.EventHTTPRevalidated
	case statusSWR, statusSIE:
		return metrics.EventHTTPStale
	case statusBypass:
		return metrics.EventHTTPBypass
	default:
		return metrics.EventHTTPMiss
	}
}

func (t *Transport) roundTrip(req *http.Request) (*http.Response, string, error) {
	ctx := req.Context()
	reqCC := ParseCacheControl(req.Header)

	if !t.cacheableMethod(req.Method) || reqCC.Has("no-store") {
		resp, err := t.next().RoundTrip(req)
		t.mark(resp, statusBypass)
		return resp, statusBypass, err
	}

	baseKey := CacheKey(req)
	entry, found := t.lookupEntry(ctx, req, baseKey)
	now := time.Now()

	if found && !reqCC.Has("no-cache") {
		immutableFresh := Immutable(entry) && computeAge(entry, now) < freshnessLifetime(t.Config, entry)
		if (Fresh(t.Config, entry, req, now) || immutableFresh) && !MustRevalidate(entry) {
			resp := entryResponse(entry, req)
			t.mark(resp, statusFresh)
			return resp, statusFresh, nil
		}
		if !MustRevalidate(entry) && t.Revalidator != nil && StaleWhileRevalidatePermitted(t.Config, entry, now) {
			t.scheduleRevalidation(req, entry, baseKey)
			resp := entryResponse(entry, req)
			t.mark(resp, statusSWR)
			return resp, statusSWR, nil
		}
	}

	if reqCC.Has("only-if-cached") {
		resp := newGatewayTimeoutResponse(req)
		t.mark(resp, statusBypass)
		return resp, statusBypass, nil
	}

	outReq := req
	if found {
		outReq = addValidators(req, entry)
	}

	resp, err := t.next().RoundTrip(outReq)
	if err != nil {
		if found && StaleIfErrorPermitted(t.Config, entry, reqCC, now) {
			log.Printf(`{"level":"warn","component":"httpcache","msg":"origin error, serving stale-if-error","key":%q,"error":%q}`, baseKey, err)
			resp := entryResponse(entry, req)
			t.mark(resp, statusSIE)
			return resp, statusSIE, nil
		}
		return nil, statusMiss, err
	}

	if found && resp.StatusCode == http.StatusNotModified {
		updated := withUpdatedHeaders(entry, resp)
		if err := t.store(ctx, baseKey, updated); err != nil {
			log.Printf(`{"level":"warn","component":"httpcache","msg":"store after revalidation failed","key":%q,"error":%q}`, baseKey, err)
		}
		out := entryResponse(updated, req)
		t.mark(out, statusRevalidate)
		return out, statusRevalidate, nil
	}

	if found && resp.StatusCode >= 500 && StaleIfErrorPermitted(t.Config, entry, reqCC, now) {
		resp.Body.Close()
		out := entryResponse(entry, req)
		t.mark(out, statusSIE)
		return out, statusSIE, nil
	}

	if ShouldCacheResponse(t.Config, req, resp) {
		newEntry, buildErr := buildEntry(t.Config, req, resp, now)
		if buildErr != nil {
			log.Printf(`{"level":"warn","component":"httpcache","msg":"response not cacheable","key":%q,"error":%q}`, baseKey, buildErr)
		} else {
			if err := t.store(ctx, baseKey, newEntry); err != nil {
				log.Printf(`{"level":"warn","component":"httpcache","msg":"store failed","key":%q,"error":%q}`, baseKey, err)
			}
			if len(newEntry.VaryHeaders) > 0 {
				if vk, ok := varyKey(baseKey, newEntry.VaryHeaders, req); ok {
					_ = t.store(ctx, vk, newEntry)
				}
			}
		}
	} else if found {
		_ = t.Storage.Remove(ctx, baseKey)
	}

	t.mark(resp, statusMiss)
	return resp, statusMiss, nil
}

func (t *Transport) cacheableMethod(method string) bool {
	if t.Config.CacheableMethods == nil {
		return method == http.MethodGet || method == http.MethodHead
	}
	return t.Config.CacheableMethods[method]
}

// lookupEntry resolves baseKey, then re-resolves under the Vary-qualified
// key if the stored entry names Vary headers and RespectVary is set (§4.M
// step 3). A "*" Vary value makes the entry uncacheable for this request.
func (t *Transport) lookupEntry(ctx context.Context, req *http.Request, baseKey string) (*HttpCacheEntry, bool) {
	entry, found := t.lookup(ctx, baseKey)
	if !found {
		return nil, false
	}
	if len(entry.VaryHeaders) == 0 || !t.Config.RespectVary {
		return entry, true
	}
	vk, cacheable := varyKey(baseKey, entry.VaryHeaders, req)
	if !cacheable {
		return nil, false
	}
	return t.lookup(ctx, vk)
}

func (t *Transport) mark(resp *http.Response, status string) {
	if resp == nil || !t.Config.MarkDiagnosticHeader {
		return
	}
	resp.Header.Set(headerXCache, status)
}

func (t *Transport) scheduleRevalidation(req *http.Request, entry *HttpCacheEntry, baseKey string) {
	revReq := cloneRequest(req)
	t.Revalidator.Schedule(func(ctx context.Context) {
		r2 := revReq.Clone(ctx)
		resp, err := t.next().RoundTrip(r2)
		if err != nil {
			log.Printf(`{"level":"warn","component":"httpcache","msg":"background revalidation failed","key":%q,"error":%q}`, baseKey, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotModified {
			updated := withUpdatedHeaders(entry, resp)
			_ = t.store(ctx, baseKey, updated)
			return
		}
		if ShouldCacheResponse(t.Config, req, resp) {
			if newEntry, err := buildEntry(t.Config, req, resp, time.Now()); err == nil {
				_ = t.store(ctx, baseKey, newEntry)
			}
		}
	})
}

// addValidators clones req and attaches If-None-Match / If-Modified-Since
// from the stale entry so the origin has a chance to answer 304.
func addValidators(req *http.Request, entry *HttpCacheEntry) *http.Request {
	if entry.ETag == "" && entry.LastModified == "" {
		return req
	}
	r2 := cloneRequest(req)
	if entry.ETag != "" {
		r2.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		r2.Header.Set("If-Modified-Since", entry.LastModified)
	}
	return r2
}

// withUpdatedHeaders merges a 304 response's end-to-end headers into the
// previously stored entry, per RFC 9111 §4.3.4 and the pack's reference
// transport's getEndToEndHeaders helper.
func withUpdatedHeaders(entry *HttpCacheEntry, resp *http.Response) *HttpCacheEntry {
	updated := *entry
	updated.Header = entry.Header.Clone()
	updated.StoredAt = time.Now()
	for _, h := range endToEndHeaders(resp.Header) {
		updated.Header[h] = resp.Header[h]
	}
	updated.CacheControl = ParseCacheControl(updated.Header)
	updated.ETag = updated.Header.Get("ETag")
	updated.LastModified = updated.Header.Get("Last-Modified")
	if exp := updated.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			updated.Expires = t
		}
	}
	return &updated
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func endToEndHeaders(h http.Header) []string {
	var out []string
	for name := range h {
		if _, hop := hopByHopHeaders[name]; !hop {
			out = append(out, name)
		}
	}
	return out
}

func cloneRequest(r *http.Request) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.Header = r.Header.Clone()
	return r2
}

func newGatewayTimeoutResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:     http.StatusText(http.StatusGatewayTimeout),
		StatusCode: http.StatusGatewayTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}
