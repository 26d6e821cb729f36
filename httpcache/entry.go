package httpcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// typeTagEntry is the type tag HttpCacheEntry values are stored under in
// HybridStorage, so a plain method-level cache lookup can never collide
// with an HTTP cache entry even if the two key spaces overlapped.
const typeTagEntry = "httpcache.Entry"

// HttpCacheEntry is the stored representation of a cached HTTP response
// (§103: method, requestUri, statusCode, headers, content, storedAt,
// cacheControl, expires, lastModified, etag, varyHeaders).
type HttpCacheEntry struct {
	Method       string
	RequestURI   string
	StatusCode   int
	Header       http.Header
	Body         []byte
	StoredAt     time.Time
	CacheControl Directives
	Expires      time.Time
	LastModified string
	ETag         string
	VaryHeaders  []string
	Tags         []string
}

// CacheKey returns the base cache key for req: method-qualified for
// non-GET, plain URI for GET — the same convention the pack's reference
// transport uses.
func CacheKey(req *http.Request) string {
	if req.Method == http.MethodGet {
		return req.URL.String()
	}
	return req.Method + " " + req.URL.String()
}

// varyKey derives the Vary-qualified cache key for req given the response's
// Vary header list. A literal "*" makes the response uncacheable per RFC
// 9111 §4.1 (the second return value reports that).
func varyKey(baseKey string, varyHeaders []string, req *http.Request) (string, bool) {
	var b strings.Builder
	b.WriteString(baseKey)
	for _, h := range varyHeaders {
		h = strings.TrimSpace(h)
		if h == "*" {
			return "", false
		}
		canon := http.CanonicalHeaderKey(h)
		b.WriteByte('|')
		b.WriteString(canon)
		b.WriteByte('=')
		b.WriteString(req.Header.Get(canon))
	}
	return b.String(), true
}

// buildEntry constructs an HttpCacheEntry from an origin response, draining
// and replacing its Body so the caller can still read it. cfg.MaxResponseSize
// bounds how much body is buffered; responses larger than that are reported
// via the returned error and must not be cached.
func buildEntry(cfg Config, req *http.Request, resp *http.Response, now time.Time) (*HttpCacheEntry, error) {
	limit := cfg.MaxResponseSize
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if int64(len(body)) > limit {
		return nil, errResponseTooLarge
	}

	entry := &HttpCacheEntry{
		Method:       req.Method,
		RequestURI:   req.URL.String(),
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		Body:         body,
		StoredAt:     now,
		CacheControl: ParseCacheControl(resp.Header),
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
		VaryHeaders:  headerAllCommaSepValues(resp.Header, "Vary"),
		Tags:         parseTags(resp.Header),
	}
	if exp := resp.Header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			entry.Expires = t
		}
	}
	return entry, nil
}

func parseTags(h http.Header) []string {
	raw := h.Get(headerCacheTags)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// entryResponse reconstructs an *http.Response from a stored entry for req.
func entryResponse(entry *HttpCacheEntry, req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(entry.StatusCode),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        entry.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// storeTTL bounds how long an entry must survive in HybridStorage: long
// enough to cover its freshness lifetime plus whichever stale-serving
// window (SWR or SIE) extends furthest past it, but clamped so an
// unbounded directive can't pin an entry in L1/L2 forever.
func storeTTL(cfg Config, entry *HttpCacheEntry) time.Duration {
	ttl := freshnessLifetime(cfg, entry)
	if d, ok := entry.CacheControl.Duration("stale-while-revalidate"); ok {
		ttl += d
	}
	if d, ok := entry.CacheControl.Duration("stale-if-error"); ok {
		ttl += d
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	const maxTTL = 24 * time.Hour
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

func (t *Transport) lookup(ctx context.Context, key string) (*HttpCacheEntry, bool) {
	raw, _, ok := t.Storage.Get(ctx, key, typeTagEntry)
	if !ok {
		return nil, false
	}
	var entry HttpCacheEntry
	if err := t.Serializer.Decode(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (t *Transport) store(ctx context.Context, key string, entry *HttpCacheEntry) error {
	raw, err := t.Serializer.Encode(entry)
	if err != nil {
		return err
	}
	return t.Storage.Set(ctx, key, raw, storeTTL(t.Config, entry), typeTagEntry, t.Serializer.ContentType(), entry.Tags)
}
