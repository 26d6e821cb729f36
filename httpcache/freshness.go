package httpcache

import (
	"errors"
	"net/http"
	"time"
)

const defaultMaxResponseSize = 5 << 20 // 5 MiB

var errResponseTooLarge = errors.New("httpcache: response exceeds MaxResponseSize")

// Config governs the freshness and cacheability policy a Transport applies.
type Config struct {
	// RespectVary, when true, computes a Vary-qualified key for entries
	// that carry a Vary header (§4.M step 3).
	RespectVary bool

	// EnableHeuristics permits heuristic freshness (RFC 9111 §4.2.2) when a
	// response carries Last-Modified but no explicit freshness directive.
	EnableHeuristics bool

	// MaxHeuristicFreshness caps the heuristic lifetime computed from
	// Last-Modified.
	MaxHeuristicFreshness time.Duration

	// DefaultMaxAge is used when a response has no freshness information
	// at all and heuristics are disabled or inapplicable.
	DefaultMaxAge time.Duration

	// MaxResponseSize bounds how large a response body may be and still be
	// buffered for caching. Zero uses defaultMaxResponseSize.
	MaxResponseSize int64

	// CacheableMethods lists the request methods eligible for caching.
	CacheableMethods map[string]bool

	// MarkDiagnosticHeader, when true, sets X-Cache on every response this
	// Transport returns.
	MarkDiagnosticHeader bool

	// SharedCache, when true, rejects Cache-Control: private responses and
	// honors s-maxage over max-age as a shared cache would. A private
	// cache (the default, matching the pack's reference transport's own
	// documented scope) ignores the public/private distinction entirely.
	SharedCache bool
}

// DefaultConfig returns a Config matching RFC 9111's recommended defaults
// for a private cache: GET/HEAD cacheable, heuristics on with a 24h cap,
// Vary respected, diagnostics on.
func DefaultConfig() Config {
	return Config{
		RespectVary:           true,
		EnableHeuristics:      true,
		MaxHeuristicFreshness: 24 * time.Hour,
		DefaultMaxAge:         0,
		MaxResponseSize:       defaultMaxResponseSize,
		CacheableMethods:      map[string]bool{http.MethodGet: true, http.MethodHead: true},
		MarkDiagnosticHeader:  true,
	}
}

// computeAge returns entry's current age, corrected upward by any Age
// header the origin attached (RFC 9111 §4.2.3) so an intermediate cache's
// own elapsed time is accounted for.
func computeAge(entry *HttpCacheEntry, now time.Time) time.Duration {
	age := now.Sub(entry.StoredAt)
	if raw := entry.Header.Get("Age"); raw != "" {
		if secs, ok := parsePositiveInt(raw); ok {
			if serverAge := time.Duration(secs) * time.Second; serverAge > age {
				age = serverAge
			}
		}
	}
	if age < 0 {
		age = 0
	}
	return age
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// freshnessLifetime computes entry's freshness lifetime per §4.M's
// precedence: s-maxage (shared caches only), then max-age, then
// Expires-Date, then heuristic, then Config.DefaultMaxAge.
func freshnessLifetime(cfg Config, entry *HttpCacheEntry) time.Duration {
	if cfg.SharedCache {
		if d, ok := entry.CacheControl.Duration("s-maxage"); ok {
			return d
		}
	}
	if d, ok := entry.CacheControl.Duration("max-age"); ok {
		return d
	}
	if !entry.Expires.IsZero() {
		return entry.Expires.Sub(entry.StoredAt)
	}
	if cfg.EnableHeuristics && entry.LastModified != "" {
		if lm, err := http.ParseTime(entry.LastModified); err == nil {
			heuristic := time.Duration(float64(entry.StoredAt.Sub(lm)) * 0.1)
			if heuristic < 0 {
				heuristic = 0
			}
			if cfg.MaxHeuristicFreshness > 0 && heuristic > cfg.MaxHeuristicFreshness {
				heuristic = cfg.MaxHeuristicFreshness
			}
			return heuristic
		}
	}
	return cfg.DefaultMaxAge
}

// Fresh reports whether entry is still usable for req at now, applying the
// request's own max-age/min-fresh/max-stale overrides per RFC 9111 §5.2.1.
func Fresh(cfg Config, entry *HttpCacheEntry, req *http.Request, now time.Time) bool {
	reqCC := ParseCacheControl(req.Header)
	if reqCC.Has("no-cache") {
		return false
	}
	if reqCC.Has("only-if-cached") {
		return true
	}

	age := computeAge(entry, now)
	lifetime := freshnessLifetime(cfg, entry)

	if d, ok := reqCC.Duration("max-age"); ok {
		lifetime = d
	}
	if d, ok := reqCC.Duration("min-fresh"); ok {
		age += d
	}
	if d, ok := reqCC.Duration("max-stale"); ok {
		age -= d
	} else if reqCC.Has("max-stale") {
		return true
	}

	return age < lifetime
}

// MustRevalidate reports whether entry must not be served stale without a
// successful revalidation (must-revalidate or proxy-revalidate).
func MustRevalidate(entry *HttpCacheEntry) bool {
	return entry.CacheControl.Has("must-revalidate") || entry.CacheControl.Has("proxy-revalidate")
}

// Immutable reports whether entry declares itself immutable, which exempts
// it from revalidation for the remainder of its freshness lifetime even
// under a client's max-age=0 directive. A request carrying no-cache still
// bypasses the stored entry.
func Immutable(entry *HttpCacheEntry) bool {
	return entry.CacheControl.Has("immutable")
}

func withinStaleWindow(cfg Config, cc Directives, entry *HttpCacheEntry, now time.Time, directive string) bool {
	window, ok := cc.Duration(directive)
	if !ok {
		return false
	}
	age := computeAge(entry, now)
	lifetime := freshnessLifetime(cfg, entry)
	return age < lifetime+window
}

// StaleWhileRevalidatePermitted reports whether entry, though stale, falls
// within its stale-while-revalidate window.
func StaleWhileRevalidatePermitted(cfg Config, entry *HttpCacheEntry, now time.Time) bool {
	return withinStaleWindow(cfg, entry.CacheControl, entry, now, "stale-while-revalidate")
}

// StaleIfErrorPermitted reports whether entry may be served on an origin
// error, per the stale-if-error window named on either the response or the
// request (RFC 5861 §4).
func StaleIfErrorPermitted(cfg Config, entry *HttpCacheEntry, reqCC Directives, now time.Time) bool {
	if withinStaleWindow(cfg, entry.CacheControl, entry, now, "stale-if-error") {
		return true
	}
	return withinStaleWindow(cfg, reqCC, entry, now, "stale-if-error")
}

// ShouldCacheResponse decides whether resp is storable at all (§cacheability).
func ShouldCacheResponse(cfg Config, req *http.Request, resp *http.Response) bool {
	respCC := ParseCacheControl(resp.Header)
	reqCC := ParseCacheControl(req.Header)
	if respCC.Has("no-store") || reqCC.Has("no-store") {
		return false
	}
	if sc := ParseSurrogateControl(resp.Header); sc != nil {
		if sc.Has("no-store") {
			return false
		}
	}
	if cfg.SharedCache && respCC.Has("private") {
		return false
	}

	limit := cfg.MaxResponseSize
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	if resp.ContentLength > limit {
		return false
	}

	hasFreshness := respCC.Has("max-age") || respCC.Has("s-maxage") || resp.Header.Get("Expires") != ""
	hasValidator := resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != ""

	if resp.StatusCode == http.StatusOK {
		return hasFreshness || hasValidator
	}
	return hasFreshness || hasValidator
}
