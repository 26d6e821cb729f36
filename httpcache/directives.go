package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives is a parsed Cache-Control (or Surrogate-Control) header: flag
// directives map to the empty string, valued directives to their value.
// Grounded on the pack's reference transport's cacheControl map, extended
// with typed accessors since this runtime honors more directives than that
// transport's plain string map did.
type Directives map[string]string

// Has reports whether name was present, with or without a value.
func (d Directives) Has(name string) bool {
	_, ok := d[name]
	return ok
}

// Duration parses name's value as a count of seconds, as every duration
// directive in Cache-Control (max-age, s-maxage, stale-while-revalidate,
// stale-if-error, min-fresh, max-stale) is encoded.
func (d Directives) Duration(name string) (time.Duration, bool) {
	v, ok := d[name]
	if !ok {
		return 0, false
	}
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// ParseCacheControl parses h's Cache-Control header into Directives.
func ParseCacheControl(h http.Header) Directives {
	return parseDirectiveHeader(h.Get("Cache-Control"))
}

// ParseSurrogateControl parses the Surrogate-Control header, which some
// origins use to give shared caches a distinct policy from Cache-Control
// (§4.M's "Surrogate-Control: no-store|max-age").
func ParseSurrogateControl(h http.Header) Directives {
	v := h.Get("Surrogate-Control")
	if v == "" {
		return nil
	}
	return parseDirectiveHeader(v)
}

func parseDirectiveHeader(raw string) Directives {
	out := Directives{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			key := strings.ToLower(strings.TrimSpace(part[:i]))
			val := strings.Trim(strings.TrimSpace(part[i+1:]), `"`)
			out[key] = val
		} else {
			out[strings.ToLower(part)] = ""
		}
	}
	return out
}

// headerAllCommaSepValues returns every comma-separated value across all
// occurrences of header name, whitespace-trimmed. Per RFC 9110 §5.3, a
// multi-valued header's occurrences are equivalent to one comma-joined
// occurrence.
func headerAllCommaSepValues(h http.Header, name string) []string {
	var vals []string
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				vals = append(vals, f)
			}
		}
	}
	return vals
}
