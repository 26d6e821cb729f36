package httpcache

import (
	"net/http"
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	h := http.Header{}
	h.Set("Cache-Control", `max-age=300, no-cache, stale-while-revalidate=60, s-maxage="120"`)
	cc := ParseCacheControl(h)

	if !cc.Has("no-cache") {
		t.Error("expected no-cache flag")
	}
	d, ok := cc.Duration("max-age")
	if !ok || d != 300*time.Second {
		t.Errorf("max-age = %v, %v", d, ok)
	}
	d, ok = cc.Duration("s-maxage")
	if !ok || d != 120*time.Second {
		t.Errorf("s-maxage = %v, %v (quoted value should be unquoted)", d, ok)
	}
	if _, ok := cc.Duration("no-cache"); ok {
		t.Error("flag directive should not parse as a duration")
	}
}

func TestParseCacheControl_Empty(t *testing.T) {
	cc := ParseCacheControl(http.Header{})
	if len(cc) != 0 {
		t.Errorf("expected empty Directives, got %v", cc)
	}
}

func TestParseSurrogateControl(t *testing.T) {
	h := http.Header{}
	h.Set("Surrogate-Control", "no-store")
	if sc := ParseSurrogateControl(h); !sc.Has("no-store") {
		t.Error("expected no-store")
	}
	if sc := ParseSurrogateControl(http.Header{}); sc != nil {
		t.Error("expected nil for absent header")
	}
}

func TestHeaderAllCommaSepValues(t *testing.T) {
	h := http.Header{}
	h.Add("Vary", "Accept-Encoding, Accept-Language")
	h.Add("Vary", "X-Custom")
	got := headerAllCommaSepValues(h, "Vary")
	want := []string{"Accept-Encoding", "Accept-Language", "X-Custom"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
