package backplane

import (
	"errors"
	"testing"

	"encore.app/cacheerrors"
	"encore.app/pkg/middleware"
)

func TestLimiterKey_DefaultsEmptyCallerToAnonymous(t *testing.T) {
	if got := limiterKey(""); got != "anonymous" {
		t.Errorf("limiterKey(\"\") = %q, want \"anonymous\"", got)
	}
	if got := limiterKey("svc-a"); got != "svc-a" {
		t.Errorf("limiterKey(%q) = %q, want unchanged", "svc-a", got)
	}
}

// TestInvalidateEndpoints_RejectOverLimit exercises a TokenBucket with the
// same refill rate InvalidateKey/InvalidateTag share but a smaller burst (3
// instead of 30), independent of the sqldb-backed Service singleton.
func TestInvalidateEndpoints_RejectOverLimit(t *testing.T) {
	limiter := middleware.NewTokenBucket(10, 3)
	key := limiterKey("")

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow(key) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want 3 (burst size)", allowed)
	}
}

func TestClearAll_SharesOneGlobalBucketRegardlessOfCaller(t *testing.T) {
	limiter := middleware.NewTokenBucket(0.1, 1)
	if !limiter.Allow(clearAllKey) {
		t.Fatal("expected the first ClearAll to be allowed")
	}
	if limiter.Allow(clearAllKey) {
		t.Fatal("expected a second immediate ClearAll to be rate limited")
	}
	if !errorIsRateLimited(cacheerrors.ErrRateLimited) {
		t.Fatal("cacheerrors.ErrRateLimited must be usable with errors.Is")
	}
}

func errorIsRateLimited(err error) bool {
	return errors.Is(err, cacheerrors.ErrRateLimited)
}

func TestFilterRecordsByKeyPattern(t *testing.T) {
	records := []AuditRecord{
		{ID: 1, Kind: KindInvalidateKey, Key: "users:123"},
		{ID: 2, Kind: KindInvalidateKey, Key: "users:456"},
		{ID: 3, Kind: KindInvalidateKey, Key: "orders:789"},
		{ID: 4, Kind: KindInvalidateTag, Tag: "users"},
		{ID: 5, Kind: KindClearAll},
	}

	out, err := filterRecordsByKeyPattern(records, "users:*")
	if err != nil {
		t.Fatalf("filterRecordsByKeyPattern() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	for _, rec := range out {
		if rec.ID != 1 && rec.ID != 2 {
			t.Errorf("unexpected record in result: %+v", rec)
		}
	}
}

func TestFilterRecordsByKeyPattern_InvalidPattern(t *testing.T) {
	if _, err := filterRecordsByKeyPattern(nil, ""); err == nil {
		t.Fatal("expected error for empty pattern")
	}
}
