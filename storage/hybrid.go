package storage

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/semaphore"
)

// Strategy selects how HybridStorage coordinates its two tiers.
type Strategy int

const (
	// WriteThrough writes L1 synchronously and awaits the L2 write before
	// returning (the default).
	WriteThrough Strategy = iota
	// WriteBehind writes L1 synchronously and schedules the L2 write on a
	// bounded-concurrency background task; its errors are logged, not
	// propagated.
	WriteBehind
	// L1Only never touches L2, even if a Provider is configured.
	L1Only
	// L2Only never touches L1; every read/write goes straight to L2.
	L2Only
)

// HybridConfig configures a HybridStorage instance.
type HybridConfig struct {
	Strategy Strategy

	// L1MinDefault and L1MaxExpiration bound the TTL used to warm L1 on an
	// L2 hit: L1_ttl = max(L1MinDefault, min(requested, L1MaxExpiration)).
	// A warmed copy is also capped at the L2 entry's remaining lifetime.
	L1MinDefault    time.Duration
	L1MaxExpiration time.Duration

	// MaxConcurrentL2Ops bounds in-flight L2 operations via a semaphore.
	MaxConcurrentL2Ops int64
}

// DefaultHybridConfig returns WriteThrough with a 1s/1h L1 TTL clamp and 64
// concurrent L2 operations.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		Strategy:           WriteThrough,
		L1MinDefault:       1 * time.Second,
		L1MaxExpiration:    1 * time.Hour,
		MaxConcurrentL2Ops: 64,
	}
}

// Publisher is the narrow slice of the Backplane contract HybridStorage
// needs to fan invalidations out across instances. Defined here (rather
// than depending on package backplane) to keep storage free of the
// transport layer; package backplane's implementation satisfies this.
type Publisher interface {
	PublishInvalidation(ctx context.Context, key string) error
	PublishTagInvalidation(ctx context.Context, tag string) error
	PublishClearAll(ctx context.Context) error
}

// HybridStorage coordinates an L1 MemoryStore and an optional L2 Provider
// per §4.F: read-through, write-through/write-behind, TTL clamping, and
// backplane fan-out on invalidation.
type HybridStorage struct {
	l1        *MemoryStore
	l2        Provider
	cfg       HybridConfig
	l2Sem     *semaphore.Weighted
	backplane Publisher
}

// NewHybrid constructs a HybridStorage. l2 may be nil, in which case the
// effective strategy is always L1Only regardless of cfg.Strategy.
// backplane may be nil, in which case invalidations are not published.
func NewHybrid(l1 *MemoryStore, l2 Provider, backplane Publisher, cfg HybridConfig) *HybridStorage {
	if l2 == nil {
		cfg.Strategy = L1Only
	}
	if cfg.MaxConcurrentL2Ops <= 0 {
		cfg.MaxConcurrentL2Ops = DefaultHybridConfig().MaxConcurrentL2Ops
	}
	return &HybridStorage{
		l1:        l1,
		l2:        l2,
		cfg:       cfg,
		l2Sem:     semaphore.NewWeighted(cfg.MaxConcurrentL2Ops),
		backplane: backplane,
	}
}

func (h *HybridStorage) l1Enabled() bool { return h.l1 != nil && h.cfg.Strategy != L2Only }
func (h *HybridStorage) l2Enabled() bool { return h.l2 != nil && h.cfg.Strategy != L1Only }

// Get probes L1 then L2 per §4.F's read algorithm, warming L1 on an L2 hit
// with a clamped TTL. A storage-layer error on L2 is swallowed and treated
// as a miss (TransientStorageError policy, §7) — HybridStorage never fails
// a read because the distributed tier is unavailable.
func (h *HybridStorage) Get(ctx context.Context, key, wantType string) (value []byte, expiresAt time.Time, ok bool) {
	if h.l1Enabled() {
		if v, exp, found := h.l1.Get(key, wantType); found {
			return v, exp, true
		}
	}

	if !h.l2Enabled() {
		return nil, time.Time{}, false
	}

	if err := h.l2Sem.Acquire(ctx, 1); err != nil {
		return nil, time.Time{}, false
	}
	defer h.l2Sem.Release(1)

	v, typeTag, contentType, tags, l2ExpiresAt, found, err := h.l2.Get(ctx, key)
	if err != nil || !found {
		if err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"l2 get failed, treating as miss","key":%q,"error":%q}`, key, err)
		}
		return nil, time.Time{}, false
	}
	if wantType != "" && typeTag != "" && typeTag != wantType {
		return nil, time.Time{}, false
	}

	// Warm L1 clamped against the L2 entry's actual remaining lifetime, not
	// a fixed ceiling: a warmed L1 entry must never outlive its L2
	// counterpart (I4). A provider that can't report expiresAt (the zero
	// time.Time) falls back to treating L1MaxExpiration as the requested
	// TTL, same as before this entry carried real expiry information.
	l1TTL := h.cfg.L1MaxExpiration
	expiresAt = time.Now().Add(h.cfg.L1MaxExpiration)
	if !l2ExpiresAt.IsZero() {
		l1TTL = time.Until(l2ExpiresAt)
		expiresAt = l2ExpiresAt
		if l1TTL <= 0 {
			// L2 considers it still live (found == true) but our clock sees
			// it as already past expiry; don't warm L1 with a non-positive
			// TTL, just serve this read from the L2 value directly.
			return v, l2ExpiresAt, true
		}
	}

	if h.l1Enabled() {
		ttl := h.clampL1TTL(l1TTL)
		if !l2ExpiresAt.IsZero() && ttl > l1TTL {
			ttl = l1TTL
		}
		h.l1.Set(key, v, ttl, typeTag, contentType, tags)
	}

	return v, expiresAt, true
}

func (h *HybridStorage) clampL1TTL(requested time.Duration) time.Duration {
	ttl := requested
	if ttl > h.cfg.L1MaxExpiration {
		ttl = h.cfg.L1MaxExpiration
	}
	if ttl < h.cfg.L1MinDefault {
		ttl = h.cfg.L1MinDefault
	}
	return ttl
}

// Set writes value under key through the active strategy. L1 is always
// updated (if enabled) with a TTL clamp; L2 is written per strategy.
func (h *HybridStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) error {
	if h.l1Enabled() {
		h.l1.Set(key, value, h.clampL1TTL(ttl), typeTag, contentType, tags)
	}

	if !h.l2Enabled() {
		return nil
	}

	switch h.cfg.Strategy {
	case WriteBehind:
		go h.writeBehindL2(key, value, ttl, typeTag, contentType, tags)
		return nil
	default: // WriteThrough, L2Only
		if err := h.l2Sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer h.l2Sem.Release(1)
		if err := h.l2.Set(ctx, key, value, ttl, typeTag, contentType, tags); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"l2 set failed","key":%q,"error":%q}`, key, err)
			if h.cfg.Strategy == L2Only {
				return err
			}
			// WriteThrough: L1 already reflects the value; it remains valid
			// until its own TTL expires even though L2 failed (§4.F failure
			// policy).
			return nil
		}
		return nil
	}
}

func (h *HybridStorage) writeBehindL2(key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.l2Sem.Acquire(ctx, 1); err != nil {
		log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"write-behind semaphore acquire failed","key":%q,"error":%q}`, key, err)
		return
	}
	defer h.l2Sem.Release(1)

	if err := h.l2.Set(ctx, key, value, ttl, typeTag, contentType, tags); err != nil {
		log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"write-behind l2 set failed","key":%q,"error":%q}`, key, err)
	}
}

// Remove deletes key from both tiers and publishes an invalidation.
func (h *HybridStorage) Remove(ctx context.Context, key string) error {
	if h.l1Enabled() {
		h.l1.Remove(key)
	}
	if h.l2Enabled() {
		if err := h.l2.Remove(ctx, key); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"l2 remove failed","key":%q,"error":%q}`, key, err)
		}
	}
	if h.backplane != nil {
		if err := h.backplane.PublishInvalidation(ctx, key); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"publish invalidation failed","key":%q,"error":%q}`, key, err)
		}
	}
	return nil
}

// RemoveByTag deletes every key associated with tag from both tiers and
// publishes a tag invalidation.
func (h *HybridStorage) RemoveByTag(ctx context.Context, tag string) error {
	if h.l1Enabled() {
		h.l1.RemoveByTag(tag)
	}
	if h.l2Enabled() {
		if _, err := h.l2.RemoveByTag(ctx, tag); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"l2 removeByTag failed","tag":%q,"error":%q}`, tag, err)
		}
	}
	if h.backplane != nil {
		if err := h.backplane.PublishTagInvalidation(ctx, tag); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"publish tag invalidation failed","tag":%q,"error":%q}`, tag, err)
		}
	}
	return nil
}

// ClearAll empties L1 and publishes a clear-all backplane message. L2 is
// not cleared: Provider has no clear operation.
func (h *HybridStorage) ClearAll(ctx context.Context) error {
	if h.l1Enabled() {
		h.l1.Clear()
	}
	if h.backplane != nil {
		if err := h.backplane.PublishClearAll(ctx); err != nil {
			log.Printf(`{"level":"warn","component":"hybrid_storage","msg":"publish clear-all failed","error":%q}`, err)
		}
	}
	return nil
}

// L1 exposes the underlying MemoryStore for diagnostics and for backplane
// subscribers that need to drop local L1 entries on a remote invalidation
// without going through the full Get/Set contract.
func (h *HybridStorage) L1() *MemoryStore { return h.l1 }
