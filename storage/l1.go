// Package storage implements the cache's storage tier: MemoryStore (L1),
// the StorageProvider (L2) contract and reference adapters, and
// HybridStorage, which coordinates the two.
package storage

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/cacheerrors"
	"encore.app/pkg/models"
	"encore.app/tagindex"
)

// EvictionPolicyKind selects MemoryStore's active eviction policy. Exactly
// one is active at a time.
type EvictionPolicyKind int

const (
	EvictLRU EvictionPolicyKind = iota
	EvictLFU
	EvictFIFO
	EvictTTLFirst
)

// evictionFraction is the approximate share of entries evicted in a single
// pass once a bound is crossed.
const evictionFraction = 0.10

// L1Config configures a MemoryStore.
type L1Config struct {
	MaxItems        int
	MaxBytes        int64
	EvictionPolicy  EvictionPolicyKind
	SweepInterval   time.Duration
}

// DefaultL1Config returns sane defaults: LRU, 10,000 items, no byte bound,
// a 30s sweep interval.
func DefaultL1Config() L1Config {
	return L1Config{
		MaxItems:       10_000,
		MaxBytes:       0,
		EvictionPolicy: EvictLRU,
		SweepInterval:  30 * time.Second,
	}
}

type node struct {
	entry       *models.Entry
	listElement *list.Element // order list: MRU-front for LRU, insertion-front for FIFO
	accessCount uint64        // atomic, used by LFU
	insertedAt  time.Time
}

// Stats reports MemoryStore counters. All fields are monotonically
// non-decreasing except EntryCount/TagMappingCount/EstimatedMemoryBytes, which
// track current state. Reading Stats is non-blocking.
type Stats struct {
	Hits                 int64
	Misses               int64
	Evictions            int64
	EntryCount           int
	TagMappingCount      int
	EstimatedMemoryBytes int64
}

// MemoryStore is the bounded, concurrent L1 key-value store with TTL,
// pluggable eviction, and tag support.
//
// Design follows cache-manager/cache.go's L1Cache: an RWMutex plus a
// container/list for O(1) order tracking, global-lock writes (acceptable
// below ~100K ops/sec; shard for higher throughput), lazy expiration on
// read plus a background sweeper.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*node
	order    *list.List // front = most-recently-used / most-recently-inserted
	tags     *tagindex.Index
	cfg      L1Config
	memBytes int64

	// evictMu serializes eviction passes against each other without ever
	// being held by Get/Exists. A pass only takes mu briefly, per entry
	// removed, so concurrent readers contend with an eviction for
	// microseconds rather than for the whole pass.
	evictMu sync.Mutex

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a MemoryStore and starts its background expiration
// sweeper. Callers must call Close to stop the sweeper.
func New(cfg L1Config) *MemoryStore {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultL1Config().MaxItems
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultL1Config().SweepInterval
	}

	s := &MemoryStore{
		items:     make(map[string]*node, cfg.MaxItems),
		order:     list.New(),
		tags:      tagindex.New(),
		cfg:       cfg,
		stopSweep: make(chan struct{}),
	}
	go s.runSweeper()
	return s
}

func (s *MemoryStore) runSweeper() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for key, n := range s.items {
		if n.entry.IsExpired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.removeLocked(key)
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

// Get returns the entry's value bytes, its absolute expiration time, and
// whether it was found and unexpired. A type-tag mismatch (when wantType is
// non-empty) is reported as a miss and the offending entry is removed
// (TypeMismatch, never an unsafe cast).
//
// expiresAt is returned so callers (InvocationCore's shouldRefreshAhead)
// can discriminate remaining TTL on L1 hits, not just L2 hits (§9 open
// question decision).
func (s *MemoryStore) Get(key string, wantType string) (value []byte, expiresAt time.Time, ok bool) {
	now := time.Now()

	s.mu.RLock()
	n, exists := s.items[key]
	s.mu.RUnlock()

	if !exists {
		s.misses.Add(1)
		return nil, time.Time{}, false
	}

	if n.entry.IsExpired(now) {
		s.mu.Lock()
		s.removeLocked(key)
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, time.Time{}, false
	}

	if wantType != "" && n.entry.TypeTag != "" && n.entry.TypeTag != wantType {
		s.mu.Lock()
		s.removeLocked(key)
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, time.Time{}, false
	}

	s.recordAccess(n)
	s.hits.Add(1)
	return n.entry.Value, n.entry.ExpiresAt(), true
}

func (s *MemoryStore) recordAccess(n *node) {
	atomic.AddUint64(&n.accessCount, 1)
	n.entry.Touch()
	if s.cfg.EvictionPolicy == EvictLRU {
		s.mu.Lock()
		s.order.MoveToFront(n.listElement)
		s.mu.Unlock()
	}
}

// Set stores value under key with the given TTL, type tag, content type,
// and tags, evicting per the active policy if the store is at or over
// capacity.
func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) {
	entry := models.NewEntryWithTags(key, value, typeTag, contentType, ttl, tags)

	s.mu.Lock()
	if existing, exists := s.items[key]; exists {
		s.memBytes -= int64(existing.entry.Size())
		existing.entry = entry
		s.order.MoveToFront(existing.listElement)
		s.tags.Associate(key, tags)
		s.memBytes += int64(entry.Size())
		s.mu.Unlock()
		return
	}

	needsEviction := s.overCapacityLocked(1)

	n := &node{entry: entry, insertedAt: time.Now()}
	n.listElement = s.order.PushFront(n)
	s.items[key] = n
	s.tags.Associate(key, tags)
	s.memBytes += int64(entry.Size())
	s.mu.Unlock()

	if needsEviction {
		s.evict()
	}
}

func (s *MemoryStore) overCapacityLocked(incoming int) bool {
	if s.cfg.MaxItems > 0 && len(s.items)+incoming > s.cfg.MaxItems {
		return true
	}
	if s.cfg.MaxBytes > 0 && s.memBytes >= s.cfg.MaxBytes {
		return true
	}
	return false
}

// evict runs one eviction pass, removing approximately evictionFraction of
// entries in the active policy's order. evictMu keeps concurrent passes
// from interleaving; it is never taken by Get/Exists, and each entry
// removal only holds mu for the single removeLocked call, so a pass never
// blocks readers for longer than one map delete.
func (s *MemoryStore) evict() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	s.mu.RLock()
	n := len(s.items)
	if n == 0 {
		s.mu.RUnlock()
		return
	}
	toEvict := int(float64(n) * evictionFraction)
	if toEvict < 1 {
		toEvict = 1
	}
	keys := s.evictionOrderLocked()
	s.mu.RUnlock()

	if toEvict > len(keys) {
		toEvict = len(keys)
	}
	for _, key := range keys[:toEvict] {
		s.mu.Lock()
		if s.removeLocked(key) {
			s.evictions.Add(1)
		}
		s.mu.Unlock()
	}
}

// evictionOrderLocked returns keys ordered from most-eligible-to-evict to
// least, per the active policy. Must be called with mu held for reading
// (RLock suffices; it only inspects s.items/s.order).
func (s *MemoryStore) evictionOrderLocked() []string {
	switch s.cfg.EvictionPolicy {
	case EvictLRU, EvictFIFO:
		// order list front = most-recently-used/inserted; back = least.
		// Evict from the back.
		keys := make([]string, 0, len(s.items))
		for e := s.order.Back(); e != nil; e = e.Prev() {
			keys = append(keys, e.Value.(*node).entry.Key)
		}
		return keys
	case EvictLFU:
		type kv struct {
			key   string
			count uint64
		}
		all := make([]kv, 0, len(s.items))
		for key, n := range s.items {
			all = append(all, kv{key, atomic.LoadUint64(&n.accessCount)})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].count < all[j].count })
		keys := make([]string, len(all))
		for i, e := range all {
			keys[i] = e.key
		}
		return keys
	case EvictTTLFirst:
		type kv struct {
			key       string
			expiresAt time.Time
		}
		all := make([]kv, 0, len(s.items))
		for key, n := range s.items {
			all = append(all, kv{key, n.entry.ExpiresAt()})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].expiresAt.Before(all[j].expiresAt) })
		keys := make([]string, len(all))
		for i, e := range all {
			keys[i] = e.key
		}
		return keys
	default:
		return nil
	}
}

// Remove deletes key. Returns true if it existed.
func (s *MemoryStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *MemoryStore) removeLocked(key string) bool {
	n, exists := s.items[key]
	if !exists {
		return false
	}
	s.order.Remove(n.listElement)
	s.memBytes -= int64(n.entry.Size())
	delete(s.items, key)
	s.tags.RemoveKey(key)
	return true
}

// RemoveByTag removes every key associated with tag and returns the keys
// removed.
func (s *MemoryStore) RemoveByTag(tag string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.tags.DrainTag(tag)
	for _, key := range keys {
		if n, exists := s.items[key]; exists {
			s.order.Remove(n.listElement)
			s.memBytes -= int64(n.entry.Size())
			delete(s.items, key)
		}
	}
	return keys
}

// Exists reports whether key is present and unexpired, without affecting
// eviction order or hit/miss counters.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, exists := s.items[key]
	if !exists {
		return false
	}
	return !n.entry.IsExpired(time.Now())
}

// Clear removes every entry.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*node, s.cfg.MaxItems)
	s.order = list.New()
	s.tags.Clear()
	s.memBytes = 0
}

// Stats returns a point-in-time snapshot of store counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	count := len(s.items)
	mem := s.memBytes
	s.mu.RUnlock()

	return Stats{
		Hits:                 s.hits.Load(),
		Misses:               s.misses.Load(),
		Evictions:            s.evictions.Load(),
		EntryCount:           count,
		TagMappingCount:      s.tags.TagCount(),
		EstimatedMemoryBytes: mem,
	}
}

// ErrTypeMismatch is returned by typed accessors layered atop MemoryStore
// (see HybridStorage) when a stored TypeTag does not match the requested
// type.
var ErrTypeMismatch = cacheerrors.ErrTypeMismatch
