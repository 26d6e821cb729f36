package storage

import (
	"context"
	"time"
)

// ProviderStats mirrors Stats but for an L2 StorageProvider, whose
// implementation may not track every field MemoryStore does.
type ProviderStats struct {
	Hits       int64
	Misses     int64
	EntryCount int
	Healthy    bool
}

// Provider is the StorageProvider contract (§4.E): a pluggable distributed
// KV abstraction. Implementations must honor TTLs and tag-set invalidation
// semantically identical to MemoryStore; failures are surfaced (as a
// non-nil error) so HybridStorage can degrade to L1-only.
//
// Get's expiresAt is the entry's absolute expiration time as known to this
// provider, so HybridStorage can clamp a warmed L1 copy against the L2
// entry's actual remaining lifetime (I4) instead of a fixed ceiling. An
// implementation that cannot track per-entry expiry returns the zero
// time.Time, and callers fall back to their own ceiling.
type Provider interface {
	Get(ctx context.Context, key string) (value []byte, typeTag, contentType string, tags []string, expiresAt time.Time, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) error
	Remove(ctx context.Context, key string) error
	RemoveByTag(ctx context.Context, tag string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
	Stats(ctx context.Context) (ProviderStats, error)
}

// InProcessL2 is a reference StorageProvider backed by a second MemoryStore
// instance. It stands in for a genuine distributed backend in tests and
// single-instance deployments; concrete wire protocols remain out of this
// runtime's scope (§1) and are left to real adapters implementing Provider.
type InProcessL2 struct {
	store *MemoryStore
}

// NewInProcessL2 constructs an InProcessL2 provider with the given L1-style
// config governing its own bound/eviction behavior.
func NewInProcessL2(cfg L1Config) *InProcessL2 {
	return &InProcessL2{store: New(cfg)}
}

func (p *InProcessL2) Get(ctx context.Context, key string) ([]byte, string, string, []string, time.Time, bool, error) {
	value, expiresAt, ok := p.store.Get(key, "")
	if !ok {
		return nil, "", "", nil, time.Time{}, false, nil
	}
	p.store.mu.RLock()
	n := p.store.items[key]
	var typeTag, contentType string
	var tags []string
	if n != nil {
		typeTag, contentType, tags = n.entry.TypeTag, n.entry.ContentType, n.entry.Tags
	}
	p.store.mu.RUnlock()
	return value, typeTag, contentType, tags, expiresAt, true, nil
}

func (p *InProcessL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) error {
	p.store.Set(key, value, ttl, typeTag, contentType, tags)
	return nil
}

func (p *InProcessL2) Remove(ctx context.Context, key string) error {
	p.store.Remove(key)
	return nil
}

func (p *InProcessL2) RemoveByTag(ctx context.Context, tag string) ([]string, error) {
	return p.store.RemoveByTag(tag), nil
}

func (p *InProcessL2) Exists(ctx context.Context, key string) (bool, error) {
	return p.store.Exists(key), nil
}

func (p *InProcessL2) Health(ctx context.Context) error { return nil }

func (p *InProcessL2) Stats(ctx context.Context) (ProviderStats, error) {
	s := p.store.Stats()
	return ProviderStats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		EntryCount: s.EntryCount,
		Healthy:    true,
	}, nil
}

// Close stops the underlying MemoryStore's sweeper.
func (p *InProcessL2) Close() { p.store.Close() }
