package storage

import (
	"context"
	"fmt"
	"time"

	"encore.app/pkg/utils"
)

// ShardedL2 fans a StorageProvider out across multiple shards selected by
// consistent hashing, demonstrating the Provider contract against more
// than one backing node without inventing a wire protocol. It is built on
// pkg/utils.HashRing, the same consistent-hash ring the donor ships for
// node routing, repurposed here rather than left unwired.
type ShardedL2 struct {
	ring   *utils.HashRing
	shards map[string]Provider
}

// NewShardedL2 constructs a ShardedL2 with the given named shards, each
// weighted equally on the ring.
func NewShardedL2(shards map[string]Provider) (*ShardedL2, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("storage: ShardedL2 requires at least one shard")
	}
	ring := utils.NewHashRing(utils.DefaultReplicas)
	for name := range shards {
		if err := ring.AddNode(name, 1); err != nil {
			return nil, fmt.Errorf("storage: adding shard %q to ring: %w", name, err)
		}
	}
	return &ShardedL2{ring: ring, shards: shards}, nil
}

func (s *ShardedL2) shardFor(key string) Provider {
	name := s.ring.GetNode(key)
	return s.shards[name]
}

func (s *ShardedL2) Get(ctx context.Context, key string) ([]byte, string, string, []string, time.Time, bool, error) {
	return s.shardFor(key).Get(ctx, key)
}

func (s *ShardedL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration, typeTag, contentType string, tags []string) error {
	return s.shardFor(key).Set(ctx, key, value, ttl, typeTag, contentType, tags)
}

func (s *ShardedL2) Remove(ctx context.Context, key string) error {
	return s.shardFor(key).Remove(ctx, key)
}

// RemoveByTag fans out to every shard, since a tag's keys may be spread
// across the ring.
func (s *ShardedL2) RemoveByTag(ctx context.Context, tag string) ([]string, error) {
	var all []string
	for _, shard := range s.shards {
		keys, err := shard.RemoveByTag(ctx, tag)
		if err != nil {
			return all, err
		}
		all = append(all, keys...)
	}
	return all, nil
}

func (s *ShardedL2) Exists(ctx context.Context, key string) (bool, error) {
	return s.shardFor(key).Exists(ctx, key)
}

// Health reports the first unhealthy shard's error, if any.
func (s *ShardedL2) Health(ctx context.Context) error {
	for name, shard := range s.shards {
		if err := shard.Health(ctx); err != nil {
			return fmt.Errorf("storage: shard %q unhealthy: %w", name, err)
		}
	}
	return nil
}

// Stats aggregates stats across every shard.
func (s *ShardedL2) Stats(ctx context.Context) (ProviderStats, error) {
	var agg ProviderStats
	agg.Healthy = true
	for _, shard := range s.shards {
		st, err := shard.Stats(ctx)
		if err != nil {
			return agg, err
		}
		agg.Hits += st.Hits
		agg.Misses += st.Misses
		agg.EntryCount += st.EntryCount
		agg.Healthy = agg.Healthy && st.Healthy
	}
	return agg, nil
}
