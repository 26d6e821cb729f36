// Package tagindex implements the cache's TagIndex: a bidirectional
// reverse map between invalidation tags and the keys carrying them,
// supporting bulk invalidation by tag.
//
// All operations are atomic with respect to a single TagIndex instance.
// Under concurrent associate() calls for overlapping (key, tag) pairs, the
// index converges to the state implied by the last writer's associate for
// each key.
package tagindex

import "sync"

// Index is a concurrency-safe tag -> {keys} / key -> {tags} bidirectional
// map.
type Index struct {
	mu        sync.RWMutex
	tagToKeys map[string]map[string]struct{}
	keyToTags map[string]map[string]struct{}
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		tagToKeys: make(map[string]map[string]struct{}),
		keyToTags: make(map[string]map[string]struct{}),
	}
}

// Associate adds key to every tag's key set and records the reverse
// mapping. A prior association for key is replaced: key is first removed
// from any tags it is no longer associated with, so the index reflects the
// most recent write for that key (last-writer-wins per key).
func (idx *Index) Associate(key string, tags []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeKeyLocked(key)

	if len(tags) == 0 {
		return
	}

	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
		keys, ok := idx.tagToKeys[tag]
		if !ok {
			keys = make(map[string]struct{})
			idx.tagToKeys[tag] = keys
		}
		keys[key] = struct{}{}
	}
	idx.keyToTags[key] = set
}

// RemoveKey removes key from every tag it was associated with and drops its
// reverse entry. Safe to call on a key with no associations.
func (idx *Index) RemoveKey(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeKeyLocked(key)
}

func (idx *Index) removeKeyLocked(key string) {
	tags, ok := idx.keyToTags[key]
	if !ok {
		return
	}
	for tag := range tags {
		if keys, ok := idx.tagToKeys[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(idx.tagToKeys, tag)
			}
		}
	}
	delete(idx.keyToTags, key)
}

// DrainTag returns every key associated with tag and removes the
// association for all of them (the tag's reverse entries on each key are
// also dropped).
func (idx *Index) DrainTag(tag string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keys, ok := idx.tagToKeys[tag]
	if !ok {
		return nil
	}

	result := make([]string, 0, len(keys))
	for key := range keys {
		result = append(result, key)
		if tags, ok := idx.keyToTags[key]; ok {
			delete(tags, tag)
			if len(tags) == 0 {
				delete(idx.keyToTags, key)
			}
		}
	}
	delete(idx.tagToKeys, tag)
	return result
}

// TagsFor returns the tags currently associated with key.
func (idx *Index) TagsFor(key string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tags, ok := idx.keyToTags[key]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(tags))
	for tag := range tags {
		result = append(result, tag)
	}
	return result
}

// TagCount returns the number of distinct live tags.
func (idx *Index) TagCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.tagToKeys)
}

// KeyCount returns the number of keys with at least one tag association.
func (idx *Index) KeyCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keyToTags)
}

// Clear drops every association.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tagToKeys = make(map[string]map[string]struct{})
	idx.keyToTags = make(map[string]map[string]struct{})
}
