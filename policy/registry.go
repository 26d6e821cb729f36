package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeListener is notified whenever a methodId's effective policy is
// recomputed, so e.g. InvocationCore can invalidate a cached policy
// lookup or an HTTP handler can refresh its options.
type ChangeListener func(methodID MethodID, effective *EffectivePolicy)

// Registry merges every registered Source's snapshots into one effective
// policy per method, republishing a complete derived map via
// atomic.Value on every recompute so readers never observe a partially
// updated view (I3, snapshot stability).
type Registry struct {
	writeMu sync.Mutex // serializes all mutation of sourceData/sources

	sources    []Source
	sourceData map[string]map[MethodID]PolicySnapshot // sourceId -> methodId -> snapshot

	effective atomic.Value // holds map[MethodID]*EffectivePolicy

	listenersMu sync.RWMutex
	listeners   []ChangeListener

	cancelWatches []context.CancelFunc
}

// NewRegistry returns an empty registry. Call RegisterSource for each
// PolicySource before serving traffic.
func NewRegistry() *Registry {
	r := &Registry{
		sourceData: make(map[string]map[MethodID]PolicySnapshot),
	}
	r.effective.Store(make(map[MethodID]*EffectivePolicy))
	return r
}

// OnChange registers a listener invoked after every effective-policy
// recompute for the affected method.
func (r *Registry) OnChange(l ChangeListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(methodID MethodID, eff *EffectivePolicy) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, l := range r.listeners {
		l(methodID, eff)
	}
}

// RegisterSource loads src's initial snapshot, merges it in, and — unless
// ctx is nil — starts consuming src's change stream in the background
// until ctx is cancelled or Close is called.
func (r *Registry) RegisterSource(ctx context.Context, src Source) error {
	snaps, err := src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("policy: loading snapshot for source %q: %w", src.SourceID(), err)
	}

	r.writeMu.Lock()
	r.sources = append(r.sources, src)
	data := make(map[MethodID]PolicySnapshot, len(snaps))
	for _, s := range snaps {
		data[s.MethodID] = s
	}
	r.sourceData[src.SourceID()] = data
	methods := make([]MethodID, 0, len(snaps))
	for _, s := range snaps {
		methods = append(methods, s.MethodID)
	}
	r.writeMu.Unlock()

	r.recomputeAndPublish(methods)

	if ctx == nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	ch, err := src.Watch(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("policy: watching source %q: %w", src.SourceID(), err)
	}
	r.writeMu.Lock()
	r.cancelWatches = append(r.cancelWatches, cancel)
	r.writeMu.Unlock()

	if ch != nil {
		go r.consumeChanges(watchCtx, src.SourceID(), ch)
	}
	return nil
}

func (r *Registry) consumeChanges(ctx context.Context, sourceID string, ch <-chan PolicyChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			r.applyChange(sourceID, change)
		}
	}
}

func (r *Registry) applyChange(sourceID string, change PolicyChange) {
	r.writeMu.Lock()
	data := r.sourceData[sourceID]
	if data == nil {
		data = make(map[MethodID]PolicySnapshot)
		r.sourceData[sourceID] = data
	}
	switch change.Reason {
	case Removed:
		delete(data, change.MethodID)
	default:
		data[change.MethodID] = PolicySnapshot{
			SourceID:  sourceID,
			MethodID:  change.MethodID,
			Policy:    change.Delta.Policy,
			Timestamp: change.Timestamp,
		}
	}
	r.writeMu.Unlock()

	r.recomputeAndPublish([]MethodID{change.MethodID})
}

// recomputeAndPublish rebuilds the effective policy for each of methods
// and atomically republishes the whole derived map (copy-on-write).
func (r *Registry) recomputeAndPublish(methods []MethodID) {
	if len(methods) == 0 {
		return
	}

	r.writeMu.Lock()
	sourcesSnapshot := make([]Source, len(r.sources))
	copy(sourcesSnapshot, r.sources)
	sourceDataSnapshot := make(map[string]map[MethodID]PolicySnapshot, len(r.sourceData))
	for id, m := range r.sourceData {
		sourceDataSnapshot[id] = m
	}

	sort.Slice(sourcesSnapshot, func(i, j int) bool {
		return sourcesSnapshot[i].Priority() < sourcesSnapshot[j].Priority()
	})

	old := r.effective.Load().(map[MethodID]*EffectivePolicy)
	next := make(map[MethodID]*EffectivePolicy, len(old)+len(methods))
	for k, v := range old {
		next[k] = v
	}

	now := time.Now()
	var recomputed []*EffectivePolicy
	for _, methodID := range methods {
		var merged *CachePolicy
		for _, src := range sourcesSnapshot {
			snap, ok := sourceDataSnapshot[src.SourceID()][methodID]
			if !ok {
				continue
			}
			merged = MergePerField(merged, snap.Policy)
		}
		if merged == nil {
			delete(next, methodID)
			continue
		}
		eff := &EffectivePolicy{MethodID: methodID, Policy: merged, ComputedAt: now}
		next[methodID] = eff
		recomputed = append(recomputed, eff)
	}

	r.effective.Store(next)
	r.writeMu.Unlock()

	for _, eff := range recomputed {
		r.notify(eff.MethodID, eff)
	}
}

// GetPolicy returns the current effective policy for methodID, if any.
func (r *Registry) GetPolicy(methodID MethodID) (*EffectivePolicy, bool) {
	m := r.effective.Load().(map[MethodID]*EffectivePolicy)
	eff, ok := m[methodID]
	return eff, ok
}

// GetAllPolicies returns a snapshot of every currently effective policy.
func (r *Registry) GetAllPolicies() map[MethodID]*EffectivePolicy {
	m := r.effective.Load().(map[MethodID]*EffectivePolicy)
	out := make(map[MethodID]*EffectivePolicy, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FindBySource returns every methodId -> PolicySnapshot pair contributed
// by sourceID.
func (r *Registry) FindBySource(sourceID string) map[MethodID]PolicySnapshot {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	data := r.sourceData[sourceID]
	out := make(map[MethodID]PolicySnapshot, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// GetContributions returns the provenance entries a specific source
// contributed to methodID's effective policy.
func (r *Registry) GetContributions(methodID MethodID, sourceID string) []Contribution {
	eff, ok := r.GetPolicy(methodID)
	if !ok {
		return nil
	}
	var out []Contribution
	for _, c := range eff.Policy.Provenance {
		if c.SourceID == sourceID {
			out = append(out, c)
		}
	}
	return out
}

// Close cancels every source's watch goroutine.
func (r *Registry) Close() {
	r.writeMu.Lock()
	cancels := r.cancelWatches
	r.cancelWatches = nil
	r.writeMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
