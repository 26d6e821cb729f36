// Package policy implements the cache's policy model: an immutable
// CachePolicy value type with per-field provenance, pluggable PolicySource
// implementations at fixed priorities, and a PolicyRegistry that merges
// them into an effective policy per method.
package policy

import "time"

// MethodID names a cacheable method as "Type.Method".
type MethodID string

// Field is a bitset over CachePolicy's mergeable fields. A contribution
// records exactly which fields it touched so that, e.g., a source setting
// only Duration never clobbers another source's Tags.
type Field uint8

const (
	FieldDuration Field = 1 << iota
	FieldTags
	FieldKeyGenerator
	FieldVersion
	FieldRequireIdempotent
	FieldMetadata
	FieldStampede
)

func (f Field) Has(bit Field) bool { return f&bit != 0 }

// StampedeMode selects which of InvocationCore's stampede-protection
// strategies governs a method. At most one is active per method.
type StampedeMode int

const (
	// StampedeNone performs a direct factory invocation on every miss,
	// relying only on the default singleflight coalescing.
	StampedeNone StampedeMode = iota
	// StampedeDistributedLock serializes factory execution per key via
	// StripedLock.
	StampedeDistributedLock
	// StampedeProbabilistic recomputes freshness on every hit and, with a
	// probability that grows as the entry ages, treats the hit as a miss.
	StampedeProbabilistic
	// StampedeRefreshAhead schedules a background factory execution once
	// remaining TTL drops below RefreshAheadWindow, continuing to serve the
	// current value in the meantime.
	StampedeRefreshAhead
)

// StampedeConfig parameterizes whichever StampedeMode is active.
type StampedeConfig struct {
	Mode StampedeMode

	// LockTimeout and MaxConcurrency govern StampedeDistributedLock.
	LockTimeout    time.Duration
	MaxConcurrency int64

	// ProbabilisticBeta is the β in 1 − exp(−β·(1−r)), defaulting to 1 when
	// zero. Used only by StampedeProbabilistic.
	ProbabilisticBeta float64

	// RefreshAheadWindow is the remaining-TTL threshold that triggers a
	// background refresh. Used only by StampedeRefreshAhead.
	RefreshAheadWindow time.Duration
}

// ContributionKind distinguishes a source setting a field from explicitly
// clearing one.
type ContributionKind int

const (
	ContributionSet ContributionKind = iota
	ContributionClear
)

// Contribution audits which source set which fields, and when. Provenance
// on a CachePolicy is an append-only sequence of these.
type Contribution struct {
	SourceID  string
	Fields    Field
	Kind      ContributionKind
	Timestamp time.Time
	Metadata  map[string]string
	Notes     string
}

// CachePolicy is an immutable per-method caching policy. Constructed via
// Builder or MergePerField; never mutated after construction — "updating"
// a policy means building a new one and replacing the old.
type CachePolicy struct {
	Duration          time.Duration
	Tags              []string
	KeyGeneratorKind  string
	Version           int
	RequireIdempotent bool
	Metadata          map[string]string
	Stampede          StampedeConfig
	Provenance        []Contribution

	// fieldsSet records which fields this particular value actually
	// carries meaningful data for, so merges know what to overwrite.
	fieldsSet Field
}

// FieldsSet reports which fields this policy carries.
func (p *CachePolicy) FieldsSet() Field {
	if p == nil {
		return 0
	}
	return p.fieldsSet
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneProvenance(in []Contribution) []Contribution {
	if in == nil {
		return nil
	}
	out := make([]Contribution, len(in))
	copy(out, in)
	return out
}

// Builder constructs a CachePolicy field by field, tracking which fields
// were touched so the resulting value's fieldsSet (and its single
// provenance Contribution) are accurate.
type Builder struct {
	policy  CachePolicy
	touched Field
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Duration(d time.Duration) *Builder {
	b.policy.Duration = d
	b.touched |= FieldDuration
	return b
}

func (b *Builder) Tags(tags []string) *Builder {
	b.policy.Tags = cloneStrings(tags)
	b.touched |= FieldTags
	return b
}

func (b *Builder) KeyGeneratorKind(kind string) *Builder {
	b.policy.KeyGeneratorKind = kind
	b.touched |= FieldKeyGenerator
	return b
}

func (b *Builder) Version(v int) *Builder {
	b.policy.Version = v
	b.touched |= FieldVersion
	return b
}

func (b *Builder) RequireIdempotent(require bool) *Builder {
	b.policy.RequireIdempotent = require
	b.touched |= FieldRequireIdempotent
	return b
}

func (b *Builder) Metadata(md map[string]string) *Builder {
	b.policy.Metadata = cloneMetadata(md)
	b.touched |= FieldMetadata
	return b
}

func (b *Builder) Stampede(cfg StampedeConfig) *Builder {
	b.policy.Stampede = cfg
	b.touched |= FieldStampede
	return b
}

// Build finalizes the policy, stamping a single Contribution describing
// this construction.
func (b *Builder) Build(sourceID string, kind ContributionKind, timestamp time.Time, metadata map[string]string, notes string) *CachePolicy {
	p := b.policy
	p.fieldsSet = b.touched
	p.Provenance = []Contribution{{
		SourceID:  sourceID,
		Fields:    b.touched,
		Kind:      kind,
		Timestamp: timestamp,
		Metadata:  cloneMetadata(metadata),
		Notes:     notes,
	}}
	return &p
}

// MergePerField folds high's touched fields over low, leaving low's
// untouched-by-high fields intact. Provenance is the concatenation of
// low's then high's, preserving priority-ascending order when folded left
// to right across a sorted snapshot list.
func MergePerField(low, high *CachePolicy) *CachePolicy {
	if low == nil {
		return high
	}
	if high == nil {
		return low
	}

	merged := *low
	merged.Tags = cloneStrings(low.Tags)
	merged.Metadata = cloneMetadata(low.Metadata)

	hf := high.fieldsSet
	if hf.Has(FieldDuration) {
		merged.Duration = high.Duration
	}
	if hf.Has(FieldTags) {
		merged.Tags = cloneStrings(high.Tags)
	}
	if hf.Has(FieldKeyGenerator) {
		merged.KeyGeneratorKind = high.KeyGeneratorKind
	}
	if hf.Has(FieldVersion) {
		merged.Version = high.Version
	}
	if hf.Has(FieldRequireIdempotent) {
		merged.RequireIdempotent = high.RequireIdempotent
	}
	if hf.Has(FieldMetadata) {
		merged.Metadata = cloneMetadata(high.Metadata)
	}
	if hf.Has(FieldStampede) {
		merged.Stampede = high.Stampede
	}

	merged.fieldsSet = low.fieldsSet | hf
	merged.Provenance = append(cloneProvenance(low.Provenance), high.Provenance...)
	return &merged
}

// PolicySnapshot is one source's view of one method's policy at a moment.
type PolicySnapshot struct {
	SourceID  string
	MethodID  MethodID
	Policy    *CachePolicy
	Timestamp time.Time
	Metadata  map[string]string
}

// ChangeReason classifies a PolicyChange.
type ChangeReason int

const (
	Added ChangeReason = iota
	Updated
	Removed
)

// PolicyDelta describes what changed in a PolicyChange.
type PolicyDelta struct {
	SetFields     Field
	ClearedFields Field
	Policy        *CachePolicy
}

// PolicyChange is emitted by a PolicySource's watch stream.
type PolicyChange struct {
	SourceID  string
	MethodID  MethodID
	Delta     PolicyDelta
	Reason    ChangeReason
	Timestamp time.Time
}

// EffectivePolicy is the result of merging every live PolicySnapshot for a
// methodId across all sources, by ascending priority.
type EffectivePolicy struct {
	MethodID   MethodID
	Policy     *CachePolicy
	ComputedAt time.Time
}
