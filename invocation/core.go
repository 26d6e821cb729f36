// Package invocation implements InvocationCore: the decorated-method
// entry point that ties together key generation, hybrid storage,
// stampede protection, and the policy pipeline's effective policy for a
// single cached call.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"time"

	"golang.org/x/sync/singleflight"

	"encore.app/cacheerrors"
	"encore.app/keygen"
	"encore.app/policy"
	"encore.app/serialize"
	"encore.app/storage"
	"encore.app/stripedlock"
)

// CoreConfig configures a Core.
type CoreConfig struct {
	// Lock is the StripedLock used for StampedeDistributedLock mode. A
	// default (stripedlock.DefaultStripes stripes) is constructed if nil.
	Lock *stripedlock.Lock

	// DefaultSerializer encodes/decodes every value InvocationCore writes
	// through HybridStorage. Defaults to serialize.NewJSON().
	DefaultSerializer serialize.Serializer

	// DefaultTTL is used for methods with no effective policy and as the
	// fallback when an effective policy leaves Duration unset.
	DefaultTTL time.Duration

	// Refresher runs StampedeRefreshAhead background executions. RefreshAhead
	// is a no-op (the stale value is simply served) if nil.
	Refresher *Refresher

	// Hooks fire after storage operations complete, per §4.L.
	Hooks Hooks
}

// Core is InvocationCore: resolves an effective policy, derives a cache
// key, and orchestrates stampede-protected factory execution against a
// HybridStorage backend.
type Core struct {
	storage    *storage.HybridStorage
	registry   *policy.Registry
	lock       *stripedlock.Lock
	serializer serialize.Serializer
	refresher  *Refresher
	metrics    *Metrics
	hooks      Hooks
	sfGroup    singleflight.Group

	defaultTTL    time.Duration
	defaultPolicy *policy.CachePolicy
}

// NewCore constructs a Core atop store and registry. registry may be nil,
// in which case every method uses the configured default policy.
func NewCore(store *storage.HybridStorage, registry *policy.Registry, cfg CoreConfig) *Core {
	if cfg.Lock == nil {
		cfg.Lock = stripedlock.New(stripedlock.DefaultStripes)
	}
	if cfg.DefaultSerializer == nil {
		cfg.DefaultSerializer = serialize.NewJSON()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	defaultPolicy := policy.NewBuilder().
		Duration(cfg.DefaultTTL).
		KeyGeneratorKind(keygen.StrategyFastHash).
		Build("invocation-default", policy.ContributionSet, time.Now(), nil,
			"fallback policy for methods with no registered PolicySource entry")

	return &Core{
		storage:       store,
		registry:      registry,
		lock:          cfg.Lock,
		serializer:    cfg.DefaultSerializer,
		refresher:     cfg.Refresher,
		metrics:       &Metrics{},
		hooks:         cfg.Hooks,
		defaultTTL:    cfg.DefaultTTL,
		defaultPolicy: defaultPolicy,
	}
}

// Metrics returns the core's counters, for diagnostics endpoints.
func (c *Core) Metrics() *Metrics { return c.metrics }

func (c *Core) resolvePolicy(methodID policy.MethodID) *policy.CachePolicy {
	if c.registry != nil {
		if eff, ok := c.registry.GetPolicy(methodID); ok && eff.Policy != nil {
			return eff.Policy
		}
	}
	return c.defaultPolicy
}

func (c *Core) ttlFor(eff *policy.CachePolicy) time.Duration {
	if eff.Duration > 0 {
		return eff.Duration
	}
	return c.defaultTTL
}

func keygenPolicyFrom(eff *policy.CachePolicy) keygen.Policy {
	return keygen.Policy{
		KeyGeneratorKind: eff.KeyGeneratorKind,
		Version:          eff.Version,
		HasVersion:       eff.FieldsSet().Has(policy.FieldVersion),
	}
}

// typeTagFor derives the stable type tag MemoryStore/HybridStorage use to
// reject cross-type reads (cacheerrors.ErrTypeMismatch) without ever
// unsafe-casting a decoded value.
func typeTagFor[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

func shouldRefreshAhead(now, expiresAt time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return expiresAt.Sub(now) <= window
}

// probabilisticRefreshNeeded implements §4.L's "1 − exp(−β·(1−r))"
// probability of treating a still-fresh hit as refresh-needed, where r is
// the fraction of the entry's lifetime remaining.
func probabilisticRefreshNeeded(now, expiresAt time.Time, duration time.Duration, beta float64) bool {
	if duration <= 0 {
		return false
	}
	if beta <= 0 {
		beta = 1
	}
	r := float64(expiresAt.Sub(now)) / float64(duration)
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	p := 1 - math.Exp(-beta*(1-r))
	return rand.Float64() < p
}

func writeThrough[T any](ctx context.Context, c *Core, key string, value T, eff *policy.CachePolicy) {
	raw, err := c.serializer.Encode(value)
	if err != nil {
		c.recordError(ctx, "", key, fmt.Errorf("invocation: encoding value for %q: %w", key, err))
		return
	}
	if err := c.storage.Set(ctx, key, raw, c.ttlFor(eff), typeTagFor[T](), c.serializer.ContentType(), eff.Tags); err != nil {
		c.recordError(ctx, "", key, fmt.Errorf("invocation: writing %q through storage: %w", key, err))
	}
}

func decodeHit[T any](c *Core, raw []byte) (T, error) {
	var value T
	if err := c.serializer.Decode(raw, &value); err != nil {
		return value, err
	}
	return value, nil
}

// GetOrCreate is InvocationCore's entry point (§4.L): resolve methodID's
// effective policy, derive a key from args, and return either a live cache
// hit or the result of calling factory, protected against stampede per the
// policy's StampedeConfig.
//
// callerIdempotent must be true if policy.RequireIdempotent is set for
// methodID; otherwise GetOrCreate returns cacheerrors.ErrIdempotencyViolation
// without invoking factory.
func GetOrCreate[T any](ctx context.Context, c *Core, methodID policy.MethodID, args []any, factory func(context.Context) (T, error), callerIdempotent bool) (T, error) {
	var zero T

	eff := c.resolvePolicy(methodID)

	gen, err := keygen.New(eff.KeyGeneratorKind)
	if err != nil {
		c.recordError(ctx, methodID, "", err)
		return zero, err
	}
	key, err := gen.Generate(string(methodID), args, keygenPolicyFrom(eff))
	if err != nil {
		c.recordError(ctx, methodID, "", err)
		return zero, err
	}

	typeTag := typeTagFor[T]()

	if raw, expiresAt, ok := c.storage.Get(ctx, key, typeTag); ok {
		now := time.Now()
		treatAsMiss := eff.Stampede.Mode == policy.StampedeProbabilistic &&
			probabilisticRefreshNeeded(now, expiresAt, eff.Duration, eff.Stampede.ProbabilisticBeta)

		if !treatAsMiss {
			value, err := decodeHit[T](c, raw)
			if err != nil {
				c.recordError(ctx, methodID, key, err)
				return zero, err
			}
			if eff.Stampede.Mode == policy.StampedeRefreshAhead && shouldRefreshAhead(now, expiresAt, eff.Stampede.RefreshAheadWindow) {
				scheduleRefreshAhead(c, methodID, key, eff, factory)
				c.recordRefreshAhead()
				return value, nil
			}
			c.recordHit(methodID, key)
			return value, nil
		}
		// Probabilistic refresh decided this hit counts as a miss: fall
		// through to re-derive a fresh value as though the entry had
		// actually expired.
	}

	c.recordMiss(methodID, key)

	// Idempotency is only a requirement on the factory-invocation path: a
	// cache hit above already returned without ever reaching here, so a
	// non-idempotent caller can still read a cached value. Only a miss,
	// which is about to call factory, enforces RequireIdempotent.
	if eff.RequireIdempotent && !callerIdempotent {
		err := fmt.Errorf("%w: method %s requires an idempotent caller", cacheerrors.ErrIdempotencyViolation, methodID)
		c.recordError(ctx, methodID, key, err)
		return zero, err
	}

	if eff.Stampede.Mode == policy.StampedeDistributedLock {
		return getOrCreateLocked(ctx, c, methodID, key, typeTag, eff, factory)
	}
	return getOrCreateCoalesced(ctx, c, methodID, key, typeTag, eff, factory)
}

// getOrCreateLocked serializes factory execution per key via StripedLock,
// with double-checked locking so a caller that loses the race to acquire
// the lock still benefits from whichever goroutine won it (§4.L steps 4-8).
func getOrCreateLocked[T any](ctx context.Context, c *Core, methodID policy.MethodID, key, typeTag string, eff *policy.CachePolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	lockKey := "lock:" + key

	var acquireErr error
	if eff.Stampede.LockTimeout > 0 {
		acquireErr = c.lock.AcquireWithTimeout(ctx, lockKey, eff.Stampede.LockTimeout)
	} else {
		acquireErr = c.lock.Acquire(ctx, lockKey)
	}

	if acquireErr != nil {
		if errors.Is(acquireErr, cacheerrors.ErrLockTimeout) {
			// Per cacheerrors.ErrLockTimeout's documented contract: callers
			// fall through to direct factory execution rather than failing.
			c.recordStampedeBlocked()
			return runFactoryDirect(ctx, c, methodID, key, eff, factory)
		}
		c.recordError(ctx, methodID, key, acquireErr)
		return zero, acquireErr
	}
	defer c.lock.Release(lockKey)

	if raw, _, ok := c.storage.Get(ctx, key, typeTag); ok {
		value, err := decodeHit[T](c, raw)
		if err == nil {
			c.recordStampedeBlocked()
			return value, nil
		}
		// A decode failure on the re-probed value is treated like a miss:
		// fall through to a fresh factory execution under the held lock.
	}

	return runFactoryDirect(ctx, c, methodID, key, eff, factory)
}

// getOrCreateCoalesced is the default (non-DistributedLock) path: concurrent
// same-key misses on this instance share one factory execution via
// singleflight, giving P2's "at most one factory per instance per key"
// guarantee outside DistributedLock mode too.
func getOrCreateCoalesced[T any](ctx context.Context, c *Core, methodID policy.MethodID, key, typeTag string, eff *policy.CachePolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T

	type result struct {
		value     T
		fromCache bool
	}

	v, err, shared := c.sfGroup.Do(key, func() (interface{}, error) {
		if raw, _, ok := c.storage.Get(ctx, key, typeTag); ok {
			if value, derr := decodeHit[T](c, raw); derr == nil {
				return result{value: value, fromCache: true}, nil
			}
		}
		value, ferr := factory(ctx)
		if ferr != nil {
			return nil, cacheerrors.NewFactoryError(string(methodID), ferr)
		}
		writeThrough(ctx, c, key, value, eff)
		return result{value: value}, nil
	})

	if err != nil {
		c.recordError(ctx, methodID, key, err)
		return zero, err
	}

	res := v.(result)
	if res.fromCache || shared {
		// Either this call found the value another goroutine already wrote
		// (double-checked inside the singleflight call), or it waited on a
		// call that ran on another goroutine's behalf: in both cases this
		// particular call was spared its own factory execution.
		c.recordStampedeBlocked()
	}
	return res.value, nil
}

func runFactoryDirect[T any](ctx context.Context, c *Core, methodID policy.MethodID, key string, eff *policy.CachePolicy, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	value, err := factory(ctx)
	if err != nil {
		wrapped := cacheerrors.NewFactoryError(string(methodID), err)
		c.recordError(ctx, methodID, key, wrapped)
		return zero, wrapped
	}
	writeThrough(ctx, c, key, value, eff)
	return value, nil
}

func scheduleRefreshAhead[T any](c *Core, methodID policy.MethodID, key string, eff *policy.CachePolicy, factory func(context.Context) (T, error)) {
	if c.refresher == nil {
		return
	}
	task := func(ctx context.Context) {
		value, err := factory(ctx)
		if err != nil {
			c.recordError(ctx, methodID, key, cacheerrors.NewFactoryError(string(methodID), err))
			return
		}
		writeThrough(ctx, c, key, value, eff)
	}
	c.refresher.Schedule(task)
}
