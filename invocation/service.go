package invocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.app/backplane"
	"encore.app/metrics"
	"encore.app/policy"
	"encore.app/serialize"
	"encore.app/storage"
)

// Service wires a default Core atop an in-process HybridStorage and policy
// Registry, and exposes diagnostics over HTTP. Generic callers embedding
// this module in-process should use Instance() and call
// invocation.GetOrCreate directly — Encore API endpoints cannot themselves
// be generic, the same limitation that keeps GetOrCreate out of this file.
//encore:service
type Service struct {
	core      *Core
	refresher *Refresher
	l1        *storage.MemoryStore
	l2        *storage.InProcessL2
}

func initService() (*Service, error) {
	l1 := storage.New(storage.L1Config{
		MaxItems:       50_000,
		EvictionPolicy: storage.EvictLRU,
		SweepInterval:  30 * time.Second,
	})
	l2 := storage.NewInProcessL2(storage.L1Config{
		MaxItems:       250_000,
		EvictionPolicy: storage.EvictTTLFirst,
		SweepInterval:  time.Minute,
	})
	hybrid := storage.NewHybrid(l1, l2, backplane.Instance(), storage.DefaultHybridConfig())

	refresher := NewRefresher(4, 10, 20, 30*time.Second)

	core := NewCore(hybrid, policy.NewRegistry(), CoreConfig{
		DefaultSerializer: serialize.NewJSON(),
		DefaultTTL:        5 * time.Minute,
		Refresher:         refresher,
		Hooks:             metricsHooks(metrics.Instance()),
	})

	return &Service{core: core, refresher: refresher, l1: l1, l2: l2}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("invocation: failed to initialize service: %v", err))
	}
}

// Instance returns the process-wide Core, for in-process callers that need
// the generic GetOrCreate entry point.
func Instance() *Core {
	if svc == nil {
		return nil
	}
	return svc.core
}

// Registry returns the process-wide PolicyRegistry backing Instance's Core,
// so application startup code can RegisterSource on it before serving
// traffic.
func Registry() *policy.Registry {
	if svc == nil {
		return nil
	}
	return svc.core.registry
}

type MetricsResponse struct {
	Snapshot
	L1Stats      storage.Stats `json:"l1_stats"`
	RefreshQueue int           `json:"refresh_queue_depth"`
}

//encore:api public method=GET path=/invocation/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("invocation: service not initialized")
	}
	return &MetricsResponse{
		Snapshot:     svc.core.metrics.Snapshot(),
		L1Stats:      svc.l1.Stats(),
		RefreshQueue: svc.refresher.QueueDepth(),
	}, nil
}

type InvalidateRequest struct {
	Key string `json:"key"`
}

type InvalidateResponse struct {
	Success bool `json:"success"`
}

// Invalidate removes key from the in-process cache backing this service's
// Core and fans the invalidation out across instances via the backplane
// (delegating to HybridStorage.Remove, which already does both).
//encore:api public method=POST path=/invocation/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("invocation: service not initialized")
	}
	if req.Key == "" {
		return nil, errors.New("invocation: key cannot be empty")
	}
	if err := svc.core.storage.Remove(ctx, req.Key); err != nil {
		return nil, err
	}
	return &InvalidateResponse{Success: true}, nil
}
