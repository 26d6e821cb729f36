package httpcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore.app/backplane"
	"encore.app/metrics"
	"encore.app/storage"
)

// Service wires a process-wide Transport atop its own HybridStorage tier
// and exposes diagnostics over HTTP. Generic HTTP clients embedding this
// module in-process should use Instance() and build an *http.Client from
// the returned Transport directly — an http.RoundTripper isn't something
// an Encore API endpoint can expose.
//
//encore:service
type Service struct {
	transport *Transport
	l1        *storage.MemoryStore
}

func initService() (*Service, error) {
	l1 := storage.New(storage.L1Config{
		MaxItems:       20_000,
		EvictionPolicy: storage.EvictLRU,
		SweepInterval:  30 * time.Second,
	})
	l2 := storage.NewInProcessL2(storage.L1Config{
		MaxItems:       100_000,
		EvictionPolicy: storage.EvictTTLFirst,
		SweepInterval:  time.Minute,
	})
	hybrid := storage.NewHybrid(l1, l2, backplane.Instance(), storage.DefaultHybridConfig())

	transport := NewTransport(hybrid, DefaultConfig())
	transport.Revalidator = NewRevalidator(4, 10, 20, 30*time.Second)
	transport.Provider = metrics.Instance()

	return &Service{transport: transport, l1: l1}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("httpcache: failed to initialize service: %v", err))
	}
}

// Instance returns the process-wide Transport, for in-process callers that
// want an *http.Client wrapping it directly.
func Instance() *Transport {
	if svc == nil {
		return nil
	}
	return svc.transport
}

type MetricsResponse struct {
	Snapshot
	L1Stats      storage.Stats `json:"l1_stats"`
	RevalidationQueue int      `json:"revalidation_queue_depth"`
}

//encore:api public method=GET path=/httpcache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("httpcache: service not initialized")
	}
	depth := 0
	if svc.transport.Revalidator != nil {
		depth = svc.transport.Revalidator.QueueDepth()
	}
	return &MetricsResponse{
		Snapshot:          svc.transport.Metrics.Snapshot(),
		L1Stats:           svc.l1.Stats(),
		RevalidationQueue: depth,
	}, nil
}

type PurgeRequest struct {
	Key string `json:"key"`
}

type PurgeResponse struct {
	Success bool `json:"success"`
}

//encore:api public method=POST path=/httpcache/purge
func Purge(ctx context.Context, req *PurgeRequest) (*PurgeResponse, error) {
	if svc == nil {
		return nil, errors.New("httpcache: service not initialized")
	}
	if req.Key == "" {
		return nil, errors.New("httpcache: key cannot be empty")
	}
	if err := svc.transport.Storage.Remove(ctx, req.Key); err != nil {
		return nil, err
	}
	return &PurgeResponse{Success: true}, nil
}

type PurgeTagRequest struct {
	Tag string `json:"tag"`
}

// PurgeTag bulk-invalidates every response stored under tag (the
// X-Cache-Tags convention, §4.M).
//
//encore:api public method=POST path=/httpcache/purge-tag
func PurgeTag(ctx context.Context, req *PurgeTagRequest) (*PurgeResponse, error) {
	if svc == nil {
		return nil, errors.New("httpcache: service not initialized")
	}
	if req.Tag == "" {
		return nil, errors.New("httpcache: tag cannot be empty")
	}
	if err := svc.transport.Storage.RemoveByTag(ctx, req.Tag); err != nil {
		return nil, err
	}
	return &PurgeResponse{Success: true}, nil
}
