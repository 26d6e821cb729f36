package backplane

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/cacheerrors"
	"encore.app/pkg/middleware"
	"encore.app/pkg/utils"
)

//encore:service
type Service struct {
	backplane    *EncoreBackplane
	audit        *AuditLogger
	metrics      *metricsCounters
	limiter      *middleware.TokenBucket
	clearLimiter *middleware.TokenBucket
}

// clearAllKey is the single key ClearAll's global rate limit is tracked
// under: clearing the whole cluster is dangerous enough that it gets one
// shared allowance regardless of caller.
const clearAllKey = "clear-all"

type metricsCounters struct {
	KeyInvalidations atomic.Int64
	TagInvalidations atomic.Int64
	ClearAlls        atomic.Int64
	Errors           atomic.Int64
}

var db = sqldb.Named("backplane_db")

func initService() (*Service, error) {
	auditLogger, err := NewAuditLogger(db)
	if err != nil {
		return nil, fmt.Errorf("backplane: initializing audit logger: %w", err)
	}
	return &Service{
		backplane:    NewEncoreBackplane(auditLogger),
		audit:        auditLogger,
		metrics:      &metricsCounters{},
		limiter:      middleware.NewTokenBucket(10, 30),
		clearLimiter: middleware.NewTokenBucket(0.1, 1),
	}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("backplane: failed to initialize service: %v", err))
	}
}

// Instance returns the process-wide Backplane implementation, for
// in-process wiring into HybridStorage.
func Instance() *EncoreBackplane {
	if svc == nil {
		return nil
	}
	return svc.backplane
}

// limiterKey defaults an empty TriggeredBy to a shared anonymous bucket
// rather than exempting unattributed callers from rate limiting entirely.
func limiterKey(triggeredBy string) string {
	if triggeredBy == "" {
		return "anonymous"
	}
	return triggeredBy
}

type InvalidateKeyRequest struct {
	Key         string `json:"key"`
	TriggeredBy string `json:"triggered_by"`
}

type InvalidateTagRequest struct {
	Tag         string `json:"tag"`
	TriggeredBy string `json:"triggered_by"`
}

type PublishResponse struct {
	Success     bool      `json:"success"`
	InstanceID  string    `json:"instance_id"`
	PublishedAt time.Time `json:"published_at"`
}

//encore:api public method=POST path=/backplane/invalidate/key
func InvalidateKey(ctx context.Context, req *InvalidateKeyRequest) (*PublishResponse, error) {
	if svc == nil {
		return nil, errors.New("backplane: service not initialized")
	}
	if req.Key == "" {
		return nil, errors.New("backplane: key cannot be empty")
	}
	if !svc.limiter.Allow(limiterKey(req.TriggeredBy)) {
		return nil, cacheerrors.ErrRateLimited
	}
	if err := svc.backplane.PublishInvalidation(ctx, req.Key); err != nil {
		svc.metrics.Errors.Add(1)
		return nil, err
	}
	svc.metrics.KeyInvalidations.Add(1)
	return &PublishResponse{Success: true, InstanceID: svc.backplane.InstanceID(), PublishedAt: time.Now()}, nil
}

//encore:api public method=POST path=/backplane/invalidate/tag
func InvalidateTag(ctx context.Context, req *InvalidateTagRequest) (*PublishResponse, error) {
	if svc == nil {
		return nil, errors.New("backplane: service not initialized")
	}
	if req.Tag == "" {
		return nil, errors.New("backplane: tag cannot be empty")
	}
	if !svc.limiter.Allow(limiterKey(req.TriggeredBy)) {
		return nil, cacheerrors.ErrRateLimited
	}
	if err := svc.backplane.PublishTagInvalidation(ctx, req.Tag); err != nil {
		svc.metrics.Errors.Add(1)
		return nil, err
	}
	svc.metrics.TagInvalidations.Add(1)
	return &PublishResponse{Success: true, InstanceID: svc.backplane.InstanceID(), PublishedAt: time.Now()}, nil
}

//encore:api public method=POST path=/backplane/clear
func ClearAll(ctx context.Context) (*PublishResponse, error) {
	if svc == nil {
		return nil, errors.New("backplane: service not initialized")
	}
	if !svc.clearLimiter.Allow(clearAllKey) {
		return nil, cacheerrors.ErrRateLimited
	}
	if err := svc.backplane.PublishClearAll(ctx); err != nil {
		svc.metrics.Errors.Add(1)
		return nil, err
	}
	svc.metrics.ClearAlls.Add(1)
	return &PublishResponse{Success: true, InstanceID: svc.backplane.InstanceID(), PublishedAt: time.Now()}, nil
}

type GetAuditLogRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`

	// KeyPattern, if set, restricts the response to records whose Key
	// matches it (exact, prefix "foo:*", or glob). Operators use this to
	// answer "did anything under this prefix get invalidated" without a
	// live invalidation path ever touching pattern matching: tag- and
	// key-based invalidation stay exact, per the decision in DESIGN.md.
	KeyPattern string `json:"key_pattern,omitempty"`
}

type GetAuditLogResponse struct {
	Records []AuditRecord `json:"records"`
}

//encore:api public method=GET path=/backplane/audit
func GetAuditLog(ctx context.Context, req *GetAuditLogRequest) (*GetAuditLogResponse, error) {
	if svc == nil {
		return nil, errors.New("backplane: service not initialized")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	records, err := svc.audit.GetRecent(ctx, limit, req.Offset)
	if err != nil {
		return nil, err
	}
	if req.KeyPattern != "" {
		records, err = filterRecordsByKeyPattern(records, req.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("backplane: %w: %v", cacheerrors.ErrSerialization, err)
		}
	}
	return &GetAuditLogResponse{Records: records}, nil
}

// filterRecordsByKeyPattern keeps only the records whose Key matches
// pattern, using the same matcher FilterKeys uses for cache keys. Records
// with an empty Key (tag or clear-all events) never match, not even "*".
func filterRecordsByKeyPattern(records []AuditRecord, pattern string) ([]AuditRecord, error) {
	byKey := make(map[string][]AuditRecord, len(records))
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		if _, seen := byKey[rec.Key]; !seen {
			keys = append(keys, rec.Key)
		}
		byKey[rec.Key] = append(byKey[rec.Key], rec)
	}
	matched, err := utils.FilterKeys(pattern, keys)
	if err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, len(records))
	for _, key := range matched {
		out = append(out, byKey[key]...)
	}
	return out, nil
}

type MetricsResponse struct {
	KeyInvalidations int64 `json:"key_invalidations"`
	TagInvalidations int64 `json:"tag_invalidations"`
	ClearAlls        int64 `json:"clear_alls"`
	Errors           int64 `json:"errors"`
}

//encore:api public method=GET path=/backplane/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("backplane: service not initialized")
	}
	return &MetricsResponse{
		KeyInvalidations: svc.metrics.KeyInvalidations.Load(),
		TagInvalidations: svc.metrics.TagInvalidations.Load(),
		ClearAlls:        svc.metrics.ClearAlls.Load(),
		Errors:           svc.metrics.Errors.Load(),
	}, nil
}
