package metrics

import (
	"context"
	"errors"
	"time"
)

// Service is the process-wide metrics sink: a Collector feeding an
// Aggregator and AlertManager, exposed over HTTP for diagnostics. Producers
// (invocation.Core, httpcache.Transport) get Instance() at their own
// service-init time and wire it into their Hooks/Provider fields directly —
// a Go interface, not a pub/sub event, since this runs in the same process.
//encore:service
type Service struct {
	collector  *Collector
	aggregator *Aggregator
	alertMgr   *AlertManager
}

const metricsRetention = time.Hour

func initService() (*Service, error) {
	collector := NewCollector(metricsRetention)
	aggregator := NewAggregator(collector)
	alertMgr := NewAlertManager(aggregator, 10*time.Second)

	go aggregator.Run()
	go alertMgr.Run()

	return &Service{collector: collector, aggregator: aggregator, alertMgr: alertMgr}, nil
}

var svc *Service

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(err)
	}
}

// Instance returns the process-wide Provider, for in-process wiring by other
// services' initService functions.
func Instance() Provider {
	if svc == nil {
		return nil
	}
	return svc.collector
}

type GetMetricsRequest struct {
	Window time.Duration `json:"window"`
}

type GetMetricsResponse struct {
	AggregatedStats
}

//encore:api public method=GET path=/metrics/summary
func GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("metrics: service not initialized")
	}
	window := req.Window
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	return &GetMetricsResponse{AggregatedStats: svc.aggregator.GetStats(now.Add(-window), now)}, nil
}

type GetAggregatedRequest struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Interval  time.Duration `json:"interval"`
}

type GetAggregatedResponse struct {
	DataPoints []AggregatedStats `json:"data_points"`
	Summary    AggregatedStats   `json:"summary"`
}

//encore:api public method=POST path=/metrics/aggregated
func GetAggregated(ctx context.Context, req *GetAggregatedRequest) (*GetAggregatedResponse, error) {
	if svc == nil {
		return nil, errors.New("metrics: service not initialized")
	}
	if req.EndTime.Before(req.StartTime) {
		return nil, errors.New("metrics: end_time must be after start_time")
	}
	interval := req.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	var points []AggregatedStats
	for t := req.StartTime; t.Before(req.EndTime); {
		next := t.Add(interval)
		if next.After(req.EndTime) {
			next = req.EndTime
		}
		points = append(points, svc.aggregator.GetStats(t, next))
		t = next
	}

	return &GetAggregatedResponse{
		DataPoints: points,
		Summary:    svc.aggregator.GetStats(req.StartTime, req.EndTime),
	}, nil
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert    `json:"active_alerts"`
	RecentAlerts []Alert    `json:"recent_alerts"`
	Stats        AlertStats `json:"stats"`
}

//encore:api public method=GET path=/metrics/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("metrics: service not initialized")
	}
	return &GetAlertsResponse{
		ActiveAlerts: svc.alertMgr.GetActiveAlerts(),
		RecentAlerts: svc.alertMgr.GetRecentResolvedAlerts(10),
		Stats:        svc.alertMgr.GetStats(),
	}, nil
}

type GetAnomaliesResponse struct {
	Anomalies []Anomaly `json:"anomalies"`
}

//encore:api public method=GET path=/metrics/anomalies
func GetAnomalies(ctx context.Context) (*GetAnomaliesResponse, error) {
	if svc == nil {
		return nil, errors.New("metrics: service not initialized")
	}
	return &GetAnomaliesResponse{Anomalies: svc.aggregator.detector.GetRecent(time.Hour)}, nil
}

// Shutdown gracefully stops background workers.
func (s *Service) Shutdown() {
	s.aggregator.Stop()
	s.alertMgr.Stop()
}
