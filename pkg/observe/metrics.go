package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics records request outcomes, avoided spend, and computation time.
type CacheMetrics struct {
	requests  metric.Int64Counter
	costSaved metric.Float64Counter
	compute   metric.Float64Histogram
}

// NewCacheMetrics registers the cache instruments on meter.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	requests, err := meter.Int64Counter(
		"reportcache.requests",
		metric.WithDescription("Report requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	costSaved, err := meter.Float64Counter(
		"reportcache.cost_saved",
		metric.WithDescription("Estimated compute spend avoided by cache hits"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	compute, err := meter.Float64Histogram(
		"reportcache.compute.duration_ms",
		metric.WithDescription("Report computation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{requests: requests, costSaved: costSaved, compute: compute}, nil
}

// RecordRequest counts one request with its outcome.
func (m *CacheMetrics) RecordRequest(ctx context.Context, app, outcome string, saved float64) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("app", app),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, opt)
	if saved > 0 {
		m.costSaved.Add(ctx, saved, metric.WithAttributes(attribute.String("app", app)))
	}
}

// RecordCompute records how long a computation ran.
func (m *CacheMetrics) RecordCompute(ctx context.Context, app string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.compute.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("app", app),
		attribute.Bool("error", err != nil),
	))
}
