package models

import (
	"encoding/json"
	"time"
)

// UsageStatus is the outcome recorded for a request in the usage ledger.
type UsageStatus string

const (
	StatusHit      UsageStatus = "hit"
	StatusMiss     UsageStatus = "miss"
	StatusShared   UsageStatus = "shared"   // waited on another caller's in-flight computation
	StatusUncached UsageStatus = "uncached" // computed, but the result could not be cached
	StatusFailed   UsageStatus = "failed"
	StatusTimeout  UsageStatus = "timeout"
)

// UsageRecord is one immutable ledger row. One is written per request.
type UsageRecord struct {
	ID                   int64           `json:"id"`
	RequestID            string          `json:"request_id"`
	AppName              string          `json:"app_name"`
	Parameters           json.RawMessage `json:"parameters"`
	Fingerprint          Fingerprint     `json:"fingerprint"`
	CacheHit             bool            `json:"cache_hit"`
	Cached               bool            `json:"cached"`
	Status               UsageStatus     `json:"status"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	EstimatedComputeCost float64         `json:"estimated_compute_cost"`
	EstimatedCostSaved   float64         `json:"estimated_cost_saved"`
	ResultID             string          `json:"result_id,omitempty"`
	DurationMs           int64           `json:"duration_ms"`
	CreatedAt            time.Time       `json:"created_at"`
}

// UsageQueryOpts filters ledger queries. Zero fields are ignored.
type UsageQueryOpts struct {
	AppName     string
	Since       time.Time
	Until       time.Time
	CacheHit    *bool
	Fingerprint Fingerprint
	Limit       int
}

// UsageSummary aggregates ledger rows for one application.
type UsageSummary struct {
	AppName       string  `json:"app_name"`
	Requests      int64   `json:"requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Failures      int64   `json:"failures"`
	ComputeCost   float64 `json:"compute_cost"`
	CostSaved     float64 `json:"cost_saved"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// HitRate returns hits as a fraction of hits plus misses.
func (s UsageSummary) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Add folds rec into s. Lease followers count as hits; uncached computations
// count as misses.
func (s *UsageSummary) Add(rec UsageRecord) {
	s.Requests++
	switch rec.Status {
	case StatusHit, StatusShared:
		s.Hits++
	case StatusMiss, StatusUncached:
		s.Misses++
	case StatusFailed, StatusTimeout:
		s.Failures++
	}
	s.ComputeCost += rec.EstimatedComputeCost
	s.CostSaved += rec.EstimatedCostSaved
	s.AvgDurationMs += (float64(rec.DurationMs) - s.AvgDurationMs) / float64(s.Requests)
}

// DailyUsage aggregates one application's ledger rows for one UTC day.
type DailyUsage struct {
	Day       string  `json:"day"`
	AppName   string  `json:"app_name"`
	Requests  int64   `json:"requests"`
	Hits      int64   `json:"hits"`
	CostSaved float64 `json:"cost_saved"`
}
