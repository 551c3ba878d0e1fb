package models

import "time"

// CacheEntry maps a fingerprint to the result that was computed for it.
type CacheEntry struct {
	Fingerprint    Fingerprint `json:"fingerprint"`
	ResultID       string      `json:"result_id"`
	AppName        string      `json:"app_name"`
	RulesetVersion int         `json:"ruleset_version"`
	ComputeCost    float64     `json:"compute_cost"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	AccessCount    int64       `json:"access_count"`
}

// CacheStats reports index size and aggregate access counts.
type CacheStats struct {
	Entries  int64 `json:"entries"`
	Accesses int64 `json:"accesses"`
}

// InvalidateOpts selects cache entries to drop. Zero fields match everything.
type InvalidateOpts struct {
	Fingerprint Fingerprint
	AppName     string
	Before      time.Time
}
