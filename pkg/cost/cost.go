// Package cost estimates what a report computation costs, so the usage ledger
// can account for spend and for spend avoided by cache hits.
package cost

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const bytesPerTiB = 1 << 40

// Usage describes the work a computation performed.
type Usage struct {
	// BytesScanned is the total warehouse bytes billed across all queries.
	BytesScanned int64 `json:"bytes_scanned"`
	// Queries is the number of warehouse queries issued.
	Queries int `json:"queries"`
	// PromptTokens and CompletionTokens are summed over narrative generations.
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// IsZero reports whether no work was recorded.
func (u Usage) IsZero() bool {
	return u.BytesScanned == 0 && u.Queries == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0
}

// Pricing holds the unit prices used for estimates.
type Pricing struct {
	// WarehousePerTiB is the on-demand price per TiB scanned.
	WarehousePerTiB float64 `yaml:"warehouse_per_tib" env:"WAREHOUSE_PER_TIB"`
	// PromptPer1K and CompletionPer1K are narrative token prices per 1K tokens.
	PromptPer1K     float64 `yaml:"prompt_per_1k" env:"PROMPT_PER_1K"`
	CompletionPer1K float64 `yaml:"completion_per_1k" env:"COMPLETION_PER_1K"`
	// Default is charged when a computation reports no usage and its app has
	// no fallback.
	Default float64 `yaml:"default" env:"DEFAULT"`
	// Apps overrides Default per application.
	Apps map[string]float64 `yaml:"apps"`
}

// DefaultPricing returns list prices for on-demand warehouse scans and a
// mid-tier narrative model.
func DefaultPricing() Pricing {
	return Pricing{
		WarehousePerTiB: 6.25,
		PromptPer1K:     0.003,
		CompletionPer1K: 0.015,
		Default:         0.05,
	}
}

// Validate checks that every fallback is positive, so a cache hit always
// reports a saving, and that no unit price is negative.
func (p Pricing) Validate() error {
	var errs []error
	if p.WarehousePerTiB < 0 || p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
		errs = append(errs, errors.New("cost: unit prices must not be negative"))
	}
	if p.Default <= 0 {
		errs = append(errs, fmt.Errorf("cost.default must be positive, got %v", p.Default))
	}
	apps := make([]string, 0, len(p.Apps))
	for app := range p.Apps {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		if v := p.Apps[app]; v <= 0 {
			errs = append(errs, fmt.Errorf("cost.apps.%s must be positive, got %v", app, v))
		}
	}
	return errors.Join(errs...)
}

// Estimator prices computations. The zero value charges nothing.
type Estimator struct {
	pricing Pricing
}

// NewEstimator returns an Estimator for p.
func NewEstimator(p Pricing) *Estimator {
	apps := make(map[string]float64, len(p.Apps))
	for k, v := range p.Apps {
		apps[strings.ToLower(strings.TrimSpace(k))] = v
	}
	p.Apps = apps
	return &Estimator{pricing: p}
}

// Estimate returns the estimated dollar cost of u for app. When u carries no
// usage the app fallback, then the global default, is used.
func (e *Estimator) Estimate(app string, u Usage) float64 {
	if e == nil {
		return 0
	}
	if u.IsZero() {
		return e.Fallback(app)
	}
	p := e.pricing
	return float64(u.BytesScanned)/bytesPerTiB*p.WarehousePerTiB +
		float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens)/1000*p.CompletionPer1K
}

// Fallback returns the flat cost charged for app when usage is unknown.
func (e *Estimator) Fallback(app string) float64 {
	if e == nil {
		return 0
	}
	if v, ok := e.pricing.Apps[strings.ToLower(strings.TrimSpace(app))]; ok {
		return v
	}
	return e.pricing.Default
}
