// Package memory is an in-process backend for the cache index, the section
// store, and the usage ledger. It is used by tests and by the CLI when no
// durable backend is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/sections"
)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	entries  map[models.Fingerprint]models.CacheEntry
	sections map[string][]sections.StoredSection
	usage    []models.UsageRecord
	nextID   int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries:  make(map[models.Fingerprint]models.CacheEntry),
		sections: make(map[string][]sections.StoredSection),
	}
}

// GetEntry implements index.Store.
func (s *Store) GetEntry(_ context.Context, fp models.Fingerprint) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// InsertEntry implements index.Store.
func (s *Store) InsertEntry(_ context.Context, e models.CacheEntry) (models.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[e.Fingerprint]; ok {
		return existing, false, nil
	}
	s.entries[e.Fingerprint] = e
	return e, true, nil
}

// TouchEntry implements index.Store.
func (s *Store) TouchEntry(_ context.Context, fp models.Fingerprint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	if !ok {
		return nil
	}
	e.AccessCount++
	if at.After(e.LastAccessedAt) {
		e.LastAccessedAt = at
	}
	s.entries[fp] = e
	return nil
}

// DeleteEntries implements index.Store.
func (s *Store) DeleteEntries(_ context.Context, opts models.InvalidateOpts) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for fp, e := range s.entries {
		if opts.Fingerprint != "" && fp != opts.Fingerprint {
			continue
		}
		if opts.AppName != "" && e.AppName != opts.AppName {
			continue
		}
		if !opts.Before.IsZero() && !e.CreatedAt.Before(opts.Before) {
			continue
		}
		delete(s.entries, fp)
		n++
	}
	return n, nil
}

// EntryStats implements index.Store.
func (s *Store) EntryStats(_ context.Context) (models.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.CacheStats{Entries: int64(len(s.entries))}
	for _, e := range s.entries {
		st.Accesses += e.AccessCount
	}
	return st, nil
}

// PutSections implements sections.Backend.
func (s *Store) PutSections(_ context.Context, secs []sections.StoredSection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sec := range secs {
		if s.hasSection(sec.ResultID, sec.Name) {
			continue
		}
		sec.Payload = append([]byte(nil), sec.Payload...)
		s.sections[sec.ResultID] = append(s.sections[sec.ResultID], sec)
		n++
	}
	return n, nil
}

func (s *Store) hasSection(resultID, name string) bool {
	for _, sec := range s.sections[resultID] {
		if sec.Name == name {
			return true
		}
	}
	return false
}

// GetSections implements sections.Backend.
func (s *Store) GetSections(_ context.Context, resultID string) ([]sections.StoredSection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sections.StoredSection, len(s.sections[resultID]))
	copy(out, s.sections[resultID])
	return out, nil
}

// SectionsByType implements sections.TypeQuerier.
func (s *Store) SectionsByType(_ context.Context, t models.SectionType, limit int) ([]sections.StoredSection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sections.StoredSection
	for _, secs := range s.sections {
		for _, sec := range secs {
			if sec.Type == t {
				out = append(out, sec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if out[i].ResultID != out[j].ResultID {
			return out[i].ResultID < out[j].ResultID
		}
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendUsage implements ledger.Store.
func (s *Store) AppendUsage(_ context.Context, rec models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.usage = append(s.usage, rec)
	return nil
}

// QueryUsage implements ledger.Store.
func (s *Store) QueryUsage(_ context.Context, opts models.UsageQueryOpts) ([]models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UsageRecord
	for i := len(s.usage) - 1; i >= 0; i-- {
		rec := s.usage[i]
		if !matches(rec, opts) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// UsageSummary implements ledger.Store.
func (s *Store) UsageSummary(_ context.Context, opts models.UsageQueryOpts) ([]models.UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byApp := make(map[string]*models.UsageSummary)
	for _, rec := range s.usage {
		if !matches(rec, opts) {
			continue
		}
		sum, ok := byApp[rec.AppName]
		if !ok {
			sum = &models.UsageSummary{AppName: rec.AppName}
			byApp[rec.AppName] = sum
		}
		sum.Add(rec)
	}
	out := make([]models.UsageSummary, 0, len(byApp))
	for _, sum := range byApp {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out, nil
}

func matches(rec models.UsageRecord, opts models.UsageQueryOpts) bool {
	if opts.AppName != "" && rec.AppName != opts.AppName {
		return false
	}
	if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && !rec.CreatedAt.Before(opts.Until) {
		return false
	}
	if opts.CacheHit != nil && rec.CacheHit != *opts.CacheHit {
		return false
	}
	if opts.Fingerprint != "" && rec.Fingerprint != opts.Fingerprint {
		return false
	}
	return true
}

// DailyUsage implements ledger.DailyQuerier.
func (s *Store) DailyUsage(_ context.Context, opts models.UsageQueryOpts) ([]models.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct{ day, app string }
	byDay := make(map[key]*models.DailyUsage)
	for _, rec := range s.usage {
		if !matches(rec, opts) {
			continue
		}
		k := key{rec.CreatedAt.UTC().Format(time.DateOnly), rec.AppName}
		d, ok := byDay[k]
		if !ok {
			d = &models.DailyUsage{Day: k.day, AppName: k.app}
			byDay[k] = d
		}
		d.Requests++
		if rec.CacheHit {
			d.Hits++
		}
		d.CostSaved += rec.EstimatedCostSaved
	}
	out := make([]models.DailyUsage, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].AppName < out[j].AppName
	})
	return out, nil
}
