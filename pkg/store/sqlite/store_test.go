package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/sections"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reportcache_test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(fp, resultID, app string, created time.Time) models.CacheEntry {
	return models.CacheEntry{
		Fingerprint:    models.Fingerprint(fp),
		ResultID:       resultID,
		AppName:        app,
		RulesetVersion: 1,
		ComputeCost:    0.5,
		CreatedAt:      created,
		LastAccessedAt: created,
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	got, err := s.GetEntry(ctx, "fp1")
	if err != nil || got != nil {
		t.Fatalf("GetEntry on empty store = %v, %v", got, err)
	}

	e, inserted, err := s.InsertEntry(ctx, entry("fp1", "r1", "lendsight", now))
	if err != nil || !inserted {
		t.Fatalf("InsertEntry = %v, %v", inserted, err)
	}
	if e.ResultID != "r1" {
		t.Errorf("result id = %s", e.ResultID)
	}

	got, err = s.GetEntry(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ResultID != "r1" || got.AppName != "lendsight" || got.ComputeCost != 0.5 {
		t.Fatalf("GetEntry = %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestInsertEntryFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.InsertEntry(ctx, entry("fp1", "r1", "lendsight", now)); err != nil {
		t.Fatal(err)
	}
	winner, inserted, err := s.InsertEntry(ctx, entry("fp1", "r2", "lendsight", now))
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second insert should not insert")
	}
	if winner.ResultID != "r1" {
		t.Errorf("winner = %s, want r1", winner.ResultID)
	}
}

func TestInsertEntryConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := s.InsertEntry(ctx, entry("fp1", string(rune('a'+i)), "lendsight", now))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = e.ResultID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("inserts disagree: %v", ids)
		}
	}
}

func TestTouchAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _, _ = s.InsertEntry(ctx, entry("fp1", "r1", "lendsight", now))
	_, _, _ = s.InsertEntry(ctx, entry("fp2", "r2", "bizsight", now))

	later := now.Add(time.Minute)
	for range 3 {
		if err := s.TouchEntry(ctx, "fp1", later); err != nil {
			t.Fatal(err)
		}
	}
	// Unknown fingerprints are ignored.
	if err := s.TouchEntry(ctx, "nope", later); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetEntry(ctx, "fp1")
	if got.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", got.AccessCount)
	}
	if got.LastAccessedAt.Before(later.Add(-time.Millisecond)) {
		t.Errorf("last accessed = %v", got.LastAccessedAt)
	}

	st, err := s.EntryStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 2 || st.Accesses != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeleteEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.AddDate(0, 1, 0)

	_, _, _ = s.InsertEntry(ctx, entry("a", "r1", "lendsight", old))
	_, _, _ = s.InsertEntry(ctx, entry("b", "r2", "lendsight", recent))
	_, _, _ = s.InsertEntry(ctx, entry("c", "r3", "bizsight", old))
	_, _, _ = s.InsertEntry(ctx, entry("d", "r4", "bizsight", recent))

	n, err := s.DeleteEntries(ctx, models.InvalidateOpts{AppName: "lendsight", Before: old.AddDate(0, 0, 7)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	n, _ = s.DeleteEntries(ctx, models.InvalidateOpts{Fingerprint: "d"})
	if n != 1 {
		t.Errorf("deleted %d by fingerprint, want 1", n)
	}

	entries, err := s.ListEntries(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Fingerprint != "b" {
		t.Errorf("remaining = %+v", entries)
	}
}

func stored(resultID, name string, typ models.SectionType, order int, payload string, at time.Time) sections.StoredSection {
	return sections.StoredSection{
		ResultID:     resultID,
		Name:         name,
		Type:         typ,
		Payload:      []byte(payload),
		DisplayOrder: order,
		CreatedAt:    at,
	}
}

func TestSections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n, err := s.PutSections(ctx, []sections.StoredSection{
		stored("r1", "meta", models.SectionMetadata, 2, `{"year":2023}`, now),
		stored("r1", "summary", models.SectionNarrativeSummary, 0, `"ok"`, now),
		stored("r1", "table", models.SectionDataTable, 1, `[{"a":1}]`, now),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("written = %d, want 3", n)
	}

	// Re-putting the same names stores nothing.
	n, err = s.PutSections(ctx, []sections.StoredSection{stored("r1", "meta", models.SectionMetadata, 2, `{}`, now)})
	if err != nil || n != 0 {
		t.Errorf("duplicate put = %d, %v", n, err)
	}

	got, err := s.GetSections(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(got))
	}
	for i, name := range []string{"summary", "table", "meta"} {
		if got[i].Name != name {
			t.Errorf("section %d = %s, want %s", i, got[i].Name, name)
		}
	}
	if string(got[2].Payload) != `{"year":2023}` {
		t.Errorf("meta payload = %s", got[2].Payload)
	}

	none, err := s.GetSections(ctx, "r2")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown result = %v, %v", none, err)
	}
}

func TestSectionsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	_, _ = s.PutSections(ctx, []sections.StoredSection{
		stored("r1", "table", models.SectionDataTable, 0, `[]`, t0),
		stored("r1", "summary", models.SectionNarrativeSummary, 1, `""`, t0),
	})
	_, _ = s.PutSections(ctx, []sections.StoredSection{
		stored("r2", "table", models.SectionDataTable, 0, `[]`, t0.Add(time.Hour)),
	})

	got, err := s.SectionsByType(ctx, models.SectionDataTable, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ResultID != "r2" {
		t.Errorf("by type = %+v", got)
	}
	got, _ = s.SectionsByType(ctx, models.SectionDataTable, 1)
	if len(got) != 1 {
		t.Errorf("limit ignored: %d", len(got))
	}
}

func usage(app string, status models.UsageStatus, at time.Time) models.UsageRecord {
	hit := status == models.StatusHit || status == models.StatusShared
	rec := models.UsageRecord{
		RequestID:   app + at.Format(time.RFC3339Nano),
		AppName:     app,
		Parameters:  []byte(`{"app":"` + app + `"}`),
		Fingerprint: "fp-" + models.Fingerprint(app),
		CacheHit:    hit,
		Cached:      status != models.StatusUncached,
		Status:      status,
		DurationMs:  100,
		CreatedAt:   at,
	}
	if hit {
		rec.EstimatedCostSaved = 1.25
	} else {
		rec.EstimatedComputeCost = 1.25
	}
	return rec
}

func TestUsageQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	recs := []models.UsageRecord{
		usage("lendsight", models.StatusMiss, base),
		usage("lendsight", models.StatusHit, base.Add(time.Hour)),
		usage("bizsight", models.StatusMiss, base.Add(2*time.Hour)),
	}
	for _, r := range recs {
		if err := s.AppendUsage(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.QueryUsage(ctx, models.UsageQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].AppName != "bizsight" {
		t.Fatalf("all = %+v", all)
	}
	if string(all[0].Parameters) != `{"app":"bizsight"}` || all[0].Status != models.StatusMiss {
		t.Errorf("round trip = %+v", all[0])
	}

	hit := true
	tests := []struct {
		name string
		opts models.UsageQueryOpts
		want int
	}{
		{"by app", models.UsageQueryOpts{AppName: "lendsight"}, 2},
		{"hits", models.UsageQueryOpts{CacheHit: &hit}, 1},
		{"since", models.UsageQueryOpts{Since: base.Add(30 * time.Minute)}, 2},
		{"until", models.UsageQueryOpts{Until: base.Add(30 * time.Minute)}, 1},
		{"fingerprint", models.UsageQueryOpts{Fingerprint: "fp-bizsight"}, 1},
		{"limit", models.UsageQueryOpts{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryUsage(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestUsageSummaryAndDaily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	for _, r := range []models.UsageRecord{
		usage("lendsight", models.StatusMiss, day1),
		usage("lendsight", models.StatusHit, day2),
		usage("lendsight", models.StatusShared, day2.Add(time.Minute)),
		usage("lendsight", models.StatusFailed, day2.Add(2*time.Minute)),
		usage("bizsight", models.StatusUncached, day2),
	} {
		if err := s.AppendUsage(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	sums, err := s.UsageSummary(ctx, models.UsageQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(sums))
	}
	biz, lend := sums[0], sums[1]
	if biz.AppName != "bizsight" || biz.Misses != 1 {
		t.Errorf("bizsight = %+v", biz)
	}
	if lend.Requests != 4 || lend.Hits != 2 || lend.Misses != 1 || lend.Failures != 1 {
		t.Errorf("lendsight = %+v", lend)
	}
	if lend.CostSaved != 2.5 {
		t.Errorf("cost saved = %v, want 2.5", lend.CostSaved)
	}
	if lend.AvgDurationMs != 100 {
		t.Errorf("avg duration = %v", lend.AvgDurationMs)
	}

	days, err := s.DailyUsage(ctx, models.UsageQueryOpts{AppName: "lendsight"})
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 2 || days[0].Day != "2024-05-02" || days[0].Requests != 3 || days[0].Hits != 2 {
		t.Errorf("daily = %+v", days)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()
	_, err := s.GetEntry(context.Background(), "fp1")
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Errorf("err = %v, want ErrStorageUnavailable", err)
	}
	if err := s.AppendUsage(context.Background(), models.UsageRecord{}); !errors.Is(err, models.ErrStorageUnavailable) {
		t.Errorf("append err = %v", err)
	}
}
