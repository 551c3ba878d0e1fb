package index_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justdata/reportcache/pkg/index"
	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/store/memory"
)

type downStore struct{ index.Store }

var errDown = errors.New("dial tcp: connection refused")

func (downStore) GetEntry(context.Context, models.Fingerprint) (*models.CacheEntry, error) {
	return nil, errDown
}

func (downStore) TouchEntry(context.Context, models.Fingerprint, time.Time) error {
	return errDown
}

func newTestIndex(t *testing.T, s index.Store) *index.Index {
	t.Helper()
	idx := index.New(s, index.Options{Logger: log.New(io.Discard)})
	t.Cleanup(idx.Wait)
	return idx
}

func TestLookupMiss(t *testing.T) {
	idx := newTestIndex(t, memory.New())
	e, err := idx.Lookup(context.Background(), "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("expected miss, got %+v", e)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, memory.New())

	reg, err := idx.Register(ctx, "fp1", "r1", "lendsight", 1, 0.42)
	if err != nil {
		t.Fatal(err)
	}
	if reg.ResultID != "r1" || reg.CreatedAt.IsZero() {
		t.Errorf("registered %+v", reg)
	}

	e, err := idx.Lookup(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.ResultID != "r1" || e.AppName != "lendsight" || e.ComputeCost != 0.42 {
		t.Errorf("lookup = %+v", e)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, memory.New())

	first, err := idx.Register(ctx, "fp1", "r1", "lendsight", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := idx.Register(ctx, "fp1", "r2", "lendsight", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if second.ResultID != first.ResultID {
		t.Errorf("second register returned %s, want %s", second.ResultID, first.ResultID)
	}
}

func TestRegisterConcurrent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, memory.New())

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := idx.Register(ctx, "fp1", string(rune('a'+i)), "lendsight", 1, 1)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = e.ResultID
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r != results[0] {
			t.Fatalf("registrations disagree: %v", results)
		}
	}
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, memory.New())
	if _, err := idx.Register(ctx, "fp1", "r1", "lendsight", 1, 1); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	idx.Touch(cctx, "fp1")
	cancel()
	idx.Touch(ctx, "fp1")
	idx.Wait()

	e, _ := idx.Lookup(ctx, "fp1")
	if e.AccessCount != 2 {
		t.Errorf("access count = %d, want 2", e.AccessCount)
	}
}

func TestTouchFailureIsSilent(t *testing.T) {
	idx := newTestIndex(t, downStore{memory.New()})
	idx.Touch(context.Background(), "fp1")
	idx.Wait()
}

func TestLookupStorageUnavailable(t *testing.T) {
	idx := newTestIndex(t, downStore{memory.New()})
	_, err := idx.Lookup(context.Background(), "fp1")
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Errorf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := index.New(memory.New(), index.Options{
		Logger: log.New(io.Discard),
		Now:    func() time.Time { return now },
	})

	_, _ = idx.Register(ctx, "old-lend", "r1", "lendsight", 1, 1)
	_, _ = idx.Register(ctx, "old-biz", "r2", "bizsight", 1, 1)
	now = now.Add(48 * time.Hour)
	_, _ = idx.Register(ctx, "new-lend", "r3", "lendsight", 1, 1)

	n, err := idx.Invalidate(ctx, models.InvalidateOpts{AppName: "lendsight", Before: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if e, _ := idx.Lookup(ctx, "old-lend"); e != nil {
		t.Error("old-lend should be gone")
	}
	if e, _ := idx.Lookup(ctx, "new-lend"); e == nil {
		t.Error("new-lend should remain")
	}

	st, err := idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 2 {
		t.Errorf("entries = %d, want 2", st.Entries)
	}
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, memory.New())
	_, _ = idx.Register(ctx, "fp1", "r1", "lendsight", 1, 1)
	_, _ = idx.Register(ctx, "fp2", "r2", "lendsight", 1, 1)

	if err := idx.Evict(ctx, "fp1"); err != nil {
		t.Fatal(err)
	}
	if e, _ := idx.Lookup(ctx, "fp1"); e != nil {
		t.Error("fp1 should be evicted")
	}
	if e, _ := idx.Lookup(ctx, "fp2"); e == nil {
		t.Error("fp2 should remain")
	}
	if err := idx.Evict(ctx, ""); !errors.Is(err, models.ErrInvalidParameter) {
		t.Errorf("empty fingerprint err = %v", err)
	}

	reg, _ := idx.Register(ctx, "fp1", "r3", "lendsight", 1, 1)
	if reg.ResultID != "r3" {
		t.Errorf("re-register after evict = %s, want r3", reg.ResultID)
	}
}
