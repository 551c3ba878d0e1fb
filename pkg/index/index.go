// Package index maps request fingerprints to previously computed results.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justdata/reportcache/pkg/models"
)

// Store is the persistence contract for cache entries.
//
// Contract: GetEntry returns (nil, nil) for an unknown fingerprint.
// InsertEntry is insert-if-absent: when an entry already exists it is left
// untouched and returned with inserted=false. Connectivity failures wrap
// models.ErrStorageUnavailable.
type Store interface {
	GetEntry(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, error)
	InsertEntry(ctx context.Context, e models.CacheEntry) (winner models.CacheEntry, inserted bool, err error)
	TouchEntry(ctx context.Context, fp models.Fingerprint, at time.Time) error
	DeleteEntries(ctx context.Context, opts models.InvalidateOpts) (int64, error)
	EntryStats(ctx context.Context) (models.CacheStats, error)
}

// DefaultTouchTimeout bounds a single access-metadata update.
const DefaultTouchTimeout = 2 * time.Second

// Options configures an Index.
type Options struct {
	Logger       *log.Logger
	TouchTimeout time.Duration
	Now          func() time.Time
}

// Index is the cache index. Safe for concurrent use.
type Index struct {
	store        Store
	logger       *log.Logger
	touchTimeout time.Duration
	now          func() time.Time
	wg           sync.WaitGroup
}

// New returns an Index over store.
func New(store Store, opts Options) *Index {
	idx := &Index{
		store:        store,
		logger:       opts.Logger,
		touchTimeout: opts.TouchTimeout,
		now:          opts.Now,
	}
	if idx.logger == nil {
		idx.logger = log.Default()
	}
	if idx.touchTimeout <= 0 {
		idx.touchTimeout = DefaultTouchTimeout
	}
	if idx.now == nil {
		idx.now = time.Now
	}
	return idx
}

// Lookup returns the entry for fp, or (nil, nil) on a miss. An entry the
// store cannot decode is reported as models.ErrNotFound so it can be evicted.
func (i *Index) Lookup(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, error) {
	e, err := i.store.GetEntry(ctx, fp)
	if err != nil {
		return nil, storageErr("lookup", err)
	}
	return e, nil
}

// Register records that fp was computed as resultID. It is idempotent: if an
// entry already exists, the existing entry is returned unchanged, so
// concurrent registrations of the same fingerprint agree on one result.
func (i *Index) Register(ctx context.Context, fp models.Fingerprint, resultID, app string, rulesetVersion int, computeCost float64) (models.CacheEntry, error) {
	now := i.now().UTC()
	winner, inserted, err := i.store.InsertEntry(ctx, models.CacheEntry{
		Fingerprint:    fp,
		ResultID:       resultID,
		AppName:        app,
		RulesetVersion: rulesetVersion,
		ComputeCost:    computeCost,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		return models.CacheEntry{}, storageErr("register", err)
	}
	if !inserted {
		i.logger.Debug("entry already registered", "fingerprint", fp.Short(), "result_id", winner.ResultID)
	}
	return winner, nil
}

// Touch updates access metadata for fp in the background. Failures are logged
// and never reach the caller. The update is detached from ctx cancellation.
func (i *Index) Touch(ctx context.Context, fp models.Fingerprint) {
	at := i.now().UTC()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.touchTimeout)
		defer cancel()
		if err := i.store.TouchEntry(tctx, fp, at); err != nil {
			i.logger.Warn("touch failed", "fingerprint", fp.Short(), "err", err)
		}
	}()
}

// Wait blocks until all pending touches have finished.
func (i *Index) Wait() {
	i.wg.Wait()
}

// Invalidate removes entries matching opts and returns how many were removed.
// Their sections stay in the section store but become unreachable.
func (i *Index) Invalidate(ctx context.Context, opts models.InvalidateOpts) (int64, error) {
	n, err := i.store.DeleteEntries(ctx, opts)
	if err != nil {
		return 0, storageErr("invalidate", err)
	}
	i.logger.Info("cache invalidated", "app", opts.AppName, "before", opts.Before, "removed", n)
	return n, nil
}

// Evict removes the entry for fp. It is used when an entry's sections are
// missing so that a recomputed result can be registered in its place.
func (i *Index) Evict(ctx context.Context, fp models.Fingerprint) error {
	if fp == "" {
		return fmt.Errorf("%w: empty fingerprint", models.ErrInvalidParameter)
	}
	if _, err := i.store.DeleteEntries(ctx, models.InvalidateOpts{Fingerprint: fp}); err != nil {
		return storageErr("evict", err)
	}
	return nil
}

// Stats returns the entry count and summed access counts.
func (i *Index) Stats(ctx context.Context) (models.CacheStats, error) {
	st, err := i.store.EntryStats(ctx)
	if err != nil {
		return models.CacheStats{}, storageErr("stats", err)
	}
	return st, nil
}

// storageErr marks store failures as outages, except an unreadable entry,
// which the store reports as models.ErrNotFound.
func storageErr(op string, err error) error {
	if errors.Is(err, models.ErrStorageUnavailable) || errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("index %s: %w", op, err)
	}
	return fmt.Errorf("index %s: %w: %w", op, models.ErrStorageUnavailable, err)
}
