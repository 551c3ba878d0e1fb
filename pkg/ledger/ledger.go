// Package ledger is the append-only usage ledger. Every request that reaches
// the cache lookup stage produces exactly one record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/justdata/reportcache/pkg/models"
)

// Store is the persistence contract for usage records.
//
// Contract: AppendUsage never modifies an existing row. QueryUsage returns
// records newest first. UsageSummary groups by application.
type Store interface {
	AppendUsage(ctx context.Context, rec models.UsageRecord) error
	QueryUsage(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageRecord, error)
	UsageSummary(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageSummary, error)
}

// DailyQuerier is implemented by stores that can bucket usage by day.
type DailyQuerier interface {
	DailyUsage(ctx context.Context, opts models.UsageQueryOpts) ([]models.DailyUsage, error)
}

// ErrDailyUnsupported is returned by Daily when the store cannot bucket by day.
var ErrDailyUnsupported = errors.New("ledger: store does not support daily usage")

// Defaults.
const (
	DefaultAppendTimeout = 5 * time.Second
	DefaultErrorBuffer   = 64
)

// Options configures a Ledger.
type Options struct {
	Logger        *log.Logger
	AppendTimeout time.Duration
	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int
	Now         func() time.Time
}

// Ledger appends usage records in the background so that bookkeeping never
// delays or fails a request.
type Ledger struct {
	store   Store
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
	errs    chan error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a Ledger over store.
func New(store Store, opts Options) *Ledger {
	l := &Ledger{
		store:   store,
		logger:  opts.Logger,
		timeout: opts.AppendTimeout,
		now:     opts.Now,
	}
	if l.logger == nil {
		l.logger = log.Default()
	}
	if l.timeout <= 0 {
		l.timeout = DefaultAppendTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	buf := opts.ErrorBuffer
	if buf <= 0 {
		buf = DefaultErrorBuffer
	}
	l.errs = make(chan error, buf)
	return l
}

// Record fills in RequestID and CreatedAt when unset and appends rec in the
// background. It returns the completed record. Append failures are logged and
// sent to Errors. After Close, records are appended synchronously.
func (l *Ledger) Record(ctx context.Context, rec models.UsageRecord) models.UsageRecord {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.append(context.WithoutCancel(ctx), rec)
		return rec
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		l.append(context.WithoutCancel(ctx), rec)
	}()
	return rec
}

func (l *Ledger) append(ctx context.Context, rec models.UsageRecord) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.AppendUsage(ctx, rec); err != nil {
		err = fmt.Errorf("append usage %s: %w", rec.RequestID, err)
		l.logger.Error("ledger append failed", "request_id", rec.RequestID, "app", rec.AppName, "status", rec.Status, "err", err)
		select {
		case l.errs <- err:
		default:
		}
	}
}

// Errors reports append failures. Failures are dropped when nobody drains
// the channel and its buffer is full.
func (l *Ledger) Errors() <-chan error {
	return l.errs
}

// Wait blocks until every in-flight append has finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

// Close waits for in-flight appends. It does not close the store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

// Query returns records matching opts, newest first.
func (l *Ledger) Query(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageRecord, error) {
	recs, err := l.store.QueryUsage(ctx, opts)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return recs, nil
}

// Summary returns per-application aggregates for records matching opts.
func (l *Ledger) Summary(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageSummary, error) {
	sums, err := l.store.UsageSummary(ctx, opts)
	if err != nil {
		return nil, storageErr("summary", err)
	}
	return sums, nil
}

// Daily returns per-day, per-application aggregates, newest day first.
func (l *Ledger) Daily(ctx context.Context, opts models.UsageQueryOpts) ([]models.DailyUsage, error) {
	q, ok := l.store.(DailyQuerier)
	if !ok {
		return nil, ErrDailyUnsupported
	}
	days, err := q.DailyUsage(ctx, opts)
	if err != nil {
		return nil, storageErr("daily", err)
	}
	return days, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, models.ErrStorageUnavailable) {
		return fmt.Errorf("ledger %s: %w", op, err)
	}
	return fmt.Errorf("ledger %s: %w: %w", op, models.ErrStorageUnavailable, err)
}
