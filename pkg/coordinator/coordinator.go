// Package coordinator serves report requests from the cache or computes them.
//
// A request moves through normalizing, lookup, and then either the hit path
// (fetch, assemble, log) or the miss path (compute, decompose, persist,
// register, log). Bookkeeping failures never change the returned report: a
// storage outage degrades to computing without caching, and a cache entry
// whose sections are gone is recomputed.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/justdata/reportcache/pkg/assemble"
	"github.com/justdata/reportcache/pkg/cost"
	"github.com/justdata/reportcache/pkg/index"
	"github.com/justdata/reportcache/pkg/ledger"
	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/normalize"
	"github.com/justdata/reportcache/pkg/observe"
	"github.com/justdata/reportcache/pkg/sections"
)

// Computation is what a ComputeFunc produces.
type Computation struct {
	// Raw is handed to the DecomposeFunc unchanged.
	Raw any
	// Usage prices the computation. Zero usage falls back to the app's flat cost.
	Usage cost.Usage
}

// ComputeFunc runs the expensive report computation. It must honor ctx.
type ComputeFunc func(ctx context.Context, params models.ParameterSet) (Computation, error)

// DecomposeFunc splits a computed report into ordered sections.
type DecomposeFunc func(raw any) ([]models.ResultSection, error)

// Config tunes request handling.
type Config struct {
	// ComputeTimeout bounds a single computation. Zero means only the
	// caller's deadline applies.
	ComputeTimeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Lease makes concurrent identical requests in this process wait on one
	// computation instead of each computing.
	Lease bool `yaml:"lease" env:"LEASE"`
}

// Options wires a Coordinator. Normalizer, Index, Sections and Ledger are
// required.
type Options struct {
	Config     Config
	Normalizer *normalize.Normalizer
	Index      *index.Index
	Sections   *sections.Store
	Ledger     *ledger.Ledger
	Estimator  *cost.Estimator
	Tracer     trace.Tracer
	Metrics    *observe.CacheMetrics
	Logger     *log.Logger
	// NewResultID overrides result id generation. Defaults to uuid.NewString.
	NewResultID func() string
	Now         func() time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg        Config
	normalizer *normalize.Normalizer
	index      *index.Index
	sections   *sections.Store
	ledger     *ledger.Ledger
	estimator  *cost.Estimator
	tracer     trace.Tracer
	metrics    *observe.CacheMetrics
	logger     *log.Logger
	newID      func() string
	now        func() time.Time
	flights    singleflight.Group
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Normalizer == nil:
		return nil, errors.New("coordinator: normalizer is required")
	case opts.Index == nil:
		return nil, errors.New("coordinator: index is required")
	case opts.Sections == nil:
		return nil, errors.New("coordinator: section store is required")
	case opts.Ledger == nil:
		return nil, errors.New("coordinator: ledger is required")
	}
	c := &Coordinator{
		cfg:        opts.Config,
		normalizer: opts.Normalizer,
		index:      opts.Index,
		sections:   opts.Sections,
		ledger:     opts.Ledger,
		estimator:  opts.Estimator,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		newID:      opts.NewResultID,
		now:        opts.Now,
	}
	if c.estimator == nil {
		c.estimator = cost.NewEstimator(cost.DefaultPricing())
	}
	if c.tracer == nil {
		c.tracer = tracenoop.NewTracerProvider().Tracer("noop")
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// request carries per-request state through the state machine.
type request struct {
	params models.ParameterSet
	fp     models.Fingerprint
	app    string
	start  time.Time
}

// GetOrCompute returns the report for params, from the cache when an
// equivalent request was computed before.
//
// Errors: models.ErrInvalidParameter when params are malformed (no ledger
// record is written), models.ErrComputationFailed when compute or decompose
// fails, models.ErrComputationTimeout when the computation exceeds its
// deadline. Storage failures are never returned.
func (c *Coordinator) GetOrCompute(ctx context.Context, params models.ParameterSet, compute ComputeFunc, decompose DecomposeFunc) (*models.CompositeResult, error) {
	if compute == nil || decompose == nil {
		return nil, fmt.Errorf("%w: compute and decompose are required", models.ErrInvalidParameter)
	}
	req := request{params: params, start: c.now()}

	ctx, span := c.tracer.Start(ctx, "reportcache.get_or_compute")
	defer span.End()

	fp, app, err := c.normalizer.Key(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid parameters")
		return nil, err
	}
	req.fp, req.app = fp, app
	span.SetAttributes(
		attribute.String("reportcache.app", app),
		attribute.String("reportcache.fingerprint", fp.Short()),
	)

	res, rec, err := c.handle(ctx, req, compute, decompose)
	rec.DurationMs = c.now().Sub(req.start).Milliseconds()
	c.ledger.Record(ctx, rec)
	c.metrics.RecordRequest(ctx, app, string(rec.Status), rec.EstimatedCostSaved)

	span.SetAttributes(attribute.String("reportcache.outcome", string(rec.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(rec.Status))
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) handle(ctx context.Context, req request, compute ComputeFunc, decompose DecomposeFunc) (*models.CompositeResult, models.UsageRecord, error) {
	persist := true

	entry, err := c.index.Lookup(ctx, req.fp)
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.logger.Warn("cache entry unreadable, recomputing", "app", req.app, "fingerprint", req.fp.Short(), "err", err)
		persist = c.evict(ctx, req)
	case err != nil:
		c.logger.Warn("cache lookup failed, computing without cache", "app", req.app, "fingerprint", req.fp.Short(), "err", err)
		persist = false
	case entry != nil:
		res, err := c.serveHit(ctx, req, *entry)
		if err == nil {
			rec := c.baseRecord(req)
			rec.CacheHit = true
			rec.Cached = true
			rec.Status = models.StatusHit
			rec.ResultID = entry.ResultID
			rec.EstimatedCostSaved = c.savedCost(req.app, entry.ComputeCost)
			return res, rec, nil
		}
		if errors.Is(err, models.ErrNotFound) {
			c.logger.Warn("cache entry sections missing or unreadable, recomputing", "app", req.app, "fingerprint", req.fp.Short(), "result_id", entry.ResultID, "err", err)
			persist = c.evict(ctx, req)
		} else {
			c.logger.Warn("section fetch failed, computing without cache", "app", req.app, "fingerprint", req.fp.Short(), "err", err)
			persist = false
		}
	}

	return c.serveMiss(ctx, req, compute, decompose, persist)
}

// evict drops a broken entry so the recomputed result can take its place.
// It reports whether the recomputed result may be persisted.
func (c *Coordinator) evict(ctx context.Context, req request) bool {
	if err := c.index.Evict(ctx, req.fp); err != nil {
		c.logger.Warn("evict failed", "fingerprint", req.fp.Short(), "err", err)
		return false
	}
	return true
}

func (c *Coordinator) serveHit(ctx context.Context, req request, entry models.CacheEntry) (*models.CompositeResult, error) {
	secs, err := c.sections.Fetch(ctx, entry.ResultID)
	if err != nil {
		return nil, err
	}
	res := assemble.Assemble(secs)
	res.Fingerprint = req.fp
	res.ResultID = entry.ResultID
	res.CacheHit = true
	res.Cached = true
	c.index.Touch(ctx, req.fp)
	return res, nil
}

func (c *Coordinator) serveMiss(ctx context.Context, req request, compute ComputeFunc, decompose DecomposeFunc, persist bool) (*models.CompositeResult, models.UsageRecord, error) {
	var (
		out    *outcome
		err    error
		shared bool
	)
	if c.cfg.Lease {
		out, shared, err = c.leased(ctx, req, compute, decompose, persist)
	} else {
		out, err = c.produce(ctx, context.WithoutCancel(ctx), req, compute, decompose, persist)
	}

	rec := c.baseRecord(req)
	if err != nil {
		rec.Status = models.StatusFailed
		if errors.Is(err, models.ErrComputationTimeout) {
			rec.Status = models.StatusTimeout
		}
		rec.ErrorMessage = err.Error()
		return nil, rec, err
	}

	res := assemble.Assemble(out.sections)
	res.Fingerprint = req.fp
	res.ResultID = out.resultID
	res.Cached = out.cached

	rec.ResultID = out.resultID
	rec.Cached = out.cached
	switch {
	case shared:
		res.CacheHit = true
		rec.CacheHit = true
		rec.Status = models.StatusShared
		rec.EstimatedCostSaved = out.computeCost
	case out.cached:
		rec.Status = models.StatusMiss
		rec.EstimatedComputeCost = out.computeCost
	default:
		rec.Status = models.StatusUncached
		rec.EstimatedComputeCost = out.computeCost
	}
	return res, rec, nil
}

// leased runs the miss path under a per-fingerprint lease. shared reports
// whether this caller waited on a computation started by another caller.
func (c *Coordinator) leased(ctx context.Context, req request, compute ComputeFunc, decompose DecomposeFunc, persist bool) (*outcome, bool, error) {
	key := string(req.fp)
	if !persist {
		key += "/uncached"
	}

	leader := false
	ch := c.flights.DoChan(key, func() (any, error) {
		leader = true
		detached := context.WithoutCancel(ctx)
		return c.produce(detached, detached, req, compute, decompose, persist)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		return r.Val.(*outcome), !leader, nil
	case <-ctx.Done():
		return nil, false, contextErr(ctx.Err())
	}
}

func (c *Coordinator) baseRecord(req request) models.UsageRecord {
	params, err := json.Marshal(req.params)
	if err != nil {
		params = nil
	}
	return models.UsageRecord{
		AppName:     req.app,
		Parameters:  params,
		Fingerprint: req.fp,
	}
}

// savedCost prices an avoided computation. Entries registered without a cost
// fall back to the app's flat estimate so a hit always reports savings.
func (c *Coordinator) savedCost(app string, entryCost float64) float64 {
	if entryCost > 0 {
		return entryCost
	}
	return c.estimator.Fallback(app)
}

// Wait blocks until background touches and ledger appends have finished.
func (c *Coordinator) Wait() {
	c.index.Wait()
	c.ledger.Wait()
}
