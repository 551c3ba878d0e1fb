package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/sections"
)

// outcome is the product of one miss-path run, shared by every caller that
// waited on it.
type outcome struct {
	resultID    string
	sections    []models.ResultSection
	cached      bool
	computeCost float64
}

// produce computes, decomposes and, when persist is set, stores and registers
// the result. Computation runs under computeCtx; storage uses storeCtx so a
// finished computation is not wasted when the caller goes away.
func (c *Coordinator) produce(computeCtx, storeCtx context.Context, req request, compute ComputeFunc, decompose DecomposeFunc, persist bool) (*outcome, error) {
	comp, err := c.runCompute(computeCtx, req, compute)
	if err != nil {
		return nil, err
	}

	secs, err := runDecompose(decompose, comp.Raw)
	if err != nil {
		return nil, err
	}

	out := &outcome{
		resultID:    c.newID(),
		computeCost: c.estimator.Estimate(req.app, comp.Usage),
	}
	out.sections = c.servable(req, secs)
	for i := range out.sections {
		out.sections[i].ResultID = out.resultID
		out.sections[i].DisplayOrder = i
	}

	if persist {
		out.cached = c.persist(storeCtx, req, out)
	}
	return out, nil
}

// servable drops sections that could never be stored, so a fresh result has
// the same shape as the cached one served later.
func (c *Coordinator) servable(req request, secs []models.ResultSection) []models.ResultSection {
	skipped := sections.Validate(secs)
	if len(skipped) == 0 {
		return append([]models.ResultSection(nil), secs...)
	}
	drop := make(map[int]bool, len(skipped))
	for _, sk := range skipped {
		drop[sk.Index] = true
		c.logger.Warn("section dropped", "app", req.app, "fingerprint", req.fp.Short(), "section", sk.Name, "err", sk.Err)
	}
	out := make([]models.ResultSection, 0, len(secs)-len(skipped))
	for i, s := range secs {
		if !drop[i] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) persist(ctx context.Context, req request, out *outcome) bool {
	rep, err := c.sections.Write(ctx, out.resultID, out.sections)
	if err != nil {
		c.logger.Warn("sections not stored, result will not be cached", "app", req.app, "fingerprint", req.fp.Short(), "err", err)
		return false
	}
	if rep.Written == 0 {
		c.logger.Warn("no sections stored, result will not be cached", "app", req.app, "fingerprint", req.fp.Short())
		return false
	}

	entry, err := c.index.Register(ctx, req.fp, out.resultID, req.app, c.normalizer.RulesetVersion(req.app), out.computeCost)
	if err != nil {
		c.logger.Warn("register failed, result will not be cached", "app", req.app, "fingerprint", req.fp.Short(), "err", err)
		return false
	}
	if entry.ResultID != out.resultID {
		c.logger.Debug("lost registration race", "fingerprint", req.fp.Short(), "result_id", out.resultID, "winner", entry.ResultID)
	}
	return true
}

type computeResult struct {
	comp Computation
	err  error
}

// runCompute calls compute with the configured timeout. A compute function
// that ignores its context is abandoned once the deadline passes.
func (c *Coordinator) runCompute(ctx context.Context, req request, compute ComputeFunc) (Computation, error) {
	if c.cfg.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ComputeTimeout)
		defer cancel()
	}

	start := c.now()
	done := make(chan computeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- computeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		comp, err := compute(ctx, req.params)
		done <- computeResult{comp: comp, err: err}
	}()

	var r computeResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	c.metrics.RecordCompute(ctx, req.app, c.now().Sub(start), r.err)

	if r.err != nil {
		if ctx.Err() != nil || errors.Is(r.err, context.DeadlineExceeded) {
			return Computation{}, contextErr(r.err)
		}
		return Computation{}, fmt.Errorf("%w: %w", models.ErrComputationFailed, r.err)
	}
	return r.comp, nil
}

func runDecompose(decompose DecomposeFunc, raw any) (secs []models.ResultSection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: decompose panic: %v", models.ErrComputationFailed, r)
		}
	}()
	secs, err = decompose(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decompose: %w", models.ErrComputationFailed, err)
	}
	return secs, nil
}

// contextErr maps a context error to the computation error taxonomy.
func contextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrComputationTimeout, err)
	}
	return fmt.Errorf("%w: %w", models.ErrComputationFailed, err)
}
