package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/justdata/reportcache/pkg/config"
	"github.com/justdata/reportcache/pkg/coordinator"
	"github.com/justdata/reportcache/pkg/cost"
	"github.com/justdata/reportcache/pkg/index"
	"github.com/justdata/reportcache/pkg/ledger"
	"github.com/justdata/reportcache/pkg/normalize"
	"github.com/justdata/reportcache/pkg/observe"
	"github.com/justdata/reportcache/pkg/sections"
	"github.com/justdata/reportcache/pkg/store/memory"
	redisstore "github.com/justdata/reportcache/pkg/store/redis"
	sqlitestore "github.com/justdata/reportcache/pkg/store/sqlite"
)

// app holds the components built from one configuration.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	normalizer *normalize.Normalizer
	index      *index.Index
	sections   *sections.Store
	ledger     *ledger.Ledger

	// sqlite is set when the backend keeps entries in SQLite, which is the
	// only backend that can list them.
	sqlite *sqlitestore.Store

	closers []func() error
}

// loadConfig reads and validates the configuration.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Observe.Version = version
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openApp builds the stores named by the configuration.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	log.SetDefault(logger)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		normalizer: normalize.New(cfg.Normalizer),
	}

	var (
		entries index.Store
		backend sections.Backend
		usage   ledger.Store
	)
	switch cfg.Backend {
	case config.BackendMemory:
		mem := memory.New()
		entries, backend, usage = mem, mem, mem
	case config.BackendSQLite:
		db, err := sqlitestore.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.sqlite = db
		entries, backend, usage = db, db, db
	case config.BackendRedis:
		rdb, err := redisstore.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		db, err := sqlitestore.New(cfg.DBPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		entries, backend, usage = rdb, rdb, db
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	a.index = index.New(entries, index.Options{
		Logger:       logger.WithPrefix("index"),
		TouchTimeout: cfg.Compute.TouchTimeout,
	})
	a.sections = sections.New(backend, sections.Options{Logger: logger.WithPrefix("sections")})
	a.ledger = ledger.New(usage, ledger.Options{
		Logger:        logger.WithPrefix("ledger"),
		AppendTimeout: cfg.Compute.AppendTimeout,
	})
	logger.Debug("stores opened", "backend", cfg.Backend)
	return a, nil
}

// coordinator wires a Coordinator with observability from the configuration.
// The returned shutdown flushes telemetry.
func (a *app) coordinator(ctx context.Context) (*coordinator.Coordinator, func(context.Context) error, error) {
	obs, err := observe.New(ctx, a.cfg.Observe)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observe.NewCacheMetrics(obs.Meter())
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, nil, err
	}
	c, err := coordinator.New(coordinator.Options{
		Config:     a.cfg.Compute.Config,
		Normalizer: a.normalizer,
		Index:      a.index,
		Sections:   a.sections,
		Ledger:     a.ledger,
		Estimator:  cost.NewEstimator(a.cfg.Cost),
		Tracer:     obs.Tracer(),
		Metrics:    metrics,
		Logger:     a.logger.WithPrefix("coordinator"),
	})
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, nil, err
	}
	return c, obs.Shutdown, nil
}

// Close drains background work and closes the stores.
func (a *app) Close() error {
	if a.index != nil {
		a.index.Wait()
	}
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
