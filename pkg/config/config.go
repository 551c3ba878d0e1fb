package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/justdata/reportcache/pkg/coordinator"
	"github.com/justdata/reportcache/pkg/cost"
	"github.com/justdata/reportcache/pkg/normalize"
	"github.com/justdata/reportcache/pkg/observe"
	redisstore "github.com/justdata/reportcache/pkg/store/redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REPORTCACHE_"

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all reportcache configuration.
type Config struct {
	// Backend selects where the index and sections live. The ledger always
	// lives in SQLite except for the memory backend.
	Backend    string            `yaml:"backend" env:"BACKEND"`
	DBPath     string            `yaml:"db_path" env:"DB_PATH"`
	Redis      redisstore.Config `yaml:"redis" envPrefix:"REDIS_"`
	Compute    ComputeConfig     `yaml:"compute" envPrefix:"COMPUTE_"`
	Normalizer normalize.Config  `yaml:"normalizer"`
	Cost       cost.Pricing      `yaml:"cost" envPrefix:"COST_"`
	Log        LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Observe    observe.Config    `yaml:"observe" envPrefix:"OBSERVE_"`
}

// ComputeConfig controls the coordinator.
type ComputeConfig struct {
	coordinator.Config `yaml:",inline"`
	// TouchTimeout bounds each fire-and-forget access update.
	TouchTimeout time.Duration `yaml:"touch_timeout" env:"TOUCH_TIMEOUT"`
	// AppendTimeout bounds each asynchronous ledger append.
	AppendTimeout time.Duration `yaml:"append_timeout" env:"APPEND_TIMEOUT"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text|json|logfmt
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Backend: BackendSQLite,
		DBPath:  "reportcache.db",
		Redis: redisstore.Config{
			URL:              "redis://localhost:6379/0",
			Prefix:           "rc",
			CompressMinBytes: 1024,
		},
		Compute: ComputeConfig{
			Config: coordinator.Config{
				ComputeTimeout: 10 * time.Minute,
				Lease:          true,
			},
			TouchTimeout:  2 * time.Second,
			AppendTimeout: 5 * time.Second,
		},
		Normalizer: normalize.DefaultConfig(),
		Cost:       cost.DefaultPricing(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observe: observe.Config{
			ServiceName: "reportcache",
			Tracing:     observe.TracingConfig{Exporter: "none", SamplePct: 1.0},
			Metrics:     observe.MetricsConfig{Exporter: "none"},
		},
	}
}

// Load reads a YAML config file, expands environment variables, and applies
// REPORTCACHE_* overrides. An empty path yields the defaults plus overrides.
// A .env file next to the config file, or in the working directory, is loaded
// first without replacing variables that are already set.
func Load(path string) (*Config, error) {
	loadDotenv(path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func loadDotenv(configPath string) {
	var candidates []string
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	candidates = append(candidates, ".env")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis backend"))
		}
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for the usage ledger"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("backend %q: want sqlite, redis, or memory", c.Backend))
	}
	if c.Compute.ComputeTimeout < 0 {
		errs = append(errs, errors.New("compute.timeout must not be negative"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json, or logfmt", c.Log.Format))
	}
	if err := c.Cost.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Observe.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds a logger writing to w at the configured level and format.
func (l LogConfig) NewLogger(w io.Writer) *log.Logger {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch strings.ToLower(l.Format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	})
}
