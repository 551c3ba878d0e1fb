package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Backend)
	}
	if cfg.DBPath != "reportcache.db" {
		t.Errorf("expected reportcache.db, got %s", cfg.DBPath)
	}
	if !cfg.Compute.Lease {
		t.Error("expected lease enabled by default")
	}
	if _, ok := cfg.Normalizer.Apps["lendsight"]; !ok {
		t.Error("expected built-in lendsight ruleset")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	content := `
backend: redis
db_path: "ledger.db"
redis:
  url: redis://cache:6379/2
  password: ${TEST_REDIS_PASSWORD}
  compress: true
compute:
  timeout: 90s
  lease: false
normalizer:
  apps:
    lendsight:
      version: 3
      required: [year, county]
cost:
  default: 0.10
  apps:
    lendsight: 0.75
log:
  level: debug
  format: json
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Backend != BackendRedis {
		t.Errorf("expected redis, got %s", cfg.Backend)
	}
	if cfg.Redis.Password != "s3cret" {
		t.Errorf("env var not expanded: got %s", cfg.Redis.Password)
	}
	if !cfg.Redis.Compress {
		t.Error("expected compression enabled")
	}
	if cfg.Redis.Prefix != "rc" {
		t.Errorf("default prefix lost: got %q", cfg.Redis.Prefix)
	}
	if cfg.Compute.ComputeTimeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.Compute.ComputeTimeout)
	}
	if cfg.Compute.Lease {
		t.Error("expected lease disabled")
	}
	if cfg.Compute.TouchTimeout != 2*time.Second {
		t.Errorf("default touch timeout lost: got %v", cfg.Compute.TouchTimeout)
	}
	if rs := cfg.Normalizer.Apps["lendsight"]; rs.Version != 3 || len(rs.Required) != 2 {
		t.Errorf("lendsight ruleset = %+v", rs)
	}
	if cfg.Cost.Apps["lendsight"] != 0.75 {
		t.Errorf("expected lendsight cost 0.75, got %v", cfg.Cost.Apps["lendsight"])
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Log.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REPORTCACHE_BACKEND", "memory")
	t.Setenv("REPORTCACHE_COMPUTE_TIMEOUT", "45s")
	t.Setenv("REPORTCACHE_REDIS_PREFIX", "staging")
	t.Setenv("REPORTCACHE_COST_DEFAULT", "0.2")
	t.Setenv("REPORTCACHE_OBSERVE_TRACING_ENABLED", "true")
	t.Setenv("REPORTCACHE_OBSERVE_TRACING_EXPORTER", "stdout")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("backend = %s, want memory", cfg.Backend)
	}
	if cfg.Compute.ComputeTimeout != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.Compute.ComputeTimeout)
	}
	if cfg.Redis.Prefix != "staging" {
		t.Errorf("prefix = %s, want staging", cfg.Redis.Prefix)
	}
	if cfg.Cost.Default != 0.2 {
		t.Errorf("default cost = %v, want 0.2", cfg.Cost.Default)
	}
	if !cfg.Observe.Tracing.Enabled || cfg.Observe.Tracing.Exporter != "stdout" {
		t.Errorf("tracing = %+v", cfg.Observe.Tracing)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("REPORTCACHE_DB_PATH", "/var/lib/reportcache/override.db")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("db_path: from-file.db\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/reportcache/override.db" {
		t.Errorf("db_path = %s, want the environment value", cfg.DBPath)
	}
}

func TestDotenv(t *testing.T) {
	const key = "REPORTCACHE_LOG_LEVEL"
	t.Cleanup(func() { os.Unsetenv(key) })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=warn\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("backend: memory\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %s, want warn from .env", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }, "backend"},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"redis without url", func(c *Config) { c.Backend = BackendRedis; c.Redis.URL = "" }, "redis.url"},
		{"negative timeout", func(c *Config) { c.Compute.ComputeTimeout = -time.Second }, "compute.timeout"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero default cost", func(c *Config) { c.Cost.Default = 0 }, "cost.default"},
		{"zero app cost", func(c *Config) { c.Cost.Apps = map[string]float64{"lendsight": 0} }, "cost.apps.lendsight"},
		{"bad exporter", func(c *Config) {
			c.Observe.Metrics.Enabled = true
			c.Observe.Metrics.Exporter = "statsd"
		}, "metrics exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("dropped")
	logger.Warn("kept", "app", "lendsight")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"app":"lendsight"`) {
		t.Errorf("expected json output, got %q", out)
	}
}
