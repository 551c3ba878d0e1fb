// Package sqlite is the durable backend for the cache index, the section
// store, and the usage ledger. All three live in one database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/justdata/reportcache/pkg/models"
)

// Store implements index.Store, sections.Backend, sections.TypeQuerier,
// ledger.Store and ledger.DailyQuerier.
type Store struct {
	db *sql.DB
}

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	result_id TEXT NOT NULL,
	app_name TEXT NOT NULL,
	ruleset_version INTEGER NOT NULL DEFAULT 1,
	compute_cost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_app_created ON cache_entries(app_name, created_at);
`

const createSectionsTable = `
CREATE TABLE IF NOT EXISTS result_sections (
	result_id TEXT NOT NULL,
	section_name TEXT NOT NULL,
	section_type TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	display_order INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (result_id, section_name)
);
CREATE INDEX IF NOT EXISTS idx_sections_type ON result_sections(section_type, created_at);
`

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	app_name TEXT NOT NULL,
	parameters TEXT,
	fingerprint TEXT NOT NULL,
	cache_hit INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	estimated_compute_cost REAL NOT NULL DEFAULT 0,
	estimated_cost_saved REAL NOT NULL DEFAULT 0,
	result_id TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_app_time ON usage_ledger(app_name, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_hit ON usage_ledger(cache_hit);
CREATE INDEX IF NOT EXISTS idx_usage_fingerprint ON usage_ledger(fingerprint);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers so background appends never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	for _, ddl := range []string{createEntriesTable, createSectionsTable, createUsageTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}
