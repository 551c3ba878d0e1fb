package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/justdata/reportcache/pkg/models"
)

const entryColumns = `fingerprint, result_id, app_name, ruleset_version, compute_cost, created_at, last_accessed_at, access_count`

func scanEntry(row interface{ Scan(...any) error }) (models.CacheEntry, error) {
	var e models.CacheEntry
	var fp string
	err := row.Scan(&fp, &e.ResultID, &e.AppName, &e.RulesetVersion, &e.ComputeCost, &e.CreatedAt, &e.LastAccessedAt, &e.AccessCount)
	e.Fingerprint = models.Fingerprint(fp)
	return e, err
}

// GetEntry returns the entry for fp, or nil if there is none.
func (s *Store) GetEntry(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE fingerprint = ?`, string(fp)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get entry", err)
	}
	return &e, nil
}

// InsertEntry stores e unless its fingerprint is already present, and returns
// whichever entry is stored.
func (s *Store) InsertEntry(ctx context.Context, e models.CacheEntry) (models.CacheEntry, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		string(e.Fingerprint), e.ResultID, e.AppName, e.RulesetVersion, e.ComputeCost,
		e.CreatedAt.UTC(), e.LastAccessedAt.UTC(), e.AccessCount,
	)
	if err != nil {
		return models.CacheEntry{}, false, unavailable("insert entry", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return e, true, nil
	}

	existing, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	if existing == nil {
		return models.CacheEntry{}, false, unavailable("insert entry", errors.New("entry vanished after conflict"))
	}
	return *existing, false, nil
}

// TouchEntry bumps the access counter and last access time.
func (s *Store) TouchEntry(ctx context.Context, fp models.Fingerprint, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = ? WHERE fingerprint = ?`,
		at.UTC(), string(fp),
	)
	if err != nil {
		return unavailable("touch entry", err)
	}
	return nil
}

// DeleteEntries removes entries matching opts.
func (s *Store) DeleteEntries(ctx context.Context, opts models.InvalidateOpts) (int64, error) {
	q := `DELETE FROM cache_entries WHERE 1=1`
	var args []any
	if opts.Fingerprint != "" {
		q += ` AND fingerprint = ?`
		args = append(args, string(opts.Fingerprint))
	}
	if opts.AppName != "" {
		q += ` AND app_name = ?`
		args = append(args, opts.AppName)
	}
	if !opts.Before.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, opts.Before.UTC())
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable("delete entries", err)
	}
	return res.RowsAffected()
}

// EntryStats returns the entry count and summed access counts.
func (s *Store) EntryStats(ctx context.Context) (models.CacheStats, error) {
	var st models.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(access_count), 0) FROM cache_entries`,
	).Scan(&st.Entries, &st.Accesses)
	if err != nil {
		return models.CacheStats{}, unavailable("entry stats", err)
	}
	return st, nil
}

// ListEntries returns entries newest first, optionally for one app.
func (s *Store) ListEntries(ctx context.Context, app string, limit int) ([]models.CacheEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM cache_entries`
	var args []any
	if app != "" {
		q += ` WHERE app_name = ?`
		args = append(args, app)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, unavailable("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
