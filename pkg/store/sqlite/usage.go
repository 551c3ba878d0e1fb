package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/justdata/reportcache/pkg/models"
)

// AppendUsage inserts one ledger row. Rows are never updated.
func (s *Store) AppendUsage(ctx context.Context, rec models.UsageRecord) error {
	var params sql.NullString
	if len(rec.Parameters) > 0 {
		params = sql.NullString{String: string(rec.Parameters), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_ledger
		(request_id, app_name, parameters, fingerprint, cache_hit, cached, status, error_message,
		 estimated_compute_cost, estimated_cost_saved, result_id, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.AppName, params, string(rec.Fingerprint), rec.CacheHit, rec.Cached,
		string(rec.Status), rec.ErrorMessage, rec.EstimatedComputeCost, rec.EstimatedCostSaved,
		rec.ResultID, rec.DurationMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return unavailable("append usage", err)
	}
	return nil
}

// where builds the WHERE clause shared by ledger queries.
func where(opts models.UsageQueryOpts) (string, []any) {
	q := ` WHERE 1=1`
	var args []any
	if opts.AppName != "" {
		q += ` AND app_name = ?`
		args = append(args, opts.AppName)
	}
	if !opts.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, opts.Until.UTC())
	}
	if opts.CacheHit != nil {
		q += ` AND cache_hit = ?`
		args = append(args, *opts.CacheHit)
	}
	if opts.Fingerprint != "" {
		q += ` AND fingerprint = ?`
		args = append(args, string(opts.Fingerprint))
	}
	return q, args
}

// QueryUsage returns ledger rows matching opts, newest first.
func (s *Store) QueryUsage(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageRecord, error) {
	cond, args := where(opts)
	q := `SELECT id, request_id, app_name, parameters, fingerprint, cache_hit, cached, status, error_message,
		estimated_compute_cost, estimated_cost_saved, result_id, duration_ms, created_at
		FROM usage_ledger` + cond + ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("query usage", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var params sql.NullString
		var fp, status string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.AppName, &params, &fp, &r.CacheHit, &r.Cached, &status,
			&r.ErrorMessage, &r.EstimatedComputeCost, &r.EstimatedCostSaved, &r.ResultID, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, unavailable("scan usage", err)
		}
		if params.Valid {
			r.Parameters = json.RawMessage(params.String)
		}
		r.Fingerprint = models.Fingerprint(fp)
		r.Status = models.UsageStatus(status)
		records = append(records, r)
	}
	return records, rows.Err()
}

// UsageSummary aggregates ledger rows matching opts per application.
func (s *Store) UsageSummary(ctx context.Context, opts models.UsageQueryOpts) ([]models.UsageSummary, error) {
	cond, args := where(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_name, COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('hit', 'shared') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('miss', 'uncached') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failed', 'timeout') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(estimated_compute_cost), 0),
			COALESCE(SUM(estimated_cost_saved), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM usage_ledger`+cond+` GROUP BY app_name ORDER BY app_name`, args...)
	if err != nil {
		return nil, unavailable("usage summary", err)
	}
	defer rows.Close()

	var out []models.UsageSummary
	for rows.Next() {
		var u models.UsageSummary
		if err := rows.Scan(&u.AppName, &u.Requests, &u.Hits, &u.Misses, &u.Failures, &u.ComputeCost, &u.CostSaved, &u.AvgDurationMs); err != nil {
			return nil, unavailable("scan usage summary", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DailyUsage aggregates ledger rows per UTC day and application.
func (s *Store) DailyUsage(ctx context.Context, opts models.UsageQueryOpts) ([]models.DailyUsage, error) {
	cond, args := where(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(created_at, 1, 10) AS day, app_name, COUNT(*),
			COALESCE(SUM(cache_hit), 0), COALESCE(SUM(estimated_cost_saved), 0)
		FROM usage_ledger`+cond+` GROUP BY day, app_name ORDER BY day DESC, app_name`, args...)
	if err != nil {
		return nil, unavailable("daily usage", err)
	}
	defer rows.Close()

	var out []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		if err := rows.Scan(&d.Day, &d.AppName, &d.Requests, &d.Hits, &d.CostSaved); err != nil {
			return nil, unavailable("scan daily usage", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
