package sqlite

import (
	"context"
	"fmt"

	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/sections"
)

const sectionColumns = `result_id, section_name, section_type, category, payload, display_order, created_at`

// PutSections inserts secs in one transaction. Sections already stored under
// the same result id and name are left alone.
func (s *Store) PutSections(ctx context.Context, secs []sections.StoredSection) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin put sections", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO result_sections (`+sectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, unavailable("prepare put sections", err)
	}
	defer stmt.Close()

	written := 0
	for _, sec := range secs {
		res, err := stmt.ExecContext(ctx,
			sec.ResultID, sec.Name, string(sec.Type), sec.Category, string(sec.Payload), sec.DisplayOrder, sec.CreatedAt.UTC())
		if err != nil {
			return 0, unavailable(fmt.Sprintf("put section %q", sec.Name), err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit put sections", err)
	}
	return written, nil
}

// GetSections returns the sections of resultID ordered by display order.
func (s *Store) GetSections(ctx context.Context, resultID string) ([]sections.StoredSection, error) {
	return s.querySections(ctx, "get sections",
		`SELECT `+sectionColumns+` FROM result_sections WHERE result_id = ? ORDER BY display_order`, resultID)
}

// SectionsByType returns sections of type t across all results, newest first.
func (s *Store) SectionsByType(ctx context.Context, t models.SectionType, limit int) ([]sections.StoredSection, error) {
	q := `SELECT ` + sectionColumns + ` FROM result_sections WHERE section_type = ?
		ORDER BY created_at DESC, result_id, display_order`
	args := []any{string(t)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySections(ctx, "sections by type", q, args...)
}

func (s *Store) querySections(ctx context.Context, op, q string, args ...any) ([]sections.StoredSection, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []sections.StoredSection
	for rows.Next() {
		var sec sections.StoredSection
		var typ, payload string
		if err := rows.Scan(&sec.ResultID, &sec.Name, &typ, &sec.Category, &payload, &sec.DisplayOrder, &sec.CreatedAt); err != nil {
			return nil, unavailable("scan section", err)
		}
		sec.Type = models.SectionType(typ)
		sec.Payload = []byte(payload)
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}
