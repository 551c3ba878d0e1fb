// Package sections persists composite results as independently typed,
// individually addressable sections.
package sections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/justdata/reportcache/pkg/models"
)

// ErrTypeQueryUnsupported is returned by ByType when the backend cannot
// filter sections by type.
var ErrTypeQueryUnsupported = errors.New("sections: backend does not support type queries")

// StoredSection is the persisted form of a models.ResultSection.
type StoredSection struct {
	ResultID     string             `json:"result_id"`
	Name         string             `json:"section_name"`
	Type         models.SectionType `json:"section_type"`
	Category     string             `json:"category,omitempty"`
	Payload      []byte             `json:"payload"`
	DisplayOrder int                `json:"display_order"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Section converts s back to a ResultSection whose payload is raw JSON.
func (s StoredSection) Section() models.ResultSection {
	return models.ResultSection{
		ResultID:     s.ResultID,
		Name:         s.Name,
		Type:         s.Type,
		Category:     s.Category,
		Payload:      jsonRaw(s.Payload),
		DisplayOrder: s.DisplayOrder,
		CreatedAt:    s.CreatedAt,
	}
}

// Backend persists sections.
//
// Contract: PutSections stores every section whose (ResultID, Name) is not
// already present and returns how many rows it stored. GetSections returns an
// empty slice, not an error, for an unknown result id. Connectivity failures
// wrap models.ErrStorageUnavailable.
type Backend interface {
	PutSections(ctx context.Context, secs []StoredSection) (int, error)
	GetSections(ctx context.Context, resultID string) ([]StoredSection, error)
}

// TypeQuerier is implemented by backends that can list sections by type.
type TypeQuerier interface {
	SectionsByType(ctx context.Context, t models.SectionType, limit int) ([]StoredSection, error)
}

// SkippedSection names a section that was not persisted and why. Index is
// the section's position in the list given to Write or Validate.
type SkippedSection struct {
	Index int
	Name  string
	Err   error
}

// WriteReport describes the outcome of Write.
type WriteReport struct {
	Written int
	Skipped []SkippedSection
}

// Options configures a Store.
type Options struct {
	Logger *log.Logger
	// Now overrides the clock used for CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

// Store serializes sections and writes them to a Backend.
type Store struct {
	backend Backend
	logger  *log.Logger
	now     func() time.Time
}

// New returns a Store over b.
func New(b Backend, opts Options) *Store {
	s := &Store{backend: b, logger: opts.Logger, now: opts.Now}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Write persists secs under resultID. DisplayOrder is taken from list
// position. A section with an empty or repeated name, an unknown type, or a
// payload that cannot be serialized is skipped and logged; the remaining
// sections are still written. A backend failure returns an error wrapping
// models.ErrStorageUnavailable.
func (s *Store) Write(ctx context.Context, resultID string, secs []models.ResultSection) (WriteReport, error) {
	now := s.now().UTC()
	payloads, skipped := encode(secs)
	report := WriteReport{Skipped: skipped}
	for _, sk := range skipped {
		s.logger.Warn("section skipped", "result_id", resultID, "section", sk.Name, "err", sk.Err)
	}

	stored := make([]StoredSection, 0, len(payloads))
	for i, sec := range secs {
		payload, ok := payloads[i]
		if !ok {
			continue
		}
		stored = append(stored, StoredSection{
			ResultID:     resultID,
			Name:         sec.Name,
			Type:         sec.Type,
			Category:     sec.Category,
			Payload:      payload,
			DisplayOrder: i,
			CreatedAt:    now,
		})
	}

	if len(stored) == 0 {
		return report, nil
	}
	n, err := s.backend.PutSections(ctx, stored)
	if err != nil {
		return report, storageErr("write sections", err)
	}
	report.Written = n
	return report, nil
}

// Validate reports the sections Write would skip without writing anything.
func Validate(secs []models.ResultSection) []SkippedSection {
	_, skipped := encode(secs)
	return skipped
}

// encode serializes every acceptable section, keyed by list position.
func encode(secs []models.ResultSection) (map[int][]byte, []SkippedSection) {
	payloads := make(map[int][]byte, len(secs))
	seen := make(map[string]bool, len(secs))
	var skipped []SkippedSection

	for i, sec := range secs {
		var err error
		switch {
		case sec.Name == "":
			err = fmt.Errorf("%w: section %d has no name", models.ErrSerialization, i)
		case seen[sec.Name]:
			err = fmt.Errorf("%w: duplicate section name %q", models.ErrSerialization, sec.Name)
		case !sec.Type.Valid():
			err = fmt.Errorf("%w: section %q has unknown type %q", models.ErrSerialization, sec.Name, sec.Type)
		}
		var payload []byte
		if err == nil {
			payload, err = models.PayloadJSON(sec.Payload)
		}
		if err != nil {
			skipped = append(skipped, SkippedSection{Index: i, Name: sec.Name, Err: err})
			continue
		}
		seen[sec.Name] = true
		payloads[i] = payload
	}
	return payloads, skipped
}

// Fetch returns every stored section of resultID ordered by DisplayOrder.
// It returns models.ErrNotFound when none exist.
func (s *Store) Fetch(ctx context.Context, resultID string) ([]models.ResultSection, error) {
	stored, err := s.backend.GetSections(ctx, resultID)
	if err != nil {
		return nil, storageErr("fetch sections", err)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("sections for %s: %w", resultID, models.ErrNotFound)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].DisplayOrder < stored[j].DisplayOrder })

	out := make([]models.ResultSection, len(stored))
	for i, st := range stored {
		out[i] = st.Section()
	}
	return out, nil
}

// ByType lists sections of type t across results, newest first.
func (s *Store) ByType(ctx context.Context, t models.SectionType, limit int) ([]models.ResultSection, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown section type %q", models.ErrInvalidParameter, t)
	}
	q, ok := s.backend.(TypeQuerier)
	if !ok {
		return nil, ErrTypeQueryUnsupported
	}
	stored, err := q.SectionsByType(ctx, t, limit)
	if err != nil {
		return nil, storageErr("sections by type", err)
	}
	out := make([]models.ResultSection, len(stored))
	for i, st := range stored {
		out[i] = st.Section()
	}
	return out, nil
}

// storageErr marks backend failures as outages. Corrupt data reported as
// models.ErrNotFound is passed through so callers can recompute it.
func storageErr(op string, err error) error {
	if errors.Is(err, models.ErrStorageUnavailable) || errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
}

func jsonRaw(b []byte) json.RawMessage {
	if b == nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
