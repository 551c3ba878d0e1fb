// Package decompose helps reporting applications split a computed report
// into ordered, typed sections.
package decompose

import "github.com/justdata/reportcache/pkg/models"

// Builder accumulates sections in display order.
//
//	secs := decompose.New().
//		Summary("summary", narrative).
//		Table("by_lender", "lenders", rows).
//		Meta("meta", meta).
//		Sections()
type Builder struct {
	secs []models.ResultSection
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Add appends a section of any type.
func (b *Builder) Add(name string, t models.SectionType, category string, payload any) *Builder {
	b.secs = append(b.secs, models.ResultSection{
		Name:         name,
		Type:         t,
		Category:     category,
		Payload:      payload,
		DisplayOrder: len(b.secs),
	})
	return b
}

// Table appends a data table. category groups related tables for analytics.
func (b *Builder) Table(name, category string, rows any) *Builder {
	return b.Add(name, models.SectionDataTable, category, rows)
}

// Summary appends a short narrative.
func (b *Builder) Summary(name, text string) *Builder {
	return b.Add(name, models.SectionNarrativeSummary, "", text)
}

// Discussion appends a long-form narrative.
func (b *Builder) Discussion(name, text string) *Builder {
	return b.Add(name, models.SectionNarrativeDiscussion, "", text)
}

// Raw appends unprocessed source data.
func (b *Builder) Raw(name string, v any) *Builder {
	return b.Add(name, models.SectionRawData, "", v)
}

// Meta appends report metadata.
func (b *Builder) Meta(name string, v any) *Builder {
	return b.Add(name, models.SectionMetadata, "", v)
}

// Sections returns the accumulated sections.
func (b *Builder) Sections() []models.ResultSection {
	out := make([]models.ResultSection, len(b.secs))
	copy(out, b.secs)
	return out
}
