// Package assemble rebuilds a composite result from its stored sections.
package assemble

import (
	"sort"

	"github.com/justdata/reportcache/pkg/models"
)

// Assemble orders secs by DisplayOrder and returns them as a composite result.
// Ties keep input order and the first section with a given name wins. Gaps in
// the ordering are fine: a result may be sparse when a section failed to
// persist. The result id is taken from the first section.
func Assemble(secs []models.ResultSection) *models.CompositeResult {
	ordered := make([]models.ResultSection, len(secs))
	copy(ordered, secs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DisplayOrder < ordered[j].DisplayOrder
	})

	var resultID string
	if len(ordered) > 0 {
		resultID = ordered[0].ResultID
	}
	out := models.NewCompositeResult(resultID)
	for _, s := range ordered {
		out.Add(s)
	}
	return out
}
