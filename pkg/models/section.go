package models

import "time"

// SectionType classifies a stored section of a composite result.
type SectionType string

const (
	SectionDataTable           SectionType = "data_table"
	SectionNarrativeSummary    SectionType = "narrative_summary"
	SectionNarrativeDiscussion SectionType = "narrative_discussion"
	SectionRawData             SectionType = "raw_data"
	SectionMetadata            SectionType = "metadata"
)

// SectionTypes lists every known section type.
var SectionTypes = []SectionType{
	SectionDataTable,
	SectionNarrativeSummary,
	SectionNarrativeDiscussion,
	SectionRawData,
	SectionMetadata,
}

// Valid reports whether t is one of the known section types.
func (t SectionType) Valid() bool {
	for _, known := range SectionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ResultSection is one named, typed piece of a composite result.
//
// Payload holds the live value produced by decomposition, or a json.RawMessage
// when the section was read back from storage.
type ResultSection struct {
	ResultID     string      `json:"result_id"`
	Name         string      `json:"section_name"`
	Type         SectionType `json:"section_type"`
	Category     string      `json:"category,omitempty"`
	Payload      any         `json:"payload"`
	DisplayOrder int         `json:"display_order"`
	CreatedAt    time.Time   `json:"created_at"`
}
