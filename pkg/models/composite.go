package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CompositeResult is the caller-visible report: an ordered mapping from section
// name to payload. It lives only in the requesting process.
type CompositeResult struct {
	Fingerprint Fingerprint
	ResultID    string
	CacheHit    bool
	// Cached is false when the result was computed but could not be stored.
	Cached bool

	names    []string
	sections map[string]ResultSection
}

// NewCompositeResult returns an empty result for resultID.
func NewCompositeResult(resultID string) *CompositeResult {
	return &CompositeResult{
		ResultID: resultID,
		sections: make(map[string]ResultSection),
	}
}

// Add appends a section. It reports false if the name is already present.
func (r *CompositeResult) Add(s ResultSection) bool {
	if _, ok := r.sections[s.Name]; ok {
		return false
	}
	r.names = append(r.names, s.Name)
	r.sections[s.Name] = s
	return true
}

// Names returns section names in display order.
func (r *CompositeResult) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of sections.
func (r *CompositeResult) Len() int { return len(r.names) }

// Get returns the payload stored under name.
func (r *CompositeResult) Get(name string) (any, bool) {
	s, ok := r.sections[name]
	if !ok {
		return nil, false
	}
	return s.Payload, true
}

// Section returns the full section stored under name.
func (r *CompositeResult) Section(name string) (ResultSection, bool) {
	s, ok := r.sections[name]
	return s, ok
}

// Decode unmarshals the payload stored under name into dst. Payloads read from
// storage are decoded directly; live payloads go through a JSON round trip so
// callers see the same shape either way.
func (r *CompositeResult) Decode(name string, dst any) error {
	s, ok := r.sections[name]
	if !ok {
		return fmt.Errorf("section %q: %w", name, ErrNotFound)
	}
	raw, err := PayloadJSON(s.Payload)
	if err != nil {
		return fmt.Errorf("section %q: %w", name, err)
	}
	return json.Unmarshal(raw, dst)
}

// MarshalJSON renders the result as a JSON object whose keys keep display order.
func (r *CompositeResult) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := PayloadJSON(r.sections[name].Payload)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PayloadJSON returns the JSON encoding of a section payload. Raw payloads
// must already be valid JSON; an empty raw payload encodes as null. Byte
// slices holding valid JSON are passed through, other byte slices are
// marshaled as base64 strings.
func PayloadJSON(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: raw payload is not valid JSON", ErrSerialization)
		}
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}
