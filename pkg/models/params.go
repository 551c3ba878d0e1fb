package models

// ParameterSet is the set of named request parameters supplied by a reporting
// application. Values are strings, numbers, bools, or flat lists of those.
type ParameterSet map[string]any

// Fingerprint is the deterministic, fixed-length identifier of a request's
// semantic content. It is the hex SHA-256 of the canonical parameter encoding.
type Fingerprint string

// String returns the fingerprint as a string.
func (f Fingerprint) String() string { return string(f) }

// Short returns the first 12 characters, for display.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// AppParam is the parameter key that names the requesting application.
const AppParam = "app"

// AppName returns the raw application name from the parameter set, or "".
func (p ParameterSet) AppName() string {
	if v, ok := p[AppParam].(string); ok {
		return v
	}
	return ""
}
