package normalize

// Ruleset describes how one application's parameters are canonicalized.
// Key names in a ruleset are matched after key canonicalization, so
// "loanPurpose" and "loan_purpose" refer to the same parameter.
type Ruleset struct {
	// Version is folded into every fingerprint. Bump it whenever the rules
	// change meaning so entries computed under the old rules stop matching.
	Version int `yaml:"version"`

	// Required parameters must be present and non-empty.
	Required []string `yaml:"required"`

	// Ignore lists parameters that never affect computed output.
	Ignore []string `yaml:"ignore"`

	// Ordered lists list-valued parameters whose order is meaningful.
	// All other lists are sorted and de-duplicated.
	Ordered []string `yaml:"ordered"`

	// CaseSensitive lists parameters whose string values keep their case.
	CaseSensitive []string `yaml:"case_sensitive"`
}

// DefaultIgnore holds parameters that identify the caller rather than the
// report. They are dropped for every application.
var DefaultIgnore = []string{
	"user",
	"user_id",
	"user_email",
	"session",
	"session_id",
	"trace_id",
	"request_id",
	"timestamp",
	"csrf_token",
}

// DefaultRuleset returns the ruleset used for applications without their own.
func DefaultRuleset() Ruleset {
	return Ruleset{Version: 1}
}

// DefaultRulesets returns the built-in rules for the reporting applications.
func DefaultRulesets() map[string]Ruleset {
	return map[string]Ruleset{
		"lendsight": {
			Version:  1,
			Required: []string{"year"},
			Ordered:  []string{"loan_purpose"},
		},
		"bizsight": {
			Version:  1,
			Required: []string{"year"},
		},
		"branchsight": {
			Version:  1,
			Required: []string{"year"},
		},
	}
}

// compiled is a Ruleset with its key lists canonicalized into sets.
type compiled struct {
	version       int
	required      []string
	ignore        map[string]bool
	ordered       map[string]bool
	caseSensitive map[string]bool
}

func compile(rs Ruleset, globalIgnore []string) compiled {
	c := compiled{
		version:       rs.Version,
		ignore:        make(map[string]bool),
		ordered:       make(map[string]bool),
		caseSensitive: make(map[string]bool),
	}
	if c.version <= 0 {
		c.version = 1
	}
	for _, k := range rs.Required {
		c.required = append(c.required, canonicalKey(k))
	}
	for _, k := range globalIgnore {
		c.ignore[canonicalKey(k)] = true
	}
	for _, k := range rs.Ignore {
		c.ignore[canonicalKey(k)] = true
	}
	for _, k := range rs.Ordered {
		c.ordered[canonicalKey(k)] = true
	}
	for _, k := range rs.CaseSensitive {
		c.caseSensitive[canonicalKey(k)] = true
	}
	return c
}
