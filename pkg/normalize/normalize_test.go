package normalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/justdata/reportcache/pkg/models"
)

func mustFingerprint(t *testing.T, n *Normalizer, p models.ParameterSet) models.Fingerprint {
	t.Helper()
	fp, err := n.Fingerprint(p)
	if err != nil {
		t.Fatalf("Fingerprint(%v): %v", p, err)
	}
	return fp
}

func TestFingerprintLength(t *testing.T) {
	n := New(DefaultConfig())
	fp := mustFingerprint(t, n, models.ParameterSet{"app": "lendsight", "year": 2023})
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(fp))
	}
}

func TestFingerprintEquivalent(t *testing.T) {
	n := New(DefaultConfig())
	base := models.ParameterSet{
		"app":         "lendsight",
		"county":      "Baltimore, MD",
		"year":        2023,
		"loanPurpose": "purchase",
	}

	tests := []struct {
		name  string
		other models.ParameterSet
	}{
		{
			name: "reordered keys",
			other: models.ParameterSet{
				"loanPurpose": "purchase",
				"year":        2023,
				"county":      "Baltimore, MD",
				"app":         "lendsight",
			},
		},
		{
			name: "casing and whitespace",
			other: models.ParameterSet{
				"app":         "  LendSight ",
				"county":      "baltimore,   md",
				"year":        2023,
				"loanPurpose": "PURCHASE",
			},
		},
		{
			name: "key spelling",
			other: models.ParameterSet{
				"App":          "lendsight",
				"County":       "Baltimore, MD",
				"year":         2023,
				"loan_purpose": "purchase",
			},
		},
		{
			name: "numeric forms",
			other: models.ParameterSet{
				"app":         "lendsight",
				"county":      "Baltimore, MD",
				"year":        "2023",
				"loanPurpose": "purchase",
			},
		},
		{
			name: "float year",
			other: models.ParameterSet{
				"app":         "lendsight",
				"county":      "Baltimore, MD",
				"year":        2023.0,
				"loanPurpose": "purchase",
			},
		},
		{
			name: "caller identity dropped",
			other: models.ParameterSet{
				"app":         "lendsight",
				"county":      "Baltimore, MD",
				"year":        2023,
				"loanPurpose": "purchase",
				"user_id":     "analyst-42",
				"traceId":     "abc123",
			},
		},
		{
			name: "single county as list",
			other: models.ParameterSet{
				"app":         "lendsight",
				"county":      []string{"Baltimore, MD"},
				"year":        2023,
				"loanPurpose": "purchase",
			},
		},
		{
			name: "empty optional dropped",
			other: models.ParameterSet{
				"app":         "lendsight",
				"county":      "Baltimore, MD",
				"year":        2023,
				"loanPurpose": "purchase",
				"lender":      "",
			},
		},
	}

	want := mustFingerprint(t, n, base)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustFingerprint(t, n, tt.other); got != want {
				t.Errorf("fingerprint = %s, want %s", got, want)
			}
		})
	}
}

func TestFingerprintUnorderedLists(t *testing.T) {
	n := New(DefaultConfig())
	a := mustFingerprint(t, n, models.ParameterSet{
		"app":      "lendsight",
		"year":     2023,
		"counties": []string{"24005", "24510", "24003"},
	})
	b := mustFingerprint(t, n, models.ParameterSet{
		"app":      "lendsight",
		"year":     2023,
		"counties": []any{"24003", "24005", "24510", "24005"},
	})
	if a != b {
		t.Error("county selection order should not matter")
	}
}

func TestFingerprintOrderedListsKeepOrder(t *testing.T) {
	n := New(DefaultConfig())
	a := mustFingerprint(t, n, models.ParameterSet{
		"app":          "lendsight",
		"year":         2023,
		"loan_purpose": []string{"purchase", "refinance"},
	})
	b := mustFingerprint(t, n, models.ParameterSet{
		"app":          "lendsight",
		"year":         2023,
		"loan_purpose": []string{"refinance", "purchase"},
	})
	if a == b {
		t.Error("loan purpose order is semantic and should change the fingerprint")
	}
}

func TestFingerprintDiffers(t *testing.T) {
	n := New(DefaultConfig())
	base := models.ParameterSet{"app": "lendsight", "county": "Baltimore, MD", "year": 2023}
	variants := []models.ParameterSet{
		{"app": "bizsight", "county": "Baltimore, MD", "year": 2023},
		{"app": "lendsight", "county": "Baltimore City, MD", "year": 2023},
		{"app": "lendsight", "county": "Baltimore, MD", "year": 2022},
		{"app": "lendsight", "county": "Baltimore, MD", "year": 2023, "lender": "ABC Bank"},
	}

	seen := map[models.Fingerprint]bool{mustFingerprint(t, n, base): true}
	for _, v := range variants {
		fp := mustFingerprint(t, n, v)
		if seen[fp] {
			t.Errorf("collision for %v", v)
		}
		seen[fp] = true
	}
}

func TestFingerprintCaseSensitive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Apps["lendsight"] = Ruleset{Version: 1, CaseSensitive: []string{"lei"}}
	n := New(cfg)

	a := mustFingerprint(t, n, models.ParameterSet{"app": "lendsight", "lei": "ABC123"})
	b := mustFingerprint(t, n, models.ParameterSet{"app": "lendsight", "lei": "abc123"})
	if a == b {
		t.Error("case-sensitive parameter should keep its case")
	}
}

func TestFingerprintRulesetVersion(t *testing.T) {
	p := models.ParameterSet{"app": "lendsight", "year": 2023}

	v1 := New(DefaultConfig())
	cfg := DefaultConfig()
	rs := cfg.Apps["lendsight"]
	rs.Version = 2
	cfg.Apps["lendsight"] = rs
	v2 := New(cfg)

	if mustFingerprint(t, v1, p) == mustFingerprint(t, v2, p) {
		t.Error("ruleset version bump should change the fingerprint")
	}
	if got := v2.RulesetVersion("LendSight"); got != 2 {
		t.Errorf("RulesetVersion = %d, want 2", got)
	}
}

func TestFingerprintStableAcrossJSONDecoding(t *testing.T) {
	n := New(DefaultConfig())
	var decoded models.ParameterSet
	if err := json.Unmarshal([]byte(`{"year":2023,"app":"lendsight","county":"Baltimore, MD"}`), &decoded); err != nil {
		t.Fatal(err)
	}
	direct := models.ParameterSet{"app": "lendsight", "county": "Baltimore, MD", "year": 2023}
	if mustFingerprint(t, n, decoded) != mustFingerprint(t, n, direct) {
		t.Error("JSON-decoded parameters should match native ones")
	}
}

func TestFingerprintInvalid(t *testing.T) {
	n := New(DefaultConfig())
	tests := []struct {
		name   string
		params models.ParameterSet
	}{
		{"missing app", models.ParameterSet{"year": 2023}},
		{"empty app", models.ParameterSet{"app": "  ", "year": 2023}},
		{"non-string app", models.ParameterSet{"app": 7, "year": 2023}},
		{"missing required", models.ParameterSet{"app": "lendsight"}},
		{"nested list", models.ParameterSet{"app": "lendsight", "year": 2023, "county": []any{[]string{"a"}}}},
		{"map value", models.ParameterSet{"app": "lendsight", "year": 2023, "filter": map[string]any{"a": 1}}},
		{"colliding keys", models.ParameterSet{"app": "lendsight", "year": 2023, "loanPurpose": "a", "loan_purpose": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Fingerprint(tt.params)
			if !errors.Is(err, models.ErrInvalidParameter) {
				t.Errorf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestUnknownAppUsesDefault(t *testing.T) {
	n := New(DefaultConfig())
	if _, err := n.Fingerprint(models.ParameterSet{"app": "newapp"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCanonical(t *testing.T) {
	n := New(DefaultConfig())
	got, app, err := n.Canonical(models.ParameterSet{
		"app":    "LendSight",
		"year":   2023,
		"county": []string{"b", "a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if app != "lendsight" {
		t.Errorf("app = %q, want lendsight", app)
	}
	want := `{"v":1,"app":"lendsight","params":{"county":["a","b"],"year":["2023"]}}`
	if string(got) != want {
		t.Errorf("canonical = %s\nwant        %s", got, want)
	}
}
