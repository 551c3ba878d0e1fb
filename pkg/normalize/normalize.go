// Package normalize turns request parameters into deterministic fingerprints.
//
// Two parameter sets that differ only in key order, key spelling style, value
// casing, surrounding whitespace, or the order of unordered list values produce
// the same fingerprint. Caller identity never takes part in the fingerprint.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/justdata/reportcache/pkg/models"
)

// Config configures a Normalizer.
type Config struct {
	// Apps maps application name to its ruleset.
	Apps map[string]Ruleset `yaml:"apps"`
	// Default applies to applications not listed in Apps.
	Default Ruleset `yaml:"default"`
	// Ignore is added to DefaultIgnore for every application.
	Ignore []string `yaml:"ignore"`
}

// DefaultConfig returns the built-in normalization rules.
func DefaultConfig() Config {
	return Config{
		Apps:    DefaultRulesets(),
		Default: DefaultRuleset(),
	}
}

// Normalizer computes fingerprints. It is immutable and safe for concurrent use.
type Normalizer struct {
	apps map[string]compiled
	def  compiled
}

// New builds a Normalizer from cfg.
func New(cfg Config) *Normalizer {
	ignore := append(append([]string{}, DefaultIgnore...), cfg.Ignore...)
	n := &Normalizer{
		apps: make(map[string]compiled, len(cfg.Apps)),
		def:  compile(cfg.Default, ignore),
	}
	for name, rs := range cfg.Apps {
		n.apps[canonicalApp(name)] = compile(rs, ignore)
	}
	return n
}

// Fingerprint returns the fingerprint of params.
func (n *Normalizer) Fingerprint(params models.ParameterSet) (models.Fingerprint, error) {
	fp, _, err := n.Key(params)
	return fp, err
}

// Key returns the fingerprint of params together with the normalized
// application name.
func (n *Normalizer) Key(params models.ParameterSet) (models.Fingerprint, string, error) {
	canonical, app, err := n.Canonical(params)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(canonical)
	return models.Fingerprint(hex.EncodeToString(sum[:])), app, nil
}

// RulesetVersion returns the ruleset version applied to app.
func (n *Normalizer) RulesetVersion(app string) int {
	return n.rules(canonicalApp(app)).version
}

// Canonical returns the stable byte sequence that is hashed into the
// fingerprint, along with the application name it was normalized for.
func (n *Normalizer) Canonical(params models.ParameterSet) ([]byte, string, error) {
	rawApp, ok := lookupApp(params)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q is required", models.ErrInvalidParameter, models.AppParam)
	}
	appStr, ok := rawApp.(string)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q must be a string", models.ErrInvalidParameter, models.AppParam)
	}
	app := canonicalApp(appStr)
	if app == "" {
		return nil, "", fmt.Errorf("%w: %q is empty", models.ErrInvalidParameter, models.AppParam)
	}
	rules := n.rules(app)

	values := make(map[string]any, len(params))
	origin := make(map[string]string, len(params))
	for rawKey, rawVal := range params {
		key := canonicalKey(rawKey)
		if key == "" || key == models.AppParam || rules.ignore[key] {
			continue
		}
		if prev, dup := origin[key]; dup {
			return nil, "", fmt.Errorf("%w: %q and %q name the same parameter", models.ErrInvalidParameter, prev, rawKey)
		}
		origin[key] = rawKey

		v, err := canonicalValue(key, rawVal, rules)
		if err != nil {
			return nil, "", err
		}
		if v == nil {
			continue
		}
		values[key] = v
	}

	for _, req := range rules.required {
		if _, ok := values[req]; !ok {
			return nil, "", fmt.Errorf("%w: %q is required for %s", models.ErrInvalidParameter, req, app)
		}
	}

	return encode(rules.version, app, values), app, nil
}

// lookupApp finds the application parameter under any key spelling.
func lookupApp(params models.ParameterSet) (any, bool) {
	if v, ok := params[models.AppParam]; ok {
		return v, true
	}
	for k, v := range params {
		if canonicalKey(k) == models.AppParam {
			return v, true
		}
	}
	return nil, false
}

func (n *Normalizer) rules(app string) compiled {
	if r, ok := n.apps[app]; ok {
		return r
	}
	return n.def
}

func canonicalApp(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// canonicalKey lower-cases a key and strips separators so camelCase,
// snake_case, and kebab-case spellings collapse together.
func canonicalKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range strings.TrimSpace(k) {
		switch r {
		case '_', '-', ' ', '.':
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// canonicalValue returns a string token, a []string, or nil for absent values.
func canonicalValue(key string, v any, rules compiled) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if _, isBytes := v.([]byte); !isBytes {
			return canonicalList(key, rv, rules)
		}
	}

	tok, err := scalarToken(key, v, rules)
	if err != nil {
		return nil, err
	}
	if tok == "" {
		return nil, nil
	}
	if rules.ordered[key] {
		return tok, nil
	}
	// An unordered parameter given as a scalar is a one-element selection.
	return []string{tok}, nil
}

func canonicalList(key string, rv reflect.Value, rules compiled) (any, error) {
	out := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if elem == nil {
			continue
		}
		ek := reflect.ValueOf(elem).Kind()
		if ek == reflect.Slice || ek == reflect.Array || ek == reflect.Map {
			return nil, fmt.Errorf("%w: %q must be a flat list", models.ErrInvalidParameter, key)
		}
		tok, err := scalarToken(key, elem, rules)
		if err != nil {
			return nil, err
		}
		if tok != "" {
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if rules.ordered[key] {
		if len(out) == 1 {
			return out[0], nil
		}
		return out, nil
	}
	sort.Strings(out)
	return dedupe(out), nil
}

func scalarToken(key string, v any, rules compiled) (string, error) {
	switch val := v.(type) {
	case string:
		s := strings.Join(strings.Fields(val), " ")
		if !rules.caseSensitive[key] {
			s = strings.ToLower(s)
		}
		return s, nil
	case bool:
		return strconv.FormatBool(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", models.ErrInvalidParameter, key, err)
		}
		return numberToken(f), nil
	case int:
		return strconv.FormatInt(int64(val), 10), nil
	case int8:
		return strconv.FormatInt(int64(val), 10), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return numberToken(float64(val)), nil
	case float64:
		return numberToken(val), nil
	default:
		return "", fmt.Errorf("%w: %q has unsupported type %T", models.ErrInvalidParameter, key, v)
	}
}

// numberToken renders integral floats without a fractional part so 2023,
// 2023.0 and "2023" agree.
func numberToken(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// encode writes {"v":N,"app":"...","params":{...}} with sorted keys.
func encode(version int, app string, values map[string]any) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`{"v":`)
	b.WriteString(strconv.Itoa(version))
	b.WriteString(`,"app":`)
	b.WriteString(quote(app))
	b.WriteString(`,"params":{`)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quote(k))
		b.WriteByte(':')
		switch val := values[k].(type) {
		case string:
			b.WriteString(quote(val))
		case []string:
			b.WriteByte('[')
			for j, s := range val {
				if j > 0 {
					b.WriteByte(',')
				}
				b.WriteString(quote(s))
			}
			b.WriteByte(']')
		}
	}
	b.WriteString("}}")
	return []byte(b.String())
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
