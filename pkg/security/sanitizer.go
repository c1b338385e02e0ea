// Package security sanitizes untrusted node content and scores nodes, edges and workflows
// against the denylist of dangerous constructs.
package security

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/policy/waf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Sanitization limits.
const (
	MaxNumber         = 1_000_000
	MaxArrayElements  = 1000
	MaxObjectKeys     = 100
	RuleNumber        = "sanitize.number"
	RuleBoolean       = "sanitize.boolean"
	RuleArray         = "sanitize.array"
	RuleObject        = "sanitize.object"
	RuleTruncated     = "sanitize.truncated"
	RuleUnknownType   = "sanitize.type"
	RuleSchemaEnum    = "schema.enum"
	RuleSchemaUnknown = "schema.template"
)

// Violation describes one problem found while sanitizing a value. It names the rule and
// pattern that fired and never the offending payload.
type Violation struct {
	Rule     string
	Pattern  string
	Severity domain.AuditLevel
	Reason   string
}

// Sanitized is the outcome of cleaning one value.
type Sanitized struct {
	Value      any
	Violations []Violation
}

// Sanitizer turns untrusted values into safe, denylist-free values. It holds no mutable state.
type Sanitizer struct {
	detector *waf.Detector
	escaper  *strings.Replacer
}

// NewSanitizer builds a sanitizer from the builtin denylist plus extra rules.
func NewSanitizer(extra ...waf.Rule) (*Sanitizer, error) {
	registry := waf.GlobalRegistry()
	if len(extra) > 0 {
		registry = registry.Clone()
		if err := registry.RegisterAll(extra); err != nil {
			return nil, err
		}
	}
	detector, err := waf.NewDetector(waf.Config{Rules: registry.Rules()})
	if err != nil {
		return nil, fmt.Errorf("build denylist: %w", err)
	}
	return &Sanitizer{
		detector: detector,
		escaper:  strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;"),
	}, nil
}

// Rules returns the denylist in effect.
func (s *Sanitizer) Rules() []waf.Rule {
	return s.detector.Rules()
}

// Sanitize returns the cleaned value, discarding violations.
func (s *Sanitizer) Sanitize(value any, dataType domain.DataType) any {
	return s.Clean(value, dataType).Value
}

// Clean sanitizes value as dataType. Applying Clean to its own output yields the same value
// with no violations.
func (s *Sanitizer) Clean(value any, dataType domain.DataType) Sanitized {
	switch dataType {
	case domain.TypeString:
		out, violations := s.cleanString(value)
		return Sanitized{Value: out, Violations: violations}
	case domain.TypeNumber:
		return cleanNumber(value)
	case domain.TypeBoolean:
		return cleanBoolean(value)
	case domain.TypeArray:
		return s.cleanArray(value)
	case domain.TypeObject:
		return s.cleanObject(value)
	default:
		out, violations := s.cleanString(value)
		violations = append(violations, Violation{
			Rule:     RuleUnknownType,
			Severity: domain.AuditError,
			Reason:   fmt.Sprintf("unsupported data type %q, sanitized as string", dataType),
		})
		return Sanitized{Value: out, Violations: violations}
	}
}

// InferType picks the data type used to sanitize a property the template does not declare.
func InferType(value any) domain.DataType {
	switch value.(type) {
	case bool:
		return domain.TypeBoolean
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return domain.TypeNumber
	case []any, []string:
		return domain.TypeArray
	case map[string]any:
		return domain.TypeObject
	default:
		return domain.TypeString
	}
}

func (s *Sanitizer) cleanString(value any) (string, []Violation) {
	text := stripMarkup(stringify(value))
	neutralized, report := s.detector.Neutralize(text)

	var violations []Violation
	seen := make(map[string]struct{})
	for _, m := range report.Matches {
		if _, dup := seen[m.Rule]; dup {
			continue
		}
		seen[m.Rule] = struct{}{}
		violations = append(violations, Violation{
			Rule:     m.Rule,
			Pattern:  m.Pattern,
			Severity: auditLevel(m.Severity),
			Reason:   "matched denylist rule " + m.Rule,
		})
	}
	return s.escaper.Replace(neutralized), violations
}

// stripMarkup drops every tag, comment and doctype and returns the decoded text content.
// Script and style bodies are dropped with their tags.
func stripMarkup(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return raw
	}

	var b strings.Builder
	b.Grow(len(raw))
	z := html.NewTokenizer(strings.NewReader(raw))
	skipping := atom.Atom(0)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way nothing more is kept
			return html.UnescapeString(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); opaqueText(a) {
				skipping = a
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == skipping {
				skipping = 0
			}
		case html.TextToken:
			if skipping == 0 {
				b.Write(z.Raw())
			}
		}
	}
}

func opaqueText(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Iframe, atom.Noscript, atom.Noembed, atom.Noframes, atom.Xmp:
		return true
	default:
		return false
	}
}

func cleanNumber(value any) Sanitized {
	n, ok := toFloat(value)
	if !ok {
		return Sanitized{Value: float64(0), Violations: []Violation{{
			Rule:     RuleNumber,
			Severity: domain.AuditError,
			Reason:   "value is not a number",
		}}}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Sanitized{Value: float64(0), Violations: []Violation{{
			Rule:     RuleNumber,
			Severity: domain.AuditError,
			Reason:   "non-finite number",
		}}}
	}
	if n > MaxNumber {
		n = MaxNumber
	} else if n < -MaxNumber {
		n = -MaxNumber
	}
	if n == 0 {
		n = 0 // normalizes -0
	}
	return Sanitized{Value: n}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func cleanBoolean(value any) Sanitized {
	switch v := value.(type) {
	case bool:
		return Sanitized{Value: v}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return Sanitized{Value: true}
		case "false", "0":
			return Sanitized{Value: false}
		}
	default:
		if n, ok := toFloat(value); ok && !math.IsNaN(n) {
			return Sanitized{Value: n != 0}
		}
	}
	return Sanitized{Value: false, Violations: []Violation{{
		Rule:     RuleBoolean,
		Severity: domain.AuditError,
		Reason:   "value is not a boolean",
	}}}
}

func (s *Sanitizer) cleanArray(value any) Sanitized {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
	default:
		return Sanitized{Value: []any{}, Violations: []Violation{{
			Rule:     RuleArray,
			Severity: domain.AuditError,
			Reason:   "value is not an array",
		}}}
	}

	var violations []Violation
	if len(items) > MaxArrayElements {
		items = items[:MaxArrayElements]
		violations = append(violations, Violation{
			Rule:     RuleTruncated,
			Severity: domain.AuditWarn,
			Reason:   fmt.Sprintf("array truncated to %d elements", MaxArrayElements),
		})
	}

	out := make([]any, len(items))
	for i, item := range items {
		clean, found := s.cleanString(item)
		out[i] = clean
		violations = mergeViolations(violations, found)
	}
	return Sanitized{Value: out, Violations: violations}
}

func (s *Sanitizer) cleanObject(value any) Sanitized {
	obj, ok := value.(map[string]any)
	if !ok {
		return Sanitized{Value: map[string]any{}, Violations: []Violation{{
			Rule:     RuleObject,
			Severity: domain.AuditError,
			Reason:   "value is not an object",
		}}}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var violations []Violation
	if len(keys) > MaxObjectKeys {
		keys = keys[:MaxObjectKeys]
		violations = append(violations, Violation{
			Rule:     RuleTruncated,
			Severity: domain.AuditWarn,
			Reason:   fmt.Sprintf("object truncated to %d properties", MaxObjectKeys),
		})
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		cleanKey, found := s.cleanString(k)
		violations = mergeViolations(violations, found)
		if cleanKey == "" {
			continue
		}
		// first key in sorted order wins when two keys clean to the same text
		if _, exists := out[cleanKey]; exists {
			continue
		}
		cleanValue, found := s.cleanString(obj[k])
		violations = mergeViolations(violations, found)
		out[cleanKey] = cleanValue
	}
	return Sanitized{Value: out, Violations: violations}
}

func mergeViolations(into, from []Violation) []Violation {
	for _, v := range from {
		dup := false
		for _, existing := range into {
			if existing.Rule == v.Rule {
				dup = true
				break
			}
		}
		if !dup {
			into = append(into, v)
		}
	}
	return into
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func auditLevel(severity waf.Severity) domain.AuditLevel {
	switch severity {
	case waf.SeverityCritical:
		return domain.AuditCritical
	case waf.SeverityHigh:
		return domain.AuditError
	default:
		return domain.AuditWarn
	}
}
