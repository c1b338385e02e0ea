// Package waf implements the pattern denylist used to inspect and neutralize untrusted workflow text.
package waf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity represents the impact level of a denylist match.
type Severity string

const (
	// SeverityLow indicates informational detections.
	SeverityLow Severity = "low"
	// SeverityMedium indicates a suspicious but not critical match.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a match that typically requires blocking.
	SeverityHigh Severity = "high"
	// SeverityCritical indicates an injection construct that must never reach a node.
	SeverityCritical Severity = "critical"
)

// Action describes the enforcement decision for a rule.
type Action string

const (
	// ActionAllow permits the content to pass while recording the detection.
	ActionAllow Action = "allow"
	// ActionBlock neutralizes the content when the rule matches.
	ActionBlock Action = "block"
)

// DefaultToken replaces neutralized matches. It contains no denylisted text.
const DefaultToken = "[removed]"

const maxNeutralizePasses = 16

// Rule declares a detection rule for the detector.
type Rule struct {
	Name     string   `json:"name" yaml:"name"`
	Pattern  string   `json:"pattern" yaml:"pattern"`
	Severity Severity `json:"severity" yaml:"severity"`
	Action   Action   `json:"action" yaml:"action"`
}

// Config bundles the rule set for a detector.
type Config struct {
	Rules []Rule
	// Token overrides DefaultToken for neutralized spans.
	Token string
}

// Detector evaluates text against the configured rule set.
type Detector struct {
	rules []compiledRule
	token string
}

// Match represents a single detection produced by the detector.
// Match holds the offending text and must not be written to logs.
type Match struct {
	Rule     string
	Pattern  string
	Match    string
	Start    int
	End      int
	Severity Severity
	Action   Action
}

// Report summarises matches and the overall enforcement decision.
type Report struct {
	Matches []Match
	Blocked bool
}

type compiledRule struct {
	name     string
	pattern  string
	expr     *regexp.Regexp
	severity Severity
	action   Action
}

// NewDetector constructs a detector using the provided configuration.
func NewDetector(cfg Config) (*Detector, error) {
	token := cfg.Token
	if token == "" {
		token = DefaultToken
	}
	if len(cfg.Rules) == 0 {
		return &Detector{token: token}, nil
	}

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("waf: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("waf: pattern is required for rule %s", name)
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityCritical
		}
		if !isValidSeverity(severity) {
			return nil, fmt.Errorf("waf: invalid severity %q for rule %s", severity, name)
		}
		action := rule.Action
		if action == "" {
			action = ActionBlock
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("waf: invalid action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("waf: invalid pattern for rule %s: %w", name, err)
		}
		if expr.MatchString(token) {
			return nil, fmt.Errorf("waf: rule %s matches the neutralization token", name)
		}
		compiled = append(compiled, compiledRule{
			name:     name,
			pattern:  pattern,
			expr:     expr,
			severity: severity,
			action:   action,
		})
	}

	return &Detector{rules: compiled, token: token}, nil
}

// Rules returns the rule definitions the detector was built from.
func (d *Detector) Rules() []Rule {
	out := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, Rule{Name: r.name, Pattern: r.pattern, Severity: r.severity, Action: r.action})
	}
	return out
}

// Evaluate inspects the provided text and returns a report containing matches and enforcement outcome.
func (d *Detector) Evaluate(ctx context.Context, text string) (Report, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
	}
	return d.scan(text), nil
}

// Neutralize replaces every blocking match with the detector token and repeats until no rule
// matches, so spans formed by joining the remaining text are caught too. The returned report
// describes the original text. If the text does not settle, the whole value collapses to the token.
func (d *Detector) Neutralize(text string) (string, Report) {
	first := d.scan(text)
	if len(first.Matches) == 0 {
		return text, first
	}

	current := text
	report := first
	for pass := 0; pass < maxNeutralizePasses; pass++ {
		if !report.Blocked {
			return current, first
		}
		current = replaceSpans(current, blockingSpans(report.Matches), d.token)
		report = d.scan(current)
	}
	if report.Blocked {
		return d.token, first
	}
	return current, first
}

func (d *Detector) scan(text string) Report {
	if len(d.rules) == 0 || text == "" {
		return Report{}
	}

	var matches []Match
	blocked := false

	for _, rule := range d.rules {
		indices := rule.expr.FindAllStringIndex(text, -1)
		for _, idx := range indices {
			matches = append(matches, Match{
				Rule:     rule.name,
				Pattern:  rule.pattern,
				Match:    text[idx[0]:idx[1]],
				Start:    idx[0],
				End:      idx[1],
				Severity: rule.severity,
				Action:   rule.action,
			})
			if rule.action == ActionBlock {
				blocked = true
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start == matches[j].Start {
			return matches[i].End < matches[j].End
		}
		return matches[i].Start < matches[j].Start
	})

	return Report{Matches: matches, Blocked: blocked}
}

type span struct{ start, end int }

// blockingSpans merges overlapping blocking matches. Matches must be sorted by start.
func blockingSpans(matches []Match) []span {
	var spans []span
	for _, m := range matches {
		if m.Action != ActionBlock {
			continue
		}
		if n := len(spans); n > 0 && m.Start <= spans[n-1].end {
			if m.End > spans[n-1].end {
				spans[n-1].end = m.End
			}
			continue
		}
		spans = append(spans, span{start: m.Start, end: m.End})
	}
	return spans
}

func replaceSpans(text string, spans []span, token string) string {
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(token)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isValidSeverity(severity Severity) bool {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionBlock:
		return true
	default:
		return false
	}
}
