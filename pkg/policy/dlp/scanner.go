package dlp

import (
	"context"
	"sort"
)

// Scan applies all configured DLP rules to the supplied text.
func (s *Scanner) Scan(ctx context.Context, text string) (Report, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
	}

	if len(s.rules) == 0 {
		return Report{Findings: nil, Redacted: text}, nil
	}

	original := text
	redacted := text
	var findings []Finding
	blocked := false

	for _, rule := range s.rules {
		matches := rule.expr.FindAllStringIndex(original, -1)
		for _, match := range matches {
			findings = append(findings, Finding{
				Rule:   rule.name,
				Match:  original[match[0]:match[1]],
				Start:  match[0],
				End:    match[1],
				Action: rule.action,
			})
		}

		switch rule.action {
		case ActionRedact:
			redacted = rule.expr.ReplaceAllStringFunc(redacted, func(_ string) string {
				return rule.replacement
			})
		case ActionBlock:
			if len(matches) > 0 {
				blocked = true
			}
		case ActionAllow:
			// no-op
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start == findings[j].Start {
			return findings[i].End < findings[j].End
		}
		return findings[i].Start < findings[j].Start
	})

	if blocked {
		redacted = withheld
	}

	return Report{
		Findings:          findings,
		Redacted:          redacted,
		RedactionsApplied: original != redacted,
		Blocked:           blocked,
	}, nil
}

// Redact returns text with every redact rule applied. Text hit by a block rule is withheld entirely.
func (s *Scanner) Redact(text string) string {
	report, err := s.Scan(context.Background(), text)
	if err != nil {
		return withheld
	}
	return report.Redacted
}

// RedactDetails returns a deep copy of details with every string value redacted.
// Keys are kept as-is; nested maps and slices are walked.
func (s *Scanner) RedactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = s.redactValue(v)
	}
	return out
}

func (s *Scanner) redactValue(v any) any {
	switch typed := v.(type) {
	case string:
		return s.Redact(typed)
	case []string:
		cp := make([]string, len(typed))
		for i := range typed {
			cp[i] = s.Redact(typed[i])
		}
		return cp
	case []any:
		cp := make([]any, len(typed))
		for i := range typed {
			cp[i] = s.redactValue(typed[i])
		}
		return cp
	case map[string]any:
		return s.RedactDetails(typed)
	default:
		return v
	}
}
