// Package dlp masks secrets and personal data before they are written to the audit trail.
package dlp

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultConfig returns the builtin rules from the global registry.
func DefaultConfig() Config {
	return Config{Rules: GlobalRegistry().Clone()}
}

// NewScanner constructs a Scanner for the provided configuration.
func NewScanner(cfg Config) (*Scanner, error) {
	if len(cfg.Rules) == 0 {
		return &Scanner{}, nil
	}

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("dlp: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" && action == ActionRedact {
			replacement = fmt.Sprintf("[REDACTED:%s]", name)
		}

		compiled = append(compiled, compiledRule{
			name:        name,
			expr:        expr,
			action:      action,
			replacement: replacement,
		})
	}

	return &Scanner{rules: compiled}, nil
}
