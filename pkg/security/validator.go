package security

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/policy/waf"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

// ScoringMode selects how deductions combine into a score.
type ScoringMode string

const (
	// ScoringSubtractive subtracts the sum of deductions from the baseline.
	ScoringSubtractive ScoringMode = "subtractive"
	// ScoringMultiplicative scales the baseline by (1 - d/100) for every deduction.
	ScoringMultiplicative ScoringMode = "multiplicative"
)

// Config tunes scoring. Zero values take the defaults.
type Config struct {
	Scoring           ScoringMode `yaml:"scoring" json:"scoring"`
	CriticalDeduction int         `yaml:"critical_deduction" json:"critical_deduction"`
	ErrorDeduction    int         `yaml:"error_deduction" json:"error_deduction"`
	MinScore          int         `yaml:"min_score" json:"min_score"`
	ExtraRules        []waf.Rule  `yaml:"rules" json:"rules"`
}

// DefaultConfig returns the default scoring policy.
func DefaultConfig() Config {
	return Config{
		Scoring:           ScoringSubtractive,
		CriticalDeduction: 50,
		ErrorDeduction:    10,
		MinScore:          70,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Scoring == "" {
		c.Scoring = def.Scoring
	}
	if c.CriticalDeduction <= 0 {
		c.CriticalDeduction = def.CriticalDeduction
	}
	if c.ErrorDeduction <= 0 {
		c.ErrorDeduction = def.ErrorDeduction
	}
	if c.MinScore <= 0 {
		c.MinScore = def.MinScore
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Scoring != ScoringSubtractive && c.Scoring != ScoringMultiplicative {
		return fmt.Errorf("%w: unknown security scoring %q", domain.ErrConfigInvalid, c.Scoring)
	}
	if c.MinScore > 100 {
		return fmt.Errorf("%w: security min_score %d above 100", domain.ErrConfigInvalid, c.MinScore)
	}
	return nil
}

// TemplateSource resolves the template schema of a node kind.
type TemplateSource interface {
	Template(kind domain.NodeKind) (domain.Template, bool)
}

// Option configures a Validator.
type Option func(*Validator)

// WithTemplates sets the schema source used for base scores and property types.
func WithTemplates(src TemplateSource) Option {
	return func(v *Validator) { v.templates = src }
}

// WithAudit sets the audit trail findings are recorded in.
func WithAudit(l audit.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.audit = l
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Validator scores nodes, edges and workflows and records every finding in the audit trail.
type Validator struct {
	cfg       Config
	sanitizer *Sanitizer
	templates TemplateSource
	patterns  map[string]string
	audit     audit.Logger
	logger    *slog.Logger
}

// NewValidator builds a validator.
func NewValidator(cfg Config, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	sanitizer, err := NewSanitizer(cfg.ExtraRules...)
	if err != nil {
		return nil, err
	}
	patterns := make(map[string]string)
	for _, rule := range sanitizer.Rules() {
		patterns[rule.Name] = rule.Pattern
	}
	v := &Validator{
		cfg:       cfg,
		sanitizer: sanitizer,
		patterns:  patterns,
		audit:     audit.Discard{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Config returns the effective configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Sanitizer exposes the pure sanitizer.
func (v *Validator) Sanitizer() *Sanitizer {
	return v.sanitizer
}

// Clean sanitizes without recording anything.
func (v *Validator) Clean(value any, dataType domain.DataType) Sanitized {
	return v.sanitizer.Clean(value, dataType)
}

// Sanitize cleans a value and records its violations in the audit trail.
func (v *Validator) Sanitize(value any, dataType domain.DataType) any {
	res := v.sanitizer.Clean(value, dataType)
	for _, viol := range res.Violations {
		v.record(domain.Finding{Field: "value", Rule: viol.Rule, Severity: string(viol.Severity)}, "")
	}
	return res.Value
}

// PropertyType returns the data type a node property is sanitized as.
func (v *Validator) PropertyType(kind domain.NodeKind, key string, value any) domain.DataType {
	if v.templates != nil {
		if tmpl, ok := v.templates.Template(kind); ok {
			if spec, ok := tmpl.Property(key); ok && spec.DataType.Valid() {
				return spec.DataType
			}
		}
	}
	return InferType(value)
}

// Findings converts sanitizer violations on a field into node findings.
func Findings(field string, violations []Violation) []domain.Finding {
	out := make([]domain.Finding, 0, len(violations))
	for _, viol := range violations {
		out = append(out, domain.Finding{Field: field, Rule: viol.Rule, Severity: string(viol.Severity)})
	}
	return out
}

// MergeFindings returns the union of a and b keyed by field and rule, preserving order.
func MergeFindings(a, b []domain.Finding) []domain.Finding {
	out := make([]domain.Finding, 0, len(a)+len(b))
	seen := make(map[[2]string]struct{}, len(a)+len(b))
	for _, list := range [][]domain.Finding{a, b} {
		for _, f := range list {
			key := [2]string{f.Field, f.Rule}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

type nodeEval struct {
	findings   []domain.Finding
	deductions []int
	errors     []string
	warnings   []string
	base       int
}

// ValidateNode scores a node and records each finding once. Detections on the node's current
// label and properties are combined with findings recorded when its values were set. The
// node's SecurityScore and Validated fields are updated.
func (v *Validator) ValidateNode(node *domain.Node) domain.ValidationResult {
	eval := v.evaluateNode(node)
	for _, f := range eval.findings {
		v.record(f, node.ID)
	}

	score := v.combine(eval.base, eval.deductions)
	res := domain.ValidationResult{
		Valid:    len(eval.errors) == 0 && score >= v.cfg.MinScore,
		Errors:   eval.errors,
		Warnings: eval.warnings,
		Score:    score,
	}
	if len(eval.errors) == 0 && score < v.cfg.MinScore {
		res.Errors = append(res.Errors, fmt.Sprintf("node %s: security score %d below minimum %d", node.ID, score, v.cfg.MinScore))
	}
	node.SecurityScore = score
	node.Validated = res.Valid

	telemetry.RecordValidation(context.Background(), telemetry.ValidationMetrics{Kind: "security.node", Valid: res.Valid, Score: score})
	return res
}

func (v *Validator) evaluateNode(node *domain.Node) nodeEval {
	eval := nodeEval{base: 100}

	var tmpl domain.Template
	var known bool
	if v.templates != nil {
		tmpl, known = v.templates.Template(node.TemplateType)
	}
	if known {
		eval.base = tmpl.BaseSecurityScore
	}

	var detected []domain.Finding
	note := func(field string, violations []Violation) {
		detected = append(detected, Findings(field, violations)...)
	}

	note("label", v.sanitizer.Clean(node.Label, domain.TypeString).Violations)

	keys := make([]string, 0, len(node.Properties))
	for k := range node.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := node.Properties[key]
		field := "properties." + key
		note(field, v.sanitizer.Clean(value, v.PropertyType(node.TemplateType, key, value)).Violations)

		if !known {
			continue
		}
		if spec, ok := tmpl.Property(key); ok && len(spec.Enum) > 0 {
			if s, isString := value.(string); !isString || !contains(spec.Enum, s) {
				detected = append(detected, domain.Finding{Field: field, Rule: RuleSchemaEnum, Severity: string(domain.AuditError)})
			}
		}
	}

	eval.findings = MergeFindings(detected, node.Findings)
	for _, f := range eval.findings {
		switch domain.AuditLevel(f.Severity) {
		case domain.AuditCritical:
			eval.deductions = append(eval.deductions, v.cfg.CriticalDeduction)
			eval.errors = append(eval.errors, fmt.Sprintf("node %s: %s matched denylist rule %s", node.ID, f.Field, f.Rule))
		case domain.AuditError:
			eval.deductions = append(eval.deductions, v.cfg.ErrorDeduction)
			eval.errors = append(eval.errors, fmt.Sprintf("node %s: %s failed %s", node.ID, f.Field, f.Rule))
		default:
			eval.warnings = append(eval.warnings, fmt.Sprintf("node %s: %s flagged by %s", node.ID, f.Field, f.Rule))
		}
	}
	return eval
}

// ValidateEdge scores an edge. Edge identifiers are checked against the denylist since
// persisted workflows may carry arbitrary text in them.
func (v *Validator) ValidateEdge(edge *domain.Edge) domain.ValidationResult {
	deductions, errs, warnings := v.evaluateEdge(edge, true)
	score := v.combine(100, deductions)
	edge.SecurityScore = score
	return domain.ValidationResult{
		Valid:    len(errs) == 0 && score >= v.cfg.MinScore,
		Errors:   errs,
		Warnings: warnings,
		Score:    score,
	}
}

func (v *Validator) evaluateEdge(edge *domain.Edge, record bool) (deductions []int, errs, warnings []string) {
	fields := []struct{ name, value string }{
		{"id", edge.ID},
		{"from.nodeId", edge.From.NodeID},
		{"from.portId", edge.From.PortID},
		{"to.nodeId", edge.To.NodeID},
		{"to.portId", edge.To.PortID},
	}
	for _, field := range fields {
		for _, viol := range v.sanitizer.Clean(field.value, domain.TypeString).Violations {
			f := domain.Finding{Field: field.name, Rule: viol.Rule, Severity: string(viol.Severity)}
			if record {
				v.record(f, "")
			}
			switch viol.Severity {
			case domain.AuditCritical:
				deductions = append(deductions, v.cfg.CriticalDeduction)
				errs = append(errs, fmt.Sprintf("edge %s: %s matched denylist rule %s", edge.ID, field.name, viol.Rule))
			case domain.AuditError:
				deductions = append(deductions, v.cfg.ErrorDeduction)
				errs = append(errs, fmt.Sprintf("edge %s: %s failed %s", edge.ID, field.name, viol.Rule))
			default:
				warnings = append(warnings, fmt.Sprintf("edge %s: %s flagged by %s", edge.ID, field.name, viol.Rule))
			}
		}
	}
	if !edge.Kind.Valid() {
		deductions = append(deductions, v.cfg.ErrorDeduction)
		errs = append(errs, fmt.Sprintf("edge %s: unknown kind %q", edge.ID, edge.Kind))
	}
	return deductions, errs, warnings
}

// ValidateWorkflow validates every node and edge, annotating them in place, and aggregates
// their deductions into the workflow score. A single critical finding anywhere makes the
// workflow unexecutable.
func (v *Validator) ValidateWorkflow(nodes []domain.Node, edges []domain.Edge) domain.ValidationResult {
	var deductions []int
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}}

	for i := range nodes {
		node := &nodes[i]
		eval := v.evaluateNode(node)
		for _, f := range eval.findings {
			v.record(f, node.ID)
		}
		deductions = append(deductions, eval.deductions...)
		res.Errors = append(res.Errors, eval.errors...)
		res.Warnings = append(res.Warnings, eval.warnings...)

		node.SecurityScore = v.combine(eval.base, eval.deductions)
		node.Validated = len(eval.errors) == 0 && node.SecurityScore >= v.cfg.MinScore
	}
	for i := range edges {
		edge := &edges[i]
		edgeDeductions, errs, warnings := v.evaluateEdge(edge, true)
		deductions = append(deductions, edgeDeductions...)
		res.Errors = append(res.Errors, errs...)
		res.Warnings = append(res.Warnings, warnings...)
		edge.SecurityScore = v.combine(100, edgeDeductions)
	}

	res.Score = v.combine(100, deductions)
	if res.Score < v.cfg.MinScore {
		res.Errors = append(res.Errors, fmt.Sprintf("workflow security score %d below minimum %d", res.Score, v.cfg.MinScore))
	}
	res.Valid = len(res.Errors) == 0

	level := domain.AuditInfo
	if !res.Valid {
		level = domain.AuditWarn
	}
	v.audit.Log(level, domain.EventValidationSecurity, map[string]any{
		"valid":    res.Valid,
		"score":    res.Score,
		"nodes":    len(nodes),
		"edges":    len(edges),
		"errors":   len(res.Errors),
		"warnings": len(res.Warnings),
	})
	telemetry.RecordValidation(context.Background(), telemetry.ValidationMetrics{Kind: "security", Valid: res.Valid, Score: res.Score})
	return res
}

// combine applies the configured scoring formula and clamps the result to [0, 100].
func (v *Validator) combine(base int, deductions []int) int {
	score := float64(base)
	switch v.cfg.Scoring {
	case ScoringMultiplicative:
		for _, d := range deductions {
			score *= 1 - float64(d)/100
		}
		score = math.Round(score)
	default:
		for _, d := range deductions {
			score -= float64(d)
		}
	}
	return clamp(int(score), 0, 100)
}

func (v *Validator) record(f domain.Finding, nodeID string) {
	level := domain.AuditLevel(f.Severity)
	event := domain.EventSanitizationError
	details := map[string]any{"field": f.Field, "rule": f.Rule}
	if level == domain.AuditCritical {
		event = domain.EventSecurityViolation
		if pattern, ok := v.patterns[f.Rule]; ok {
			details["pattern"] = pattern
		}
	}
	var opts []audit.EntryOption
	if nodeID != "" {
		opts = append(opts, audit.ForNode(nodeID))
	}
	v.audit.Log(level, event, details, opts...)
	telemetry.RecordSecurityFinding(context.Background(), f.Rule, f.Severity)
	v.logger.Debug("security finding", "node_id", nodeID, "field", f.Field, "rule", f.Rule, "severity", f.Severity)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
