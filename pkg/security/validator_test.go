package security

import (
	"strings"
	"testing"

	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type stubTemplates map[domain.NodeKind]domain.Template

func (s stubTemplates) Template(kind domain.NodeKind) (domain.Template, bool) {
	t, ok := s[kind]
	return t, ok
}

var testTemplates = stubTemplates{
	domain.KindInput: {Type: domain.KindInput, BaseSecurityScore: 100},
	domain.KindAction: {
		Type:              domain.KindAction,
		BaseSecurityScore: 85,
		Properties: []domain.PropertySpec{
			{Key: "operation", DataType: domain.TypeString, Enum: []string{"log", "notify"}},
			{Key: "retries", DataType: domain.TypeNumber},
		},
	},
}

func newValidator(t *testing.T, cfg Config) (*Validator, *audit.Log) {
	t.Helper()
	log := audit.New("test-session")
	v, err := NewValidator(cfg, WithTemplates(testTemplates), WithAudit(log))
	require.NoError(t, err)
	return v, log
}

func TestValidateNode_EvalDeductsFiftyAndLogsOnce(t *testing.T) {
	v, log := newValidator(t, Config{})

	clean := &domain.Node{ID: "n-clean", TemplateType: domain.KindInput, Label: "Input"}
	cleanRes := v.ValidateNode(clean)

	node := &domain.Node{
		ID:           "n-1",
		TemplateType: domain.KindInput,
		Label:        "Input",
		Properties:   map[string]any{"script": "run eval(stealCookies) now"},
	}
	res := v.ValidateNode(node)

	assert.Equal(t, 50, cleanRes.Score-res.Score)
	assert.False(t, res.Valid)
	assert.Equal(t, res.Score, node.SecurityScore)
	assert.False(t, node.Validated)

	critical := log.Filter(domain.AuditCritical)
	require.Len(t, critical, 1)
	entry := critical[0]
	assert.Equal(t, domain.EventSecurityViolation, entry.Event)
	assert.Equal(t, "n-1", entry.NodeID)
	assert.Equal(t, "code.eval", entry.Details["rule"])
	assert.Equal(t, `(?i)\beval\s*\(`, entry.Details["pattern"])
	for _, e := range log.Entries() {
		for _, value := range e.Details {
			if s, ok := value.(string); ok {
				assert.NotContains(t, s, "stealCookies")
			}
		}
	}
	for _, msg := range res.Errors {
		assert.NotContains(t, msg, "stealCookies")
	}
}

func TestValidateNode_UsesTemplateBaseScore(t *testing.T) {
	v, _ := newValidator(t, Config{})

	node := &domain.Node{ID: "a", TemplateType: domain.KindAction, Properties: map[string]any{"operation": "log"}}
	res := v.ValidateNode(node)
	assert.True(t, res.Valid)
	assert.Equal(t, 85, res.Score)
}

func TestValidateNode_RecordedFindingsCountOnce(t *testing.T) {
	v, log := newValidator(t, Config{})

	node := &domain.Node{
		ID:           "n",
		TemplateType: domain.KindInput,
		Properties:   map[string]any{"code": "eval(x)"},
		Findings:     []domain.Finding{{Field: "properties.code", Rule: "code.eval", Severity: string(domain.AuditCritical)}},
	}
	res := v.ValidateNode(node)

	assert.Equal(t, 50, res.Score)
	assert.Len(t, log.Filter(domain.AuditCritical), 1)
}

func TestValidateNode_SchemaChecks(t *testing.T) {
	v, log := newValidator(t, Config{})

	node := &domain.Node{ID: "a", TemplateType: domain.KindAction, Properties: map[string]any{
		"operation": "format-disk",
		"retries":   "many",
	}}
	res := v.ValidateNode(node)

	assert.False(t, res.Valid)
	assert.Equal(t, 65, res.Score)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, log.Filter(domain.AuditError), 2)
	assert.Empty(t, log.Filter(domain.AuditCritical))
}

func TestValidateEdge(t *testing.T) {
	v, _ := newValidator(t, Config{})

	edge := &domain.Edge{ID: "e1", From: domain.Endpoint{NodeID: "a", PortID: "out"}, To: domain.Endpoint{NodeID: "b", PortID: "in"}, Kind: domain.PortExecution}
	res := v.ValidateEdge(edge)
	assert.True(t, res.Valid)
	assert.Equal(t, 100, edge.SecurityScore)

	bad := &domain.Edge{ID: "window.open", Kind: "wormhole"}
	res = v.ValidateEdge(bad)
	assert.False(t, res.Valid)
	assert.Equal(t, 40, res.Score)
}

func TestValidateWorkflow_CleanScoresHundred(t *testing.T) {
	v, log := newValidator(t, Config{})

	nodes := []domain.Node{
		{ID: "in", TemplateType: domain.KindInput, Label: "Start"},
		{ID: "act", TemplateType: domain.KindAction, Label: "Notify", Properties: map[string]any{"operation": "notify"}},
	}
	edges := []domain.Edge{{ID: "e", From: domain.Endpoint{NodeID: "in", PortID: "o"}, To: domain.Endpoint{NodeID: "act", PortID: "i"}, Kind: domain.PortExecution}}

	res := v.ValidateWorkflow(nodes, edges)
	assert.True(t, res.Valid)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, 85, nodes[1].SecurityScore)
	assert.True(t, nodes[1].Validated)

	last := log.Entries()[log.Len()-1]
	assert.Equal(t, domain.EventValidationSecurity, last.Event)
}

func TestValidateWorkflow_SingleCriticalBlocks(t *testing.T) {
	v, _ := newValidator(t, Config{})

	nodes := []domain.Node{
		{ID: "a", TemplateType: domain.KindInput},
		{ID: "b", TemplateType: domain.KindInput, Label: "localStorage dump"},
	}
	res := v.ValidateWorkflow(nodes, nil)
	assert.False(t, res.Valid)
	assert.Equal(t, 50, res.Score)
	assert.True(t, strings.Contains(strings.Join(res.Errors, "\n"), "storage.web"))
}

func TestValidateWorkflow_ScoringModes(t *testing.T) {
	nodes := func() []domain.Node {
		return []domain.Node{
			{ID: "a", TemplateType: domain.KindInput, Properties: map[string]any{"x": "eval(1)"}},
			{ID: "b", TemplateType: domain.KindInput, Properties: map[string]any{"y": "fetch(url)"}},
		}
	}

	sub, _ := newValidator(t, Config{Scoring: ScoringSubtractive})
	assert.Equal(t, 0, sub.ValidateWorkflow(nodes(), nil).Score)

	mul, _ := newValidator(t, Config{Scoring: ScoringMultiplicative})
	assert.Equal(t, 25, mul.ValidateWorkflow(nodes(), nil).Score)
}

func TestValidateWorkflow_ScoreAlwaysInRange(t *testing.T) {
	v, _ := newValidator(t, Config{})
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "nodes")
		nodes := make([]domain.Node, n)
		for i := range nodes {
			nodes[i] = domain.Node{
				ID:           rapid.StringMatching(`[a-z]{1,6}`).Draw(rt, "id"),
				TemplateType: rapid.SampledFrom([]domain.NodeKind{domain.KindInput, domain.KindAction, "bogus"}).Draw(rt, "kind"),
				Label:        hostileString().Draw(rt, "label"),
			}
		}
		res := v.ValidateWorkflow(nodes, nil)
		assert.GreaterOrEqual(rt, res.Score, 0)
		assert.LessOrEqual(rt, res.Score, 100)
		if res.Valid {
			assert.GreaterOrEqual(rt, res.Score, v.Config().MinScore)
		}
	})
}

func TestValidator_SanitizeLogsNonFinite(t *testing.T) {
	v, log := newValidator(t, Config{})

	assert.Equal(t, float64(0), v.Sanitize("NaN", domain.TypeNumber))
	errs := log.Filter(domain.AuditError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.EventSanitizationError, errs[0].Event)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{Scoring: "exponential"}.Validate())
	require.Error(t, Config{MinScore: 101}.Validate())
}

func TestMergeFindings(t *testing.T) {
	a := []domain.Finding{{Field: "label", Rule: "code.eval"}}
	b := []domain.Finding{{Field: "label", Rule: "code.eval"}, {Field: "label", Rule: "network.fetch"}}
	assert.Len(t, MergeFindings(a, b), 2)
}
