// Package graph owns the nodes, ports and edges of one workflow and keeps their referential
// invariants. Nodes and edges live in an arena keyed by id; adjacency is derived on demand.
//
// A Graph is not safe for concurrent mutation. All edits are expected to come from a single
// editor session.
package graph

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/security"
	"github.com/polisai/polis-flow/pkg/templates"
)

var propertyKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

// Validator is the security surface the graph revalidates mutations with.
type Validator interface {
	ValidateNode(node *domain.Node) domain.ValidationResult
	ValidateEdge(edge *domain.Edge) domain.ValidationResult
	Clean(value any, dataType domain.DataType) security.Sanitized
	PropertyType(kind domain.NodeKind, key string, value any) domain.DataType
}

// Option configures a Graph.
type Option func(*Graph)

// WithTemplates overrides the template catalogue (defaults to the global registry).
func WithTemplates(r *templates.Registry) Option {
	return func(g *Graph) {
		if r != nil {
			g.templates = r
		}
	}
}

// WithAudit sets the audit trail mutations are recorded in.
func WithAudit(l audit.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.audit = l
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithID sets the workflow id. A random id is generated otherwise.
func WithID(id string) Option {
	return func(g *Graph) {
		if id != "" {
			g.id = id
		}
	}
}

// WithName sets the workflow display name.
func WithName(name string) Option {
	return func(g *Graph) { g.name = name }
}

// Graph is the editable model of one workflow.
type Graph struct {
	id   string
	name string

	nodes     map[string]*domain.Node
	nodeOrder []string
	edges     map[string]*domain.Edge
	edgeOrder []string

	templates *templates.Registry
	validator Validator
	audit     audit.Logger
	logger    *slog.Logger
	dirty     bool
}

// New creates an empty graph.
func New(v Validator, opts ...Option) *Graph {
	g := &Graph{
		id:        uuid.NewString(),
		nodes:     make(map[string]*domain.Node),
		edges:     make(map[string]*domain.Edge),
		templates: templates.GlobalRegistry(),
		validator: v,
		audit:     audit.Discard{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("workflow_id", g.id)
	return g
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.id }

// Name returns the workflow display name.
func (g *Graph) Name() string { return g.name }

// Dirty reports whether the graph changed since the last full validation.
func (g *Graph) Dirty() bool { return g.dirty }

// MarkClean records that a full structural and security pass has run.
func (g *Graph) MarkClean() { g.dirty = false }

// AddNode instantiates the template for kind at pos and adds the node.
func (g *Graph) AddNode(kind domain.NodeKind, pos domain.Position) (domain.Node, error) {
	node, err := g.templates.Instantiate(kind, pos, g.validator)
	if err != nil {
		return domain.Node{}, err
	}
	g.insert(node)
	g.audit.Log(domain.AuditInfo, domain.EventNodeInstantiated, map[string]any{
		"template": string(kind),
		"score":    node.SecurityScore,
		"valid":    node.Validated,
	}, audit.ForNode(node.ID))
	return node.Clone(), nil
}

// InsertNode adds a node built elsewhere, such as one read from a persisted workflow. The label
// and every property are sanitized before the node is stored.
func (g *Graph) InsertNode(node domain.Node) (domain.Node, error) {
	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := g.nodes[n.ID]; exists {
		return domain.Node{}, fmt.Errorf("%w: node %s", domain.ErrDuplicateID, n.ID)
	}
	if err := uniquePorts(&n); err != nil {
		return domain.Node{}, err
	}

	props := n.Properties
	n.Properties = make(map[string]any, len(props))
	n.Findings = nil
	label := g.validator.Clean(n.Label, domain.TypeString)
	n.Label, _ = label.Value.(string)
	n.Findings = security.MergeFindings(n.Findings, security.Findings("label", label.Violations))
	for key, value := range props {
		if !propertyKeyPattern.MatchString(key) {
			return domain.Node{}, fmt.Errorf("%w: %q on node %s", domain.ErrInvalidPropertyKey, key, n.ID)
		}
		res := g.validator.Clean(value, g.validator.PropertyType(n.TemplateType, key, value))
		n.Properties[key] = res.Value
		n.Findings = security.MergeFindings(n.Findings, security.Findings("properties."+key, res.Violations))
	}

	g.validator.ValidateNode(&n)
	g.insert(&n)
	g.audit.Log(domain.AuditInfo, domain.EventNodeInstantiated, map[string]any{
		"template": string(n.TemplateType),
		"score":    n.SecurityScore,
		"valid":    n.Validated,
		"loaded":   true,
	}, audit.ForNode(n.ID))
	return n.Clone(), nil
}

func uniquePorts(n *domain.Node) error {
	seen := make(map[string]struct{}, len(n.Inputs)+len(n.Outputs))
	for _, list := range [][]domain.Port{n.Inputs, n.Outputs} {
		for _, p := range list {
			if _, dup := seen[p.ID]; dup || p.ID == "" {
				return fmt.Errorf("%w: port %q on node %s", domain.ErrDuplicateID, p.ID, n.ID)
			}
			seen[p.ID] = struct{}{}
		}
	}
	return nil
}

func (g *Graph) insert(node *domain.Node) {
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	g.dirty = true
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotFound, id)
	}

	for _, edgeID := range append([]string(nil), g.edgeOrder...) {
		e := g.edges[edgeID]
		if e.From.NodeID == id || e.To.NodeID == id {
			g.dropEdge(edgeID)
		}
	}

	delete(g.nodes, id)
	g.nodeOrder = without(g.nodeOrder, id)
	g.dirty = true
	g.audit.Log(domain.AuditInfo, domain.EventNodeRemoved, nil, audit.ForNode(id))
	return nil
}

// AddEdge connects an output port to an input port. Self-loops are accepted here and reported
// by structural validation.
func (g *Graph) AddEdge(from, to domain.Endpoint) (domain.Edge, error) {
	return g.connect(uuid.NewString(), from, to)
}

func (g *Graph) connect(id string, from, to domain.Endpoint) (domain.Edge, error) {
	src, ok := g.nodes[from.NodeID]
	if !ok {
		return domain.Edge{}, fmt.Errorf("%w: source node %s", domain.ErrInvalidEndpoint, from.NodeID)
	}
	dst, ok := g.nodes[to.NodeID]
	if !ok {
		return domain.Edge{}, fmt.Errorf("%w: target node %s", domain.ErrInvalidEndpoint, to.NodeID)
	}
	out, ok := src.OutputPort(from.PortID)
	if !ok {
		return domain.Edge{}, fmt.Errorf("%w: node %s has no output port %s", domain.ErrInvalidEndpoint, from.NodeID, from.PortID)
	}
	in, ok := dst.InputPort(to.PortID)
	if !ok {
		return domain.Edge{}, fmt.Errorf("%w: node %s has no input port %s", domain.ErrInvalidEndpoint, to.NodeID, to.PortID)
	}
	if out.Kind != in.Kind {
		return domain.Edge{}, fmt.Errorf("%w: %s port %s cannot feed %s port %s", domain.ErrKindMismatch, out.Kind, out.Label, in.Kind, in.Label)
	}
	if _, exists := g.edges[id]; exists {
		return domain.Edge{}, fmt.Errorf("%w: edge %s", domain.ErrDuplicateID, id)
	}
	for _, e := range g.edges {
		if e.From == from && e.To == to {
			return domain.Edge{}, fmt.Errorf("%w: ports already connected by edge %s", domain.ErrDuplicateID, e.ID)
		}
	}

	edge := &domain.Edge{ID: id, From: from, To: to, Kind: out.Kind}
	g.validator.ValidateEdge(edge)
	g.edges[id] = edge
	g.edgeOrder = append(g.edgeOrder, id)
	g.dirty = true

	details := map[string]any{
		"edge_id": id,
		"kind":    string(edge.Kind),
		"from":    from.NodeID,
		"to":      to.NodeID,
	}
	if out.DataType != in.DataType && edge.Kind == domain.PortData {
		details["coerced"] = fmt.Sprintf("%s->%s", out.DataType, in.DataType)
	}
	g.audit.Log(domain.AuditInfo, domain.EventEdgeAdded, details)
	return *edge, nil
}

// RemoveEdge deletes an edge.
func (g *Graph) RemoveEdge(id string) error {
	if _, ok := g.edges[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrEdgeNotFound, id)
	}
	g.dropEdge(id)
	g.dirty = true
	return nil
}

func (g *Graph) dropEdge(id string) {
	delete(g.edges, id)
	g.edgeOrder = without(g.edgeOrder, id)
	g.audit.Log(domain.AuditInfo, domain.EventEdgeRemoved, map[string]any{"edge_id": id})
}

// SetProperty sanitizes value with the data type the template declares for key (inferred from
// the value otherwise), stores the sanitized value and revalidates the node. Findings from a
// previous value of the same property are replaced.
func (g *Graph) SetProperty(nodeID, key string, value any) (any, error) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	if !propertyKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPropertyKey, key)
	}

	dataType := g.validator.PropertyType(node.TemplateType, key, value)
	res := g.validator.Clean(value, dataType)
	field := "properties." + key
	node.Findings = security.MergeFindings(withoutField(node.Findings, field), security.Findings(field, res.Violations))
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties[key] = res.Value
	g.dirty = true

	g.audit.Log(domain.AuditInfo, domain.EventPropertySet, map[string]any{
		"key":       key,
		"data_type": string(dataType),
		"findings":  len(res.Violations),
	}, audit.ForNode(nodeID))
	result := g.validator.ValidateNode(node)
	g.logger.Debug("property set", "node_id", nodeID, "key", key, "score", result.Score, "valid", result.Valid)
	return domain.CloneProperties(map[string]any{key: res.Value})[key], nil
}

// SetLabel sanitizes and stores a node label.
func (g *Graph) SetLabel(nodeID, label string) (string, error) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	res := g.validator.Clean(label, domain.TypeString)
	node.Label, _ = res.Value.(string)
	node.Findings = security.MergeFindings(withoutField(node.Findings, "label"), security.Findings("label", res.Violations))
	g.dirty = true
	g.validator.ValidateNode(node)
	return node.Label, nil
}

// SetPosition moves a node on the canvas.
func (g *Graph) SetPosition(nodeID string, pos domain.Position) error {
	node, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNodeNotFound, nodeID)
	}
	node.Position = pos
	g.dirty = true
	return nil
}

// Node returns a copy of a node.
func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	return n.Clone(), true
}

// Edge returns a copy of an edge.
func (g *Graph) Edge(id string) (domain.Edge, bool) {
	e, ok := g.edges[id]
	if !ok {
		return domain.Edge{}, false
	}
	return *e, true
}

// Nodes returns copies of every node, annotated with their validation state, in insertion order.
func (g *Graph) Nodes() []domain.Node {
	out := make([]domain.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Edges returns copies of every edge in insertion order.
func (g *Graph) Edges() []domain.Edge {
	out := make([]domain.Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, *g.edges[id])
	}
	return out
}

// Snapshot returns a deep copy of the workflow for validation, execution or undo.
func (g *Graph) Snapshot() domain.Workflow {
	return domain.Workflow{ID: g.id, Name: g.name, Nodes: g.Nodes(), Edges: g.Edges()}
}

// Load replaces the graph content with a persisted workflow. Every node and edge goes through
// the same sanitization and checks as interactive edits. On error the graph is left empty.
func (g *Graph) Load(wf domain.Workflow) error {
	g.nodes = make(map[string]*domain.Node)
	g.edges = make(map[string]*domain.Edge)
	g.nodeOrder = nil
	g.edgeOrder = nil
	if wf.ID != "" {
		g.id = wf.ID
	}
	g.name = wf.Name

	err := g.load(wf)
	if err != nil {
		g.nodes = make(map[string]*domain.Node)
		g.edges = make(map[string]*domain.Edge)
		g.nodeOrder = nil
		g.edgeOrder = nil
	}
	g.dirty = true
	return err
}

func (g *Graph) load(wf domain.Workflow) error {
	for _, n := range wf.Nodes {
		if _, err := g.InsertNode(n); err != nil {
			return err
		}
	}
	for _, e := range wf.Edges {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		edge, err := g.connect(id, e.From, e.To)
		if err != nil {
			return fmt.Errorf("edge %s: %w", id, err)
		}
		if e.Kind != "" && e.Kind != edge.Kind {
			return fmt.Errorf("edge %s: %w: declared %s, ports are %s", id, domain.ErrKindMismatch, e.Kind, edge.Kind)
		}
	}
	return nil
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func withoutField(findings []domain.Finding, field string) []domain.Finding {
	out := findings[:0:0]
	for _, f := range findings {
		if f.Field != field {
			out = append(out, f)
		}
	}
	return out
}
