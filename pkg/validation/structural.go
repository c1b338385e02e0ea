// Package validation implements the structural checks a workflow must pass before execution:
// size bounds, cycle detection and per-item well-formedness.
package validation

import (
	"context"
	"fmt"
	"regexp"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

// Default bounds and deductions.
const (
	DefaultMaxNodes = 50
	DefaultMaxEdges = 100

	SizeDeduction  = 30
	CycleDeduction = 40
	ItemDeduction  = 10
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Limits bounds the size of an executable workflow.
type Limits struct {
	MaxNodes int
	MaxEdges int
}

// DefaultLimits returns the default bounds.
func DefaultLimits() Limits {
	return Limits{MaxNodes: DefaultMaxNodes, MaxEdges: DefaultMaxEdges}
}

// Structural validates workflow shape. It never mutates its input.
type Structural struct {
	limits Limits
}

// NewStructural builds a validator; non-positive limits take the defaults.
func NewStructural(limits Limits) *Structural {
	if limits.MaxNodes <= 0 {
		limits.MaxNodes = DefaultMaxNodes
	}
	if limits.MaxEdges <= 0 {
		limits.MaxEdges = DefaultMaxEdges
	}
	return &Structural{limits: limits}
}

// Limits returns the bounds in effect.
func (s *Structural) Limits() Limits {
	return s.limits
}

// Validate checks bounds, cycles and every node and edge. All checks always run so the error
// list is exhaustive. The score starts at 100 and is floored at 0.
func (s *Structural) Validate(nodes []domain.Node, edges []domain.Edge) domain.ValidationResult {
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}, Score: 100}
	deduct := func(points int, format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
		res.Score -= points
	}

	if len(nodes) > s.limits.MaxNodes {
		deduct(SizeDeduction, "workflow has %d nodes, maximum is %d", len(nodes), s.limits.MaxNodes)
	}
	if len(edges) > s.limits.MaxEdges {
		deduct(SizeDeduction, "workflow has %d edges, maximum is %d", len(edges), s.limits.MaxEdges)
	}

	if cycle := FindCycle(nodes, edges); cycle != nil {
		deduct(CycleDeduction, "potential infinite loop: cycle through %v", cycle)
	}

	index := make(map[string]*domain.Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if !idPattern.MatchString(n.ID) {
			deduct(ItemDeduction, "node %q: malformed id", n.ID)
		}
		if _, dup := index[n.ID]; dup {
			deduct(ItemDeduction, "node %q: duplicate id", n.ID)
		} else {
			index[n.ID] = n
		}
		if !n.TemplateType.Valid() {
			deduct(ItemDeduction, "node %q: unknown template type %q", n.ID, n.TemplateType)
		}
		ports := make(map[string]struct{}, len(n.Inputs)+len(n.Outputs))
		for _, list := range [][]domain.Port{n.Inputs, n.Outputs} {
			for _, p := range list {
				if _, dup := ports[p.ID]; dup || p.ID == "" {
					deduct(ItemDeduction, "node %q: port %q has a missing or duplicate id", n.ID, p.ID)
				}
				ports[p.ID] = struct{}{}
				if !p.Kind.Valid() {
					deduct(ItemDeduction, "node %q: port %q has unknown kind %q", n.ID, p.ID, p.Kind)
				}
				if !p.DataType.Valid() {
					deduct(ItemDeduction, "node %q: port %q has unknown data type %q", n.ID, p.ID, p.DataType)
				}
			}
		}
	}

	edgeIDs := make(map[string]struct{}, len(edges))
	connected := make(map[domain.Endpoint]struct{}, len(edges))
	touched := make(map[string]struct{}, len(nodes))
	for _, e := range edges {
		if !idPattern.MatchString(e.ID) {
			deduct(ItemDeduction, "edge %q: malformed id", e.ID)
		}
		if _, dup := edgeIDs[e.ID]; dup {
			deduct(ItemDeduction, "edge %q: duplicate id", e.ID)
		}
		edgeIDs[e.ID] = struct{}{}
		if !e.Kind.Valid() {
			deduct(ItemDeduction, "edge %q: unknown kind %q", e.ID, e.Kind)
		}

		src, srcOK := index[e.From.NodeID]
		dst, dstOK := index[e.To.NodeID]
		var out, in *domain.Port
		if srcOK {
			out, srcOK = src.OutputPort(e.From.PortID)
		}
		if dstOK {
			in, dstOK = dst.InputPort(e.To.PortID)
		}
		if !srcOK || !dstOK {
			deduct(ItemDeduction, "edge %q: dangling endpoint", e.ID)
		} else if out.Kind != in.Kind || (e.Kind.Valid() && e.Kind != out.Kind) {
			deduct(ItemDeduction, "edge %q: connects %s port to %s port", e.ID, out.Kind, in.Kind)
		} else if out.Kind == domain.PortData && out.DataType != in.DataType {
			res.Warnings = append(res.Warnings, fmt.Sprintf("edge %q: %s value coerced to %s", e.ID, out.DataType, in.DataType))
		}
		connected[e.To] = struct{}{}
		touched[e.From.NodeID] = struct{}{}
		touched[e.To.NodeID] = struct{}{}
	}

	for _, n := range nodes {
		for _, p := range n.Inputs {
			if p.Required {
				if _, ok := connected[domain.Endpoint{NodeID: n.ID, PortID: p.ID}]; !ok {
					res.Warnings = append(res.Warnings, fmt.Sprintf("node %q: required input %q is not connected", n.ID, p.Label))
				}
			}
		}
		if _, ok := touched[n.ID]; !ok && len(nodes) > 1 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q is isolated", n.ID))
		}
	}

	if res.Score < 0 {
		res.Score = 0
	}
	res.Valid = len(res.Errors) == 0
	telemetry.RecordValidation(context.Background(), telemetry.ValidationMetrics{Kind: "structural", Valid: res.Valid, Score: res.Score})
	return res
}

type dfsFrame struct {
	id   string
	next int
}

// FindCycle returns the node ids of a cycle in the graph formed by all edges, or nil. Self-loops
// are cycles of length one. Edges whose endpoints are unknown nodes still count.
func FindCycle(nodes []domain.Node, edges []domain.Edge) []string {
	adj := make(map[string][]string, len(nodes))
	order := make([]string, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			order = append(order, id)
		}
	}
	for _, n := range nodes {
		add(n.ID)
	}
	for _, e := range edges {
		add(e.From.NodeID)
		add(e.To.NodeID)
		adj[e.From.NodeID] = append(adj[e.From.NodeID], e.To.NodeID)
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(order))

	for _, root := range order {
		if state[root] != unvisited {
			continue
		}
		stack := []dfsFrame{{id: root}}
		state[root] = onStack
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(adj[top.id]) {
				child := adj[top.id][top.next]
				top.next++
				switch state[child] {
				case onStack:
					return cyclePath(stack, child)
				case unvisited:
					state[child] = onStack
					stack = append(stack, dfsFrame{id: child})
				}
				continue
			}
			state[top.id] = done
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

func cyclePath(stack []dfsFrame, start string) []string {
	var path []string
	for _, f := range stack {
		if f.id == start || len(path) > 0 {
			path = append(path, f.id)
		}
	}
	return append(path, start)
}
