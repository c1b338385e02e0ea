package validation

import (
	"fmt"
	"strings"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func node(id string) domain.Node {
	return domain.Node{
		ID:           id,
		TemplateType: domain.KindDelay,
		Inputs:       []domain.Port{{ID: id + "-in", Label: "in", Kind: domain.PortExecution, DataType: domain.TypeBoolean}},
		Outputs:      []domain.Port{{ID: id + "-out", Label: "next", Kind: domain.PortExecution, DataType: domain.TypeBoolean}},
	}
}

func edge(from, to string) domain.Edge {
	return domain.Edge{
		ID:   fmt.Sprintf("%s-%s", from, to),
		From: domain.Endpoint{NodeID: from, PortID: from + "-out"},
		To:   domain.Endpoint{NodeID: to, PortID: to + "-in"},
		Kind: domain.PortExecution,
	}
}

func chain(n int) ([]domain.Node, []domain.Edge) {
	nodes := make([]domain.Node, n)
	var edges []domain.Edge
	for i := range nodes {
		nodes[i] = node(fmt.Sprintf("n%d", i))
		if i > 0 {
			edges = append(edges, edge(nodes[i-1].ID, nodes[i].ID))
		}
	}
	return nodes, edges
}

func TestValidate_LinearWorkflowScoresHundred(t *testing.T) {
	nodes, edges := chain(3)
	res := NewStructural(DefaultLimits()).Validate(nodes, edges)

	assert.True(t, res.Valid)
	assert.Equal(t, 100, res.Score)
	assert.Empty(t, res.Errors)
}

func TestValidate_SelfLoopIsCycle(t *testing.T) {
	nodes := []domain.Node{node("a")}
	edges := []domain.Edge{edge("a", "a")}

	res := NewStructural(DefaultLimits()).Validate(nodes, edges)
	assert.False(t, res.Valid)
	assert.Equal(t, 60, res.Score)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "potential infinite loop")
}

func TestValidate_FiftyOneNodesDeductsExactlyThirty(t *testing.T) {
	nodes, edges := chain(51)
	res := NewStructural(DefaultLimits()).Validate(nodes, edges)

	assert.False(t, res.Valid)
	assert.Equal(t, 70, res.Score)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "51 nodes")
}

func TestValidate_SizeAndCycleAreIndependent(t *testing.T) {
	nodes, edges := chain(51)
	edges = append(edges, edge("n50", "n0"))

	res := NewStructural(DefaultLimits()).Validate(nodes, edges)
	assert.Equal(t, 100-SizeDeduction-CycleDeduction, res.Score)
	assert.Len(t, res.Errors, 2)
}

func TestValidate_ItemChecksAreExhaustive(t *testing.T) {
	bad := node("ok")
	bad.TemplateType = "mystery"
	bad.Inputs[0].Kind = "wire"
	nodes := []domain.Node{bad, node("bad id!"), node("ok")}
	edges := []domain.Edge{
		{ID: "e1", From: domain.Endpoint{NodeID: "ok", PortID: "ok-out"}, To: domain.Endpoint{NodeID: "ghost", PortID: "x"}, Kind: domain.PortExecution},
		{ID: "e2", From: domain.Endpoint{NodeID: "ok", PortID: "ok-out"}, To: domain.Endpoint{NodeID: "ok", PortID: "ok-in"}, Kind: "teleport"},
	}

	res := NewStructural(DefaultLimits()).Validate(nodes, edges)
	joined := strings.Join(res.Errors, "\n")
	for _, want := range []string{"unknown template type", "unknown kind \"wire\"", "malformed id", "duplicate id", "dangling endpoint", "unknown kind \"teleport\"", "potential infinite loop"} {
		assert.Contains(t, joined, want)
	}
	assert.Equal(t, 0, res.Score)
}

func TestValidate_Warnings(t *testing.T) {
	a := node("a")
	a.Inputs[0].Required = true
	nodes := []domain.Node{a, node("b"), node("c")}
	edges := []domain.Edge{edge("b", "c")}

	res := NewStructural(DefaultLimits()).Validate(nodes, edges)
	assert.True(t, res.Valid)
	assert.Equal(t, 100, res.Score)
	joined := strings.Join(res.Warnings, "\n")
	assert.Contains(t, joined, "required input \"in\" is not connected")
	assert.Contains(t, joined, "\"a\" is isolated")
}

func TestValidate_CustomLimits(t *testing.T) {
	nodes, edges := chain(3)
	res := NewStructural(Limits{MaxNodes: 2, MaxEdges: 1}).Validate(nodes, edges)
	assert.Equal(t, 40, res.Score)
	assert.Len(t, res.Errors, 2)
}

func TestFindCycle_DAGsHaveNoneAndBackEdgesCreateOne(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		nodes := make([]domain.Node, n)
		for i := range nodes {
			nodes[i] = node(fmt.Sprintf("n%d", i))
		}
		var edges []domain.Edge
		pairs := rapid.SliceOfN(rapid.IntRange(0, n*n-1), 0, 40).Draw(rt, "pairs")
		for _, p := range pairs {
			i, j := p/n, p%n
			if i < j {
				edges = append(edges, edge(nodes[i].ID, nodes[j].ID))
			}
		}
		assert.Nil(rt, FindCycle(nodes, edges))

		if len(edges) == 0 {
			return
		}
		pick := rapid.IntRange(0, len(edges)-1).Draw(rt, "back")
		back := edges[pick]
		edges = append(edges, edge(back.To.NodeID, back.From.NodeID))

		cycle := FindCycle(nodes, edges)
		require.NotNil(rt, cycle)
		assert.Equal(rt, cycle[0], cycle[len(cycle)-1])

		res := NewStructural(DefaultLimits()).Validate(nodes, edges)
		assert.False(rt, res.Valid)
		assert.GreaterOrEqual(rt, res.Score, 0)
		assert.LessOrEqual(rt, res.Score, 100)
	})
}
