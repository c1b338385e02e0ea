package policy

import (
	"context"
	"errors"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the execution to start.
	ActionAllow Action = "allow"
	// ActionWarn permits the execution and records the reason in the audit trail.
	ActionWarn Action = "warn"
	// ActionBlock rejects the execution.
	ActionBlock Action = "block"
)

// Decision captures the result from a filter evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
	Outputs  map[string]any
}

// NodeSummary is the policy-visible shape of a node. Property values are never exposed.
type NodeSummary struct {
	ID            string
	Type          string
	SecurityScore int
	PropertyKeys  []string
}

// Input provides context for admission evaluation.
type Input struct {
	WorkflowID      string
	SessionID       string
	Nodes           []NodeSummary
	EdgeCount       int
	StructuralScore int
	SecurityScore   int
	Warnings        []string
	Attributes      map[string]any
	Entrypoint      string
	DisableCache    bool
}

// Filter evaluates a policy decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// FilterFunc adapts a function into a Filter.
type FilterFunc func(ctx context.Context, input Input) (Decision, error)

// Evaluate calls f.
func (f FilterFunc) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return f(ctx, input)
}

// Chain composes multiple filters, short-circuiting on blocking decisions.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a blocking decision is produced. Warnings are
// kept and returned when no later filter blocks.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	result := Decision{Action: ActionAllow, Metadata: map[string]string{}}
	if len(c.filters) == 0 {
		return result, nil
	}

	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		if decision.Outputs == nil {
			decision.Outputs = map[string]any{}
		}
		switch decision.Action {
		case ActionAllow:
			// continue evaluating subsequent filters
		case ActionWarn:
			if result.Action == ActionAllow {
				result = decision
			}
		case ActionBlock:
			return decision, nil
		default:
			return Decision{}, errors.New("unknown policy action")
		}
	}

	return result, nil
}
