// Package runtime defines the contracts shared by the execution engine and the
// per-kind step handlers, keeping node simulation decoupled from scheduling.
package runtime

import (
	"context"

	"github.com/polisai/polis-flow/pkg/domain"
)

// StepOutcome classifies the result of simulating one node.
type StepOutcome string

const (
	// OutcomeSuccess indicates the node finished its simulated work.
	OutcomeSuccess StepOutcome = "success"
	// OutcomeFailure indicates the node could not be simulated; the execution fails.
	OutcomeFailure StepOutcome = "failure"
	// OutcomeSkipped indicates the node had nothing to do, such as a merge with no inputs.
	OutcomeSkipped StepOutcome = "skipped"
)

// StepResult is what a handler reports for a node.
type StepResult struct {
	Outcome StepOutcome
	// Memory is the simulated number of bytes the node holds once it has run.
	Memory int64
	// Ticks is the number of scheduler ticks the node occupies. Values below one count as one.
	Ticks int
	// Outputs maps output port labels to simulated values passed downstream.
	Outputs map[string]any
	// Reason explains a failure; it is recorded as a violation.
	Reason string
}

// WithDefaults ensures the outcome and tick count are set even when handlers omit them.
func (r StepResult) WithDefaults() StepResult {
	if r.Outcome == "" {
		r.Outcome = OutcomeSuccess
	}
	if r.Ticks < 1 {
		r.Ticks = 1
	}
	if r.Memory < 0 {
		r.Memory = 0
	}
	return r
}

// Success constructs a success result.
func Success(memory int64, ticks int, outputs map[string]any) StepResult {
	return StepResult{Outcome: OutcomeSuccess, Memory: memory, Ticks: ticks, Outputs: outputs}
}

// Failure constructs a failure result with a reason.
func Failure(reason string) StepResult {
	return StepResult{Outcome: OutcomeFailure, Reason: reason, Ticks: 1}
}

// StepContext carries what a handler may read while simulating a node.
type StepContext struct {
	ExecutionID string
	WorkflowID  string
	// Inputs maps input port labels to values produced by upstream nodes over data edges.
	Inputs map[string]any
	// Fired holds the labels of execution inputs reached by a successful upstream node.
	Fired map[string]bool
}

// Triggered reports whether any execution input fired.
func (sc *StepContext) Triggered() bool {
	return len(sc.Fired) > 0
}

// StepHandler simulates a single node kind.
type StepHandler interface {
	Step(ctx context.Context, node *domain.Node, sc *StepContext) (StepResult, error)
}

// StepHandlerFunc adapts a function into a StepHandler.
type StepHandlerFunc func(ctx context.Context, node *domain.Node, sc *StepContext) (StepResult, error)

// Step calls f.
func (f StepHandlerFunc) Step(ctx context.Context, node *domain.Node, sc *StepContext) (StepResult, error) {
	return f(ctx, node, sc)
}
