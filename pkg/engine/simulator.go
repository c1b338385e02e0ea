package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Simulator executes workflows deterministically on a virtual clock. Each tick advances
// time by exactly one tick interval, so results do not depend on wall-clock scheduling and
// nothing is registered with the engine.
type Simulator struct {
	engine *Engine
	logger *slog.Logger
}

// SimulationResult is the final execution record plus the node steps that produced it.
type SimulationResult struct {
	Execution domain.Execution    `json:"execution"`
	Trace     []domain.TraceEntry `json:"trace"`
}

// NewSimulator creates a simulator that admits workflows through engine.
func NewSimulator(engine *Engine, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		engine: engine,
		logger: logger,
	}
}

// Simulate admits wf and runs it to a terminal status. Admission failures are returned as
// errors exactly as Engine.Start would return them. A cancelled ctx fails the run with
// Cancelled at the next virtual tick.
func (s *Simulator) Simulate(ctx context.Context, wf domain.Workflow) (*SimulationResult, error) {
	s.logger.Info("starting workflow simulation", slog.String("workflow_id", wf.ID))

	task, err := s.engine.Prepare(ctx, wf)
	if err != nil {
		return nil, err
	}

	now := s.engine.now()
	task.Begin(now)
	for {
		if ctx.Err() != nil {
			task.Cancel()
		}
		now = now.Add(s.engine.limits.TickInterval)
		if task.Tick(now) {
			break
		}
	}

	result := &SimulationResult{Execution: task.Snapshot(), Trace: task.Trace()}
	s.logger.Info("workflow simulation complete",
		slog.String("workflow_id", wf.ID),
		slog.String("status", string(result.Execution.Status)),
		slog.Int("trace_length", len(result.Trace)))
	return result, nil
}
