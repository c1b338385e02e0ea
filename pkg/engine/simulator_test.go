package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_RunsOnVirtualClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := newFixture(t, Limits{TickInterval: time.Second}, WithClock(func() time.Time { return start }))

	in := f.add(t, domain.KindInput, nil)
	d := f.add(t, domain.KindDelay, map[string]any{"ticks": float64(3)})
	out := f.add(t, domain.KindOutput, nil)
	f.link(t, in, templates.PortNext, d, templates.PortIn)
	f.link(t, d, templates.PortNext, out, templates.PortIn)

	sim := NewSimulator(f.engine, nil)
	first, err := sim.Simulate(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	second, err := sim.Simulate(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)

	exec := first.Execution
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.Equal(t, 5, exec.Steps)
	require.NotNil(t, exec.EndTime)
	// five steps plus the completing tick
	assert.Equal(t, 6*time.Second, exec.EndTime.Sub(exec.StartTime))

	require.Len(t, first.Trace, 3)
	assert.Equal(t, []string{in.ID, d.ID, out.ID}, []string{first.Trace[0].NodeID, first.Trace[1].NodeID, first.Trace[2].NodeID})
	assert.Equal(t, 3, first.Trace[1].Ticks)
	assert.Equal(t, first.Trace, second.Trace)
	assert.NotEqual(t, first.Execution.ID, second.Execution.ID)

	_, running := f.engine.Running(f.graph.ID())
	assert.False(t, running)
}

func TestSimulator_TimesOutLongDelays(t *testing.T) {
	f := newFixture(t, Limits{TickInterval: time.Second, MaxExecutionTime: 10 * time.Second})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(1_000)})

	res, err := NewSimulator(f.engine, nil).Simulate(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, res.Execution.Status)
	assert.Equal(t, 10, res.Execution.Steps)
}

func TestSimulator_CancelledContext(t *testing.T) {
	f := newFixture(t, Limits{})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(5)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewSimulator(f.engine, nil).Simulate(ctx, f.graph.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Execution.Status)
	assert.Equal(t, []string{domain.ViolationCancelled}, res.Execution.SecurityViolations)
}

func TestSimulator_RejectsInvalidWorkflow(t *testing.T) {
	f := newFixture(t, Limits{})
	d := f.add(t, domain.KindDelay, nil)
	f.link(t, d, templates.PortNext, d, templates.PortIn)

	_, err := NewSimulator(f.engine, nil).Simulate(context.Background(), f.graph.Snapshot())
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
}
