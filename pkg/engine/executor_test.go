package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/graph"
	"github.com/polisai/polis-flow/pkg/policy"
	"github.com/polisai/polis-flow/pkg/security"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	log    *audit.Log
	graph  *graph.Graph
	engine *Engine
}

func newFixture(t *testing.T, limits Limits, opts ...Option) *fixture {
	t.Helper()
	log := audit.New("engine-test")
	v, err := security.NewValidator(security.DefaultConfig(),
		security.WithTemplates(templates.GlobalRegistry()),
		security.WithAudit(log),
	)
	require.NoError(t, err)

	e, err := NewEngine(limits, append([]Option{WithAudit(log), WithSecurity(v)}, opts...)...)
	require.NoError(t, err)
	return &fixture{
		log:    log,
		graph:  graph.New(v, graph.WithAudit(log), graph.WithID("wf-engine")),
		engine: e,
	}
}

func (f *fixture) add(t *testing.T, kind domain.NodeKind, props map[string]any) domain.Node {
	t.Helper()
	n, err := f.graph.AddNode(kind, domain.Position{})
	require.NoError(t, err)
	for k, v := range props {
		_, err := f.graph.SetProperty(n.ID, k, v)
		require.NoError(t, err)
	}
	n, _ = f.graph.Node(n.ID)
	return n
}

func (f *fixture) link(t *testing.T, from domain.Node, out string, to domain.Node, in string) {
	t.Helper()
	_, err := f.graph.AddEdge(
		domain.Endpoint{NodeID: from.ID, PortID: portID(t, from.Outputs, out)},
		domain.Endpoint{NodeID: to.ID, PortID: portID(t, to.Inputs, in)},
	)
	require.NoError(t, err)
}

func portID(t *testing.T, ports []domain.Port, label string) string {
	t.Helper()
	for _, p := range ports {
		if p.Label == label {
			return p.ID
		}
	}
	t.Fatalf("no port labelled %s", label)
	return ""
}

// linear builds Input -> Condition -> Action.
func (f *fixture) linear(t *testing.T) domain.Workflow {
	t.Helper()
	in := f.add(t, domain.KindInput, map[string]any{"defaultValue": "hello"})
	cond := f.add(t, domain.KindCondition, nil)
	act := f.add(t, domain.KindAction, nil)
	f.link(t, in, templates.PortNext, cond, templates.PortIn)
	f.link(t, cond, "true", act, templates.PortIn)
	return f.graph.Snapshot()
}

func fastLimits() Limits {
	return Limits{TickInterval: time.Millisecond}
}

func countEvents(entries []domain.AuditEntry, event string) int {
	n := 0
	for _, e := range entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

func TestExecute_LinearWorkflowCompletes(t *testing.T) {
	f := newFixture(t, fastLimits())
	wf := f.linear(t)

	_, structural, sec := f.engine.Validate(wf)
	assert.True(t, structural.Valid)
	assert.Equal(t, 100, structural.Score)
	assert.True(t, sec.Valid)
	assert.Equal(t, 100, sec.Score)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Execute(ctx, wf)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.Equal(t, 100, exec.Progress)
	assert.Equal(t, 3, exec.Steps)
	assert.Empty(t, exec.SecurityViolations)
	assert.Equal(t, int64(inputMemory+conditionMemory+actionMemory+1024), exec.MemoryUsage)
	require.NotNil(t, exec.EndTime)

	require.NotEmpty(t, exec.AuditLog)
	assert.Equal(t, domain.EventExecutionStarted, exec.AuditLog[0].Event)
	assert.Equal(t, domain.EventExecutionFinished, exec.AuditLog[len(exec.AuditLog)-1].Event)
	assert.Equal(t, 3, countEvents(exec.AuditLog, domain.EventExecutionProgress))
	assert.Len(t, f.log.ForExecution(exec.ID), len(exec.AuditLog))

	got, err := f.engine.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	_, running := f.engine.Running(wf.ID)
	assert.False(t, running)
}

func TestExecute_InvalidWorkflowNeverRuns(t *testing.T) {
	f := newFixture(t, fastLimits())
	d := f.add(t, domain.KindDelay, nil)
	f.link(t, d, templates.PortNext, d, templates.PortIn)
	wf := f.graph.Snapshot()

	exec, err := f.engine.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
	assert.Equal(t, "VALIDATION_FAILED", domain.ErrorCode(err))
	assert.Empty(t, exec.ID)

	_, running := f.engine.Running(wf.ID)
	assert.False(t, running)
	assert.Equal(t, 0, countEvents(f.log.Entries(), domain.EventExecutionStarted))
	assert.Equal(t, 1, countEvents(f.log.Entries(), domain.EventExecutionRejected))

	// the edge is still part of the model
	assert.Len(t, f.graph.Edges(), 1)
}

func TestExecute_InsecureWorkflowFailsValidation(t *testing.T) {
	f := newFixture(t, fastLimits())
	f.add(t, domain.KindInput, map[string]any{"defaultValue": "eval(alert(1))"})

	_, err := f.engine.Execute(context.Background(), f.graph.Snapshot())
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
}

func TestTask_TimeoutIsCheckedBeforeProgress(t *testing.T) {
	f := newFixture(t, Limits{MaxExecutionTime: 30 * time.Second})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(1000)})

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)

	start := time.Unix(1_700_000_000, 0)
	task.Begin(start)
	assert.False(t, task.Tick(start.Add(time.Second)))
	assert.False(t, task.Tick(start.Add(30*time.Second)))
	assert.True(t, task.Tick(start.Add(30*time.Second+time.Millisecond)))

	exec := task.Snapshot()
	assert.Equal(t, domain.StatusTimeout, exec.Status)
	assert.Equal(t, []string{domain.ViolationTimeout}, exec.SecurityViolations)
	assert.Equal(t, 2, exec.Steps)

	// terminal tasks ignore further ticks
	assert.True(t, task.Tick(start.Add(time.Hour)))
	assert.Equal(t, 2, task.Snapshot().Steps)
}

func TestTask_MemoryLimitBlocks(t *testing.T) {
	f := newFixture(t, Limits{})
	f.add(t, domain.KindAction, map[string]any{"payloadKB": float64(200_000)})

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	task.Begin(now)
	assert.False(t, task.Tick(now.Add(100*time.Millisecond)))
	assert.True(t, task.Tick(now.Add(200*time.Millisecond)))

	exec := task.Snapshot()
	assert.Equal(t, domain.StatusBlocked, exec.Status)
	assert.Equal(t, []string{domain.ViolationResourceLimitExceeded}, exec.SecurityViolations)
	assert.Greater(t, exec.MemoryUsage, int64(DefaultMaxMemoryBytes))
	assert.Equal(t, 1, exec.Steps)
	assert.NotEmpty(t, f.log.Filter(domain.AuditCritical))
}

func TestTask_CancelTakesEffectAtNextTick(t *testing.T) {
	f := newFixture(t, Limits{})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(50)})

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	assert.False(t, task.Tick(now))
	assert.Equal(t, domain.StatusRunning, task.Snapshot().Status)

	require.True(t, task.Cancel())
	assert.Equal(t, domain.StatusRunning, task.Snapshot().Status)
	assert.True(t, task.Tick(now.Add(time.Millisecond)))

	exec := task.Snapshot()
	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Equal(t, []string{domain.ViolationCancelled}, exec.SecurityViolations)
	assert.False(t, task.Cancel())

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestTask_HandlerPanicFailsExecution(t *testing.T) {
	f := newFixture(t, Limits{})
	f.engine.RegisterHandler("action", runtime.StepHandlerFunc(func(context.Context, *domain.Node, *runtime.StepContext) (runtime.StepResult, error) {
		panic("boom")
	}))
	wf := f.linear(t)

	task, err := f.engine.Prepare(context.Background(), wf)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	done := false
	for i := 1; i <= 10 && !done; i++ {
		done = task.Tick(now.Add(time.Duration(i) * time.Millisecond))
	}
	require.True(t, done)

	exec := task.Snapshot()
	assert.Equal(t, domain.StatusFailed, exec.Status)
	require.Len(t, exec.SecurityViolations, 1)
	assert.Contains(t, exec.SecurityViolations[0], domain.ViolationInternalError)
	assert.Contains(t, exec.SecurityViolations[0], "panicked: boom")

	trace := task.Trace()
	require.Len(t, trace, 3)
	assert.Equal(t, string(runtime.OutcomeFailure), trace[2].Outcome)
}

func TestTask_HandlerErrorFailsExecution(t *testing.T) {
	f := newFixture(t, Limits{})
	f.engine.RegisterHandler("input", runtime.StepHandlerFunc(func(context.Context, *domain.Node, *runtime.StepContext) (runtime.StepResult, error) {
		return runtime.StepResult{}, errors.New("disk on fire")
	}))
	f.add(t, domain.KindInput, nil)

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	assert.True(t, task.Tick(time.Now()))
	exec := task.Snapshot()
	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Contains(t, exec.SecurityViolations[0], "disk on fire")
}

func TestTask_DataFlowsAlongEdges(t *testing.T) {
	f := newFixture(t, Limits{})
	var seen any
	f.engine.RegisterHandler("output", runtime.StepHandlerFunc(func(_ context.Context, _ *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
		seen = sc.Inputs["value"]
		return runtime.Success(0, 1, nil), nil
	}))

	in := f.add(t, domain.KindInput, map[string]any{"defaultValue": "  hello "})
	tr := f.add(t, domain.KindTransform, map[string]any{"mode": "uppercase"})
	out := f.add(t, domain.KindOutput, nil)
	f.link(t, in, templates.PortValue, tr, "input")
	f.link(t, tr, "output", out, templates.PortValue)
	f.link(t, in, templates.PortNext, out, templates.PortIn)

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 10 && !task.Tick(now); i++ {
	}
	assert.Equal(t, domain.StatusCompleted, task.Snapshot().Status)
	assert.Equal(t, "  HELLO ", seen)
}

func TestStart_OneRunningExecutionPerWorkflow(t *testing.T) {
	f := newFixture(t, Limits{TickInterval: 5 * time.Millisecond})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(100_000)})
	wf := f.graph.Snapshot()

	first, err := f.engine.Start(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, first.Snapshot().Status)

	_, err = f.engine.Start(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExecutionInProgress))

	id, running := f.engine.Running(wf.ID)
	require.True(t, running)
	assert.Equal(t, first.ID(), id)

	require.NoError(t, f.engine.Cancel(first.ID()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Equal(t, []string{domain.ViolationCancelled}, exec.SecurityViolations)
	assert.Equal(t, 1, countEvents(exec.AuditLog, domain.EventExecutionCancel))

	require.Eventually(t, func() bool {
		_, running := f.engine.Running(wf.ID)
		return !running
	}, 5*time.Second, 5*time.Millisecond)

	second, err := f.engine.Start(context.Background(), wf)
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(second.ID()))
	_, err = second.Wait(ctx)
	require.NoError(t, err)
}

func TestEngine_UnknownExecution(t *testing.T) {
	f := newFixture(t, Limits{})
	assert.True(t, errors.Is(f.engine.Cancel("nope"), domain.ErrExecutionNotFound))
	_, err := f.engine.Get("nope")
	assert.True(t, errors.Is(err, domain.ErrExecutionNotFound))
}

func TestAdmission_BlockDecisionDeniesExecution(t *testing.T) {
	deny := policy.FilterFunc(func(context.Context, policy.Input) (policy.Decision, error) {
		return policy.Decision{Action: policy.ActionBlock, Reason: "maintenance window"}, nil
	})
	f := newFixture(t, fastLimits(), WithAdmission(deny))
	wf := f.linear(t)

	_, err := f.engine.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
	assert.True(t, errors.Is(err, domain.ErrPolicyDenied))
	assert.Equal(t, "POLICY_DENIED", domain.ErrorCode(err))
	assert.Equal(t, 1, countEvents(f.log.Entries(), domain.EventPolicyDecision))
}

func TestAdmission_EvaluationErrorsFollowPosture(t *testing.T) {
	broken := policy.FilterFunc(func(context.Context, policy.Input) (policy.Decision, error) {
		return policy.Decision{}, errors.New("bundle unavailable")
	})

	closed := newFixture(t, fastLimits(), WithAdmission(broken))
	_, err := closed.engine.Execute(context.Background(), closed.linear(t))
	assert.True(t, errors.Is(err, domain.ErrPolicyDenied))

	postures := policy.DefaultPostureSet()
	require.NoError(t, postures.ApplyOverride(policy.DomainAdmission, policy.ModeFailOpen))
	open := newFixture(t, fastLimits(), WithAdmission(broken), WithPostures(postures))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := open.engine.Execute(ctx, open.linear(t))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.NotEmpty(t, open.log.Filter(domain.AuditWarn))
}

func TestAdmission_BaselineRegoAllowsLinearWorkflow(t *testing.T) {
	opa, err := policy.NewEngine(context.Background(), policy.EngineOptions{
		Modules: map[string]string{"baseline.rego": policy.BaselineModule},
	})
	require.NoError(t, err)

	f := newFixture(t, fastLimits(), WithAdmission(opa))
	task, err := f.engine.Prepare(context.Background(), f.linear(t))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Snapshot().Status)

	_, err = f.engine.Prepare(context.Background(), domain.Workflow{ID: "empty"})
	assert.True(t, errors.Is(err, domain.ErrPolicyDenied))
}

func TestTask_UnsatisfiedMergeSkipsDownstream(t *testing.T) {
	f := newFixture(t, Limits{})
	in := f.add(t, domain.KindInput, map[string]any{"defaultValue": "hello"})
	merge := f.add(t, domain.KindMerge, map[string]any{"strategy": "all"})
	act := f.add(t, domain.KindAction, nil)
	f.link(t, in, templates.PortNext, merge, "a")
	f.link(t, merge, templates.PortNext, act, templates.PortIn)

	ran := false
	f.engine.RegisterHandler("action", runtime.StepHandlerFunc(func(context.Context, *domain.Node, *runtime.StepContext) (runtime.StepResult, error) {
		ran = true
		return runtime.Success(actionMemory, 1, nil), nil
	}))

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 10 && !task.Tick(now); i++ {
	}

	exec := task.Snapshot()
	assert.Equal(t, domain.StatusCompleted, exec.Status)
	assert.False(t, ran, "action behind an unsatisfied merge must not run")

	trace := task.Trace()
	require.Len(t, trace, 3)
	assert.Equal(t, string(runtime.OutcomeSkipped), trace[1].Outcome)
	assert.Equal(t, act.ID, trace[2].NodeID)
	assert.Equal(t, string(runtime.OutcomeSkipped), trace[2].Outcome)
	assert.Zero(t, trace[2].Memory)
	assert.Equal(t, int64(inputMemory+mergeMemory), exec.MemoryUsage)
}

func TestEngine_CancelAfterFinishLogsNothing(t *testing.T) {
	f := newFixture(t, fastLimits())
	wf := f.linear(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := f.engine.Execute(ctx, wf)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, exec.Status)

	require.NoError(t, f.engine.Cancel(exec.ID))
	got, err := f.engine.Get(exec.ID)
	require.NoError(t, err)
	assert.Zero(t, countEvents(got.AuditLog, domain.EventExecutionCancel))
	assert.Equal(t, domain.EventExecutionFinished, got.AuditLog[len(got.AuditLog)-1].Event)
	assert.Zero(t, countEvents(f.log.ForExecution(exec.ID), domain.EventExecutionCancel))
}

func TestTask_CancelIsLoggedOnce(t *testing.T) {
	f := newFixture(t, Limits{})
	f.add(t, domain.KindDelay, map[string]any{"ticks": float64(50)})

	task, err := f.engine.Prepare(context.Background(), f.graph.Snapshot())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	task.Tick(now)

	require.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	require.True(t, task.Tick(now.Add(time.Millisecond)))

	exec := task.Snapshot()
	assert.Equal(t, 1, countEvents(exec.AuditLog, domain.EventExecutionCancel))
	assert.Equal(t, 1, countEvents(f.log.ForExecution(exec.ID), domain.EventExecutionCancel))
}

func TestEngine_ForgetsOldestFinishedExecutions(t *testing.T) {
	f := newFixture(t, fastLimits(), WithRetention(2))
	wf := f.linear(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < 3; i++ {
		exec, err := f.engine.Execute(ctx, wf)
		require.NoError(t, err)
		ids = append(ids, exec.ID)
		// the next start needs the previous release to have run
		require.Eventually(t, func() bool {
			_, running := f.engine.Running(wf.ID)
			return !running
		}, 5*time.Second, time.Millisecond)
	}

	_, err := f.engine.Get(ids[0])
	assert.True(t, errors.Is(err, domain.ErrExecutionNotFound))
	_, ok := f.engine.Task(ids[0])
	assert.False(t, ok)
	for _, id := range ids[1:] {
		got, err := f.engine.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	}
}
