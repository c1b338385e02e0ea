package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type taskConfig struct {
	id       string
	workflow domain.Workflow
	limits   Limits
	handlers *handlerRegistry
	audit    audit.Logger
	logger   *slog.Logger
	ctx      context.Context
}

// Task is one supervised execution over a workflow snapshot. It only advances when Tick is
// called, so the caller owns the schedule and cancellation is observed at tick boundaries.
//
// Each tick checks, in order: cancellation, elapsed time, simulated memory. Only when all
// pass does the task make one unit of progress: it either runs the next node in topological
// order or spends a tick on a node that occupies several.
type Task struct {
	mu sync.Mutex

	exec     domain.Execution
	workflow domain.Workflow
	limits   Limits
	handlers *handlerRegistry
	audit    audit.Logger
	logger   *slog.Logger

	order   []string
	index   map[string]*domain.Node
	inbound map[string][]domain.Edge
	cursor  int
	holding int

	values    map[domain.Endpoint]any
	fired     map[domain.Endpoint]bool
	trace     []domain.TraceEntry
	cancelled bool

	ctx  context.Context
	span trace.Span
	done chan struct{}
}

func newTask(cfg taskConfig) (*Task, error) {
	wf := cfg.workflow
	t := &Task{
		exec: domain.Execution{
			ID:                 cfg.id,
			WorkflowID:         wf.ID,
			Status:             domain.StatusPending,
			SecurityViolations: []string{},
			AuditLog:           []domain.AuditEntry{},
		},
		workflow: wf,
		limits:   cfg.limits.withDefaults(),
		handlers: cfg.handlers,
		audit:    cfg.audit,
		logger:   cfg.logger,
		index:    make(map[string]*domain.Node, len(wf.Nodes)),
		inbound:  make(map[string][]domain.Edge),
		values:   make(map[domain.Endpoint]any),
		fired:    make(map[domain.Endpoint]bool),
		ctx:      cfg.ctx,
		done:     make(chan struct{}),
	}
	if t.audit == nil {
		t.audit = audit.Discard{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.ctx == nil {
		t.ctx = context.Background()
	}

	for i := range wf.Nodes {
		t.index[wf.Nodes[i].ID] = &t.workflow.Nodes[i]
	}
	for _, e := range wf.Edges {
		t.inbound[e.To.NodeID] = append(t.inbound[e.To.NodeID], e)
	}

	order, err := topologicalOrder(wf)
	if err != nil {
		return nil, err
	}
	t.order = order
	return t, nil
}

// topologicalOrder walks the workflow with Kahn's algorithm, keeping document order
// among nodes that become ready together.
func topologicalOrder(wf domain.Workflow) ([]string, error) {
	indegree := make(map[string]int, len(wf.Nodes))
	next := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range wf.Edges {
		if _, ok := indegree[e.To.NodeID]; !ok {
			return nil, fmt.Errorf("edge %s: %w", e.ID, domain.ErrInvalidEndpoint)
		}
		if _, ok := indegree[e.From.NodeID]; !ok {
			return nil, fmt.Errorf("edge %s: %w", e.ID, domain.ErrInvalidEndpoint)
		}
		indegree[e.To.NodeID]++
		next[e.From.NodeID] = append(next[e.From.NodeID], e.To.NodeID)
	}

	queue := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	order := make([]string, 0, len(wf.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, to := range next[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) != len(wf.Nodes) {
		return nil, fmt.Errorf("workflow %s contains a cycle: %w", wf.ID, domain.ErrValidationFailed)
	}
	return order, nil
}

// ID returns the execution id.
func (t *Task) ID() string {
	return t.exec.ID
}

// WorkflowID returns the id of the workflow being executed.
func (t *Task) WorkflowID() string {
	return t.exec.WorkflowID
}

// Begin moves a pending task to running. Calling it again has no effect.
func (t *Task) Begin(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginLocked(now)
}

func (t *Task) beginLocked(now time.Time) {
	if t.exec.Status != domain.StatusPending {
		return
	}
	t.exec.Status = domain.StatusRunning
	t.exec.StartTime = now

	attrs := telemetry.RedactAttributes(baseAttributes(t.workflow, t.exec.ID), telemetry.DefaultRedactions)
	t.ctx, t.span = telemetry.Tracer().Start(t.ctx, "workflow.execute", trace.WithAttributes(attrs...))

	t.logger.Info("execution started",
		"workflow_id", t.exec.WorkflowID,
		"execution_id", t.exec.ID,
		"nodes", len(t.order),
	)
	t.logLocked(domain.AuditInfo, domain.EventExecutionStarted, map[string]any{
		"workflow_id": t.exec.WorkflowID,
		"nodes":       len(t.order),
	}, "")
}

// Tick performs one scheduling step at time now and reports whether the execution is
// terminal. A pending task is started by its first tick.
func (t *Task) Tick(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exec.Status.Terminal() {
		return true
	}
	t.beginLocked(now)

	switch {
	case t.cancelled:
		t.finishLocked(now, domain.StatusFailed, domain.ViolationCancelled)
	case now.Sub(t.exec.StartTime) > t.limits.MaxExecutionTime:
		t.finishLocked(now, domain.StatusTimeout, domain.ViolationTimeout)
	case t.exec.MemoryUsage > t.limits.MaxMemoryBytes:
		t.finishLocked(now, domain.StatusBlocked, domain.ViolationResourceLimitExceeded)
	default:
		t.advanceLocked(now)
	}
	return t.exec.Status.Terminal()
}

func (t *Task) advanceLocked(now time.Time) {
	if t.holding > 0 {
		t.holding--
		t.exec.Steps++
		return
	}
	if t.cursor >= len(t.order) {
		t.finishLocked(now, domain.StatusCompleted, "")
		return
	}

	node := t.index[t.order[t.cursor]]
	t.cursor++
	t.exec.Steps++

	var result runtime.StepResult
	if t.dormant(node) {
		// a branch that never fired is passed over without running the handler
		result = runtime.StepResult{Outcome: runtime.OutcomeSkipped, Ticks: 1}
	} else {
		var err error
		result, err = t.step(node)
		result = result.WithDefaults()
		if err != nil {
			result.Outcome = runtime.OutcomeFailure
			result.Reason = fmt.Sprintf("%s: node %s: %v", domain.ViolationInternalError, node.ID, err)
		}
	}

	t.exec.MemoryUsage += result.Memory
	t.exec.Progress = t.cursor * 100 / len(t.order)
	t.trace = append(t.trace, domain.TraceEntry{
		NodeID:   node.ID,
		NodeType: string(node.TemplateType),
		Outcome:  string(result.Outcome),
		Ticks:    result.Ticks,
		Memory:   result.Memory,
	})
	t.record(node, result)

	if result.Outcome == runtime.OutcomeFailure {
		t.finishLocked(now, domain.StatusFailed, result.Reason)
		return
	}

	if result.Outcome != runtime.OutcomeSkipped {
		t.publish(node, result)
	}
	t.holding = result.Ticks - 1
}

// dormant reports whether node has wired execution inputs and none of them fired.
func (t *Task) dormant(node *domain.Node) bool {
	wired := false
	for _, e := range t.inbound[node.ID] {
		port, ok := node.InputPort(e.To.PortID)
		if !ok || port.Kind != domain.PortExecution {
			continue
		}
		if t.fired[e.From] {
			return false
		}
		wired = true
	}
	return wired
}

// step runs the node's handler, converting a panic into an error.
func (t *Task) step(node *domain.Node) (result runtime.StepResult, err error) {
	handler, meta, ok := t.handlers.resolve(string(node.TemplateType))
	if !ok {
		return runtime.StepResult{}, fmt.Errorf("%w for type %q", errNoHandler, node.TemplateType)
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("step handler panicked",
				"execution_id", t.exec.ID,
				"node_id", node.ID,
				"handler", meta.Canonical,
				"panic", r,
			)
			result = runtime.StepResult{}
			err = fmt.Errorf("handler %s panicked: %v", meta.Canonical, r)
		}
	}()

	sc := &runtime.StepContext{
		ExecutionID: t.exec.ID,
		WorkflowID:  t.exec.WorkflowID,
		Inputs:      make(map[string]any),
		Fired:       make(map[string]bool),
	}
	for _, e := range t.inbound[node.ID] {
		port, ok := node.InputPort(e.To.PortID)
		if !ok {
			continue
		}
		switch port.Kind {
		case domain.PortData:
			if v, ok := t.values[e.From]; ok {
				sc.Inputs[port.Label] = v
			}
		case domain.PortExecution:
			if t.fired[e.From] {
				sc.Fired[port.Label] = true
			}
		}
	}
	return handler.Step(t.ctx, node, sc)
}

// publish stores data outputs by port and fires execution outputs of a successful node.
// Condition outputs all fire: the comparison is declared, never evaluated.
func (t *Task) publish(node *domain.Node, result runtime.StepResult) {
	for _, p := range node.Outputs {
		at := domain.Endpoint{NodeID: node.ID, PortID: p.ID}
		switch p.Kind {
		case domain.PortData:
			if v, ok := result.Outputs[p.Label]; ok {
				t.values[at] = v
			}
		case domain.PortExecution:
			if result.Outcome == runtime.OutcomeSuccess {
				t.fired[at] = true
			}
		}
	}
}

func (t *Task) record(node *domain.Node, result runtime.StepResult) {
	telemetry.RecordNodeStep(t.ctx, telemetry.NodeStep{
		WorkflowID: t.exec.WorkflowID,
		NodeID:     node.ID,
		NodeKind:   string(node.TemplateType),
		Outcome:    result.Outcome,
		Ticks:      result.Ticks,
	})
	if t.span != nil && t.span.IsRecording() {
		t.span.AddEvent("node.step", trace.WithAttributes(telemetry.RedactAttributes([]attribute.KeyValue{
			attribute.String("node.id", node.ID),
			attribute.String("node.kind", string(node.TemplateType)),
			attribute.String("node.label", node.Label),
			attribute.String("node.outcome", string(result.Outcome)),
			attribute.Int("node.ticks", result.Ticks),
			attribute.Int64("node.memory_bytes", result.Memory),
		}, telemetry.DefaultRedactions)...))
	}

	level := domain.AuditInfo
	details := map[string]any{
		"node_kind":    string(node.TemplateType),
		"outcome":      string(result.Outcome),
		"progress":     t.exec.Progress,
		"memory_usage": t.exec.MemoryUsage,
	}
	if result.Outcome == runtime.OutcomeFailure {
		level = domain.AuditError
		details["reason"] = result.Reason
	}
	t.logLocked(level, domain.EventExecutionProgress, details, node.ID)
}

func (t *Task) finishLocked(now time.Time, status domain.ExecutionStatus, violation string) {
	t.exec.Status = status
	if status == domain.StatusCompleted {
		t.exec.Progress = 100
	}
	end := now
	t.exec.EndTime = &end
	if violation != "" {
		t.exec.SecurityViolations = append(t.exec.SecurityViolations, violation)
	}

	level := domain.AuditInfo
	switch status {
	case domain.StatusFailed, domain.StatusTimeout:
		level = domain.AuditError
	case domain.StatusBlocked:
		level = domain.AuditCritical
	}
	duration := now.Sub(t.exec.StartTime)
	t.logLocked(level, domain.EventExecutionFinished, map[string]any{
		"workflow_id":  t.exec.WorkflowID,
		"status":       string(status),
		"steps":        t.exec.Steps,
		"progress":     t.exec.Progress,
		"memory_usage": t.exec.MemoryUsage,
		"duration_ms":  duration.Milliseconds(),
		"violations":   append([]string(nil), t.exec.SecurityViolations...),
	}, "")

	telemetry.RecordExecution(t.ctx, telemetry.ExecutionMetrics{
		WorkflowID:  t.exec.WorkflowID,
		Status:      string(status),
		Duration:    duration,
		MemoryBytes: t.exec.MemoryUsage,
	})
	if t.span != nil {
		blocked := status == domain.StatusBlocked
		telemetry.RecordSecurityEvent(t.span, blocked, violation, 0, len(t.exec.SecurityViolations))
		t.span.SetAttributes(
			attribute.String("execution.status", string(status)),
			attribute.Int("execution.steps", t.exec.Steps),
		)
		if status != domain.StatusCompleted {
			t.span.SetStatus(codes.Error, violation)
		}
		t.span.End()
	}

	t.logger.Info("execution finished",
		"workflow_id", t.exec.WorkflowID,
		"execution_id", t.exec.ID,
		"status", status,
		"steps", t.exec.Steps,
		"memory_usage", t.exec.MemoryUsage,
	)
	close(t.done)
}

// fail terminates a non-terminal task immediately with an internal error.
func (t *Task) fail(now time.Time, violation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec.Status.Terminal() {
		return
	}
	t.beginLocked(now)
	t.finishLocked(now, domain.StatusFailed, violation)
}

func (t *Task) logLocked(level domain.AuditLevel, event string, details map[string]any, nodeID string) {
	opts := []audit.EntryOption{audit.ForExecution(t.exec.ID)}
	if nodeID != "" {
		opts = append(opts, audit.ForNode(nodeID))
	}
	entry := t.audit.Log(level, event, details, opts...)
	t.exec.AuditLog = append(t.exec.AuditLog, entry)
}

// Cancel requests cancellation and logs the request. It reports false if the execution
// already finished or was already cancelled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exec.Status.Terminal() || t.cancelled {
		return false
	}
	t.cancelled = true
	t.logLocked(domain.AuditWarn, domain.EventExecutionCancel, map[string]any{
		"workflow_id": t.exec.WorkflowID,
	}, "")
	return true
}

// Snapshot returns a copy of the execution record.
func (t *Task) Snapshot() domain.Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exec.Clone()
}

// Trace returns the node steps taken so far.
func (t *Task) Trace() []domain.TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.TraceEntry(nil), t.trace...)
}

// Done is closed when the execution reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the execution finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (domain.Execution, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}
