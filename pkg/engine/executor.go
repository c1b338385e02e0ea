package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/policy"
	"github.com/polisai/polis-flow/pkg/security"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/polisai/polis-flow/pkg/validation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default execution bounds.
const (
	DefaultMaxExecutionTime = 30 * time.Second
	DefaultMaxMemoryBytes   = 100 * 1024 * 1024
	DefaultTickInterval     = 100 * time.Millisecond

	// DefaultRetainedExecutions is how many finished executions an engine remembers.
	DefaultRetainedExecutions = 256
)

// Limits bounds a single execution.
type Limits struct {
	MaxExecutionTime time.Duration
	MaxMemoryBytes   int64
	TickInterval     time.Duration
}

// DefaultLimits returns the default execution bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxExecutionTime: DefaultMaxExecutionTime,
		MaxMemoryBytes:   DefaultMaxMemoryBytes,
		TickInterval:     DefaultTickInterval,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxExecutionTime <= 0 {
		l.MaxExecutionTime = def.MaxExecutionTime
	}
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if l.TickInterval <= 0 {
		l.TickInterval = def.TickInterval
	}
	return l
}

// Observer is notified when executions start and finish. pkg/metrics implements it.
type Observer interface {
	ExecutionStarted(workflowID string)
	ExecutionFinished(exec domain.Execution)
}

// Option configures an Engine.
type Option func(*Engine)

// WithStructural replaces the structural validator.
func WithStructural(s *validation.Structural) Option {
	return func(e *Engine) {
		if s != nil {
			e.structural = s
		}
	}
}

// WithSecurity replaces the security validator. Without it the engine builds one with the
// default configuration that logs into the engine's audit log.
func WithSecurity(v *security.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.security = v
		}
	}
}

// WithAdmission installs an admission policy evaluated after validation succeeds.
func WithAdmission(f policy.Filter) Option {
	return func(e *Engine) {
		e.admission = f
	}
}

// WithPostures sets the failure postures applied when the admission policy errors.
func WithPostures(p policy.PostureSet) Option {
	return func(e *Engine) {
		e.postures = p
	}
}

// WithAudit sets the audit log that receives execution events.
func WithAudit(l audit.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.audit = l
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetention bounds how many finished executions stay queryable. Older ones are
// forgotten in the order they finished.
func WithRetention(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retain = n
		}
	}
}

// WithObserver registers an execution observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Engine admits validated workflows and supervises their executions. At most one execution
// runs per workflow at a time. The most recent finished executions stay queryable by id.
type Engine struct {
	limits     Limits
	structural *validation.Structural
	security   *security.Validator
	admission  policy.Filter
	postures   policy.PostureSet
	audit      audit.Logger
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	handlers   *handlerRegistry
	observers  []Observer

	mu       sync.Mutex
	tasks    map[string]*Task
	running  map[string]string
	finished []string
	retain   int
}

// handlerRegistry stores canonical handlers and alias mappings.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]runtime.StepHandler
	aliases  map[string]string
}

type handlerMetadata struct {
	Kind      string
	Version   string
	Canonical string
}

// NewEngine creates an engine with the given limits. Zero limits take the defaults.
func NewEngine(limits Limits, opts ...Option) (*Engine, error) {
	e := &Engine{
		limits:     limits.withDefaults(),
		structural: validation.NewStructural(validation.DefaultLimits()),
		postures:   policy.DefaultPostureSet(),
		audit:      audit.Discard{},
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		handlers:   newHandlerRegistry(),
		tasks:      make(map[string]*Task),
		running:    make(map[string]string),
		retain:     DefaultRetainedExecutions,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.security == nil {
		v, err := security.NewValidator(security.DefaultConfig(),
			security.WithTemplates(templates.GlobalRegistry()),
			security.WithAudit(e.audit),
			security.WithLogger(e.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("build security validator: %w", err)
		}
		e.security = v
	}

	e.registerDefaultHandlers()
	return e, nil
}

// Limits returns the execution bounds in effect.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Validate runs the structural and security passes over a copy of wf and returns the
// annotated copy. It never fails; invalid workflows are reported through the results.
func (e *Engine) Validate(wf domain.Workflow) (domain.Workflow, domain.ValidationResult, domain.ValidationResult) {
	snapshot := wf.Clone()
	structural := e.structural.Validate(snapshot.Nodes, snapshot.Edges)
	level := domain.AuditInfo
	if !structural.Valid {
		level = domain.AuditWarn
	}
	e.audit.Log(level, domain.EventValidationStructural, map[string]any{
		"workflow_id": snapshot.ID,
		"valid":       structural.Valid,
		"score":       structural.Score,
		"errors":      len(structural.Errors),
		"warnings":    len(structural.Warnings),
	})
	sec := e.security.ValidateWorkflow(snapshot.Nodes, snapshot.Edges)
	return snapshot, structural, sec
}

// Prepare validates wf, evaluates the admission policy and returns a pending task over a
// private snapshot. The task is not registered with the engine; callers drive it with Tick
// or hand the workflow to Start instead.
func (e *Engine) Prepare(ctx context.Context, wf domain.Workflow) (*Task, error) {
	execID := e.newID()
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.admit",
		trace.WithAttributes(telemetry.RedactAttributes(baseAttributes(wf, execID), telemetry.DefaultRedactions)...),
	)
	defer span.End()

	snapshot, structural, sec := e.Validate(wf)
	if !structural.Valid || !sec.Valid {
		errs := append(append([]string{}, structural.Errors...), sec.Errors...)
		err := &domain.DomainError{
			Err:     domain.ErrValidationFailed,
			Code:    "VALIDATION_FAILED",
			Message: fmt.Sprintf("workflow %s failed validation: %s", snapshot.ID, strings.Join(errs, "; ")),
			Details: map[string]any{
				"structural_score": structural.Score,
				"security_score":   sec.Score,
				"errors":           errs,
			},
		}
		e.reject(snapshot.ID, execID, "validation", errs)
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	decision := e.admit(ctx, snapshot, structural, sec)
	telemetry.RecordPolicyDecision(span, decision)
	if decision.Action == policy.ActionBlock {
		err := &domain.DomainError{
			Err:     fmt.Errorf("%w: %w", domain.ErrValidationFailed, domain.ErrPolicyDenied),
			Code:    "POLICY_DENIED",
			Message: fmt.Sprintf("workflow %s denied by admission policy: %s", snapshot.ID, decision.Reason),
			Details: map[string]any{"reason": decision.Reason},
		}
		e.reject(snapshot.ID, execID, "policy", []string{decision.Reason})
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission denied")
		return nil, err
	}

	task, err := newTask(taskConfig{
		id:       execID,
		workflow: snapshot,
		limits:   e.limits,
		handlers: e.handlers,
		audit:    e.audit,
		logger:   e.logger,
		ctx:      context.WithoutCancel(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return task, nil
}

func (e *Engine) admit(ctx context.Context, wf domain.Workflow, structural, sec domain.ValidationResult) policy.Decision {
	if e.admission == nil {
		return policy.Decision{Action: policy.ActionAllow}
	}

	nodes := make([]policy.NodeSummary, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nodes = append(nodes, policy.NodeSummary{
			ID:            n.ID,
			Type:          string(n.TemplateType),
			SecurityScore: n.SecurityScore,
			PropertyKeys:  keys,
		})
	}
	warnings := append(append([]string{}, structural.Warnings...), sec.Warnings...)

	decision, err := e.admission.Evaluate(ctx, policy.Input{
		WorkflowID:      wf.ID,
		SessionID:       sessionOf(e.audit),
		Nodes:           nodes,
		EdgeCount:       len(wf.Edges),
		StructuralScore: structural.Score,
		SecurityScore:   sec.Score,
		Warnings:        warnings,
	})
	if err != nil {
		e.logger.Warn("admission policy evaluation failed", "workflow_id", wf.ID, "error", err)
		decision = e.postures.OnError(policy.DomainAdmission, err)
	}

	level := domain.AuditInfo
	switch decision.Action {
	case policy.ActionWarn:
		level = domain.AuditWarn
	case policy.ActionBlock:
		level = domain.AuditError
	}
	details := map[string]any{
		"workflow_id": wf.ID,
		"action":      string(decision.Action),
	}
	if decision.Reason != "" {
		details["reason"] = decision.Reason
	}
	if code := decision.Metadata["violation_code"]; code != "" {
		details["violation_code"] = code
	}
	e.audit.Log(level, domain.EventPolicyDecision, details)
	return decision
}

func (e *Engine) reject(workflowID, execID, stage string, errs []string) {
	e.logger.Info("execution rejected",
		"workflow_id", workflowID,
		"stage", stage,
		"errors", len(errs),
	)
	e.audit.Log(domain.AuditError, domain.EventExecutionRejected, map[string]any{
		"workflow_id": workflowID,
		"stage":       stage,
		"errors":      errs,
	}, audit.ForExecution(execID))
}

// Start admits wf and runs it in a supervised goroutine that ticks at the configured
// interval. The execution outlives ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, wf domain.Workflow) (*Task, error) {
	e.mu.Lock()
	if execID, busy := e.running[wf.ID]; busy {
		e.mu.Unlock()
		return nil, &domain.DomainError{
			Err:     domain.ErrExecutionInProgress,
			Code:    "EXECUTION_IN_PROGRESS",
			Message: fmt.Sprintf("workflow %s already has execution %s running", wf.ID, execID),
		}
	}
	// reserve the slot so concurrent starts for the same workflow are rejected
	e.running[wf.ID] = ""
	e.mu.Unlock()

	task, err := e.Prepare(ctx, wf)
	if err != nil {
		e.mu.Lock()
		delete(e.running, wf.ID)
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	e.running[wf.ID] = task.ID()
	e.tasks[task.ID()] = task
	e.mu.Unlock()

	task.Begin(e.now())
	for _, o := range e.observers {
		o.ExecutionStarted(wf.ID)
	}
	go e.run(task)
	return task, nil
}

// Execute starts wf and waits for it to finish. If ctx ends first the execution is
// cancelled and the context error returned alongside the latest snapshot.
func (e *Engine) Execute(ctx context.Context, wf domain.Workflow) (domain.Execution, error) {
	task, err := e.Start(ctx, wf)
	if err != nil {
		return domain.Execution{}, err
	}
	exec, err := task.Wait(ctx)
	if err != nil {
		task.Cancel()
		return exec, err
	}
	return exec, nil
}

func (e *Engine) run(task *Task) {
	defer e.release(task)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution supervisor panicked", "execution_id", task.ID(), "panic", r)
			task.fail(e.now(), fmt.Sprintf("%s: %v", domain.ViolationInternalError, r))
		}
	}()

	ticker := time.NewTicker(e.limits.TickInterval)
	defer ticker.Stop()
	for range ticker.C {
		if task.Tick(e.now()) {
			return
		}
	}
}

// release notifies observers before freeing the workflow slot, so a finished execution is
// already stored once Running reports it gone.
func (e *Engine) release(task *Task) {
	exec := task.Snapshot()
	for _, o := range e.observers {
		o.ExecutionFinished(exec)
	}
	e.mu.Lock()
	if e.running[exec.WorkflowID] == exec.ID {
		delete(e.running, exec.WorkflowID)
	}
	e.finished = append(e.finished, exec.ID)
	for len(e.finished) > e.retain {
		delete(e.tasks, e.finished[0])
		e.finished = e.finished[1:]
	}
	e.mu.Unlock()
}

// Cancel requests cancellation; the execution fails with Cancelled at its next tick.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	task, ok := e.tasks[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", executionID, domain.ErrExecutionNotFound)
	}
	task.Cancel()
	return nil
}

// Get returns a snapshot of an execution started by this engine.
func (e *Engine) Get(executionID string) (domain.Execution, error) {
	e.mu.Lock()
	task, ok := e.tasks[executionID]
	e.mu.Unlock()
	if !ok {
		return domain.Execution{}, fmt.Errorf("get %s: %w", executionID, domain.ErrExecutionNotFound)
	}
	return task.Snapshot(), nil
}

// Task returns the live task for an execution.
func (e *Engine) Task(executionID string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[executionID]
	return task, ok
}

// Running returns the id of the execution currently running for a workflow.
func (e *Engine) Running(workflowID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.running[workflowID]
	return id, ok && id != ""
}

// RegisterHandler adds or replaces the step handler for a node type.
func (e *Engine) RegisterHandler(nodeType string, handler runtime.StepHandler) {
	e.handlers.register(nodeType, "", handler)
}

func baseAttributes(wf domain.Workflow, execID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.name", wf.Name),
		attribute.String("execution.id", execID),
		attribute.Int("workflow.nodes", len(wf.Nodes)),
		attribute.Int("workflow.edges", len(wf.Edges)),
	}
}

type sessionScoped interface {
	SessionID() string
}

func sessionOf(l audit.Logger) string {
	if s, ok := l.(sessionScoped); ok {
		return s.SessionID()
	}
	return ""
}

func parseNodeType(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

func versionFromKey(key string) string {
	_, version := parseNodeType(key)
	return version
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]runtime.StepHandler),
		aliases:  make(map[string]string),
	}
}

func (r *handlerRegistry) register(kind, version string, handler runtime.StepHandler, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	canonical := canonicalKey(kind, version)
	r.handlers[canonical] = handler
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

func (r *handlerRegistry) resolve(raw string) (runtime.StepHandler, handlerMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, version := parseNodeType(raw)
	canonical := canonicalKey(kind, version)
	if handler, ok := r.handlers[canonical]; ok {
		return handler, handlerMetadata{Kind: kind, Version: version, Canonical: canonical}, true
	}
	if alias, ok := r.aliases[raw]; ok {
		if handler, ok := r.handlers[alias]; ok {
			return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if handler, ok := r.handlers[alias]; ok {
				return handler, handlerMetadata{Kind: kind, Version: versionFromKey(alias), Canonical: alias}, true
			}
		}
	}
	return nil, handlerMetadata{}, false
}

// registerDefaultHandlers registers the step handlers for every built-in node kind.
func (e *Engine) registerDefaultHandlers() {
	e.handlers.register(string(domain.KindInput), "v1", &InputHandler{logger: e.logger})
	e.handlers.register(string(domain.KindCondition), "v1", &ConditionHandler{logger: e.logger}, "decision.condition")
	e.handlers.register(string(domain.KindAction), "v1", &ActionHandler{logger: e.logger})
	e.handlers.register(string(domain.KindTransform), "v1", &TransformHandler{logger: e.logger})
	e.handlers.register(string(domain.KindDelay), "v1", &DelayHandler{logger: e.logger})
	e.handlers.register(string(domain.KindMerge), "v1", &MergeHandler{logger: e.logger})
	e.handlers.register(string(domain.KindOutput), "v1", &OutputHandler{logger: e.logger}, "terminal.output")
}

var errNoHandler = errors.New("no handler registered")
