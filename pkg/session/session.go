// Package session is the boundary the editor talks to. A Session owns one audit trail, the
// graphs being edited and the engine that runs them. Every call takes plain identifiers and
// values and returns plain records.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/polisai/polis-flow/pkg/audit"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/graph"
	"github.com/polisai/polis-flow/pkg/policy/dlp"
	"github.com/polisai/polis-flow/pkg/security"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/polisai/polis-flow/pkg/validation"
)

// Settings are the tunables shared by every session of a manager.
type Settings struct {
	Security   security.Config
	Structural validation.Limits
	Engine     engine.Limits
}

// Option configures a Session.
type Option func(*Session)

// WithSettings replaces the default validation and execution settings.
func WithSettings(s Settings) Option {
	return func(sess *Session) { sess.settings = s }
}

// WithTemplates overrides the template catalogue.
func WithTemplates(r *templates.Registry) Option {
	return func(sess *Session) {
		if r != nil {
			sess.templates = r
		}
	}
}

// WithStore persists saved workflows and finished executions.
func WithStore(s *storage.MemoryStore) Option {
	return func(sess *Session) { sess.store = s }
}

// WithAuditOptions passes extra options (sinks, clock) to the session audit log.
func WithAuditOptions(opts ...audit.Option) Option {
	return func(sess *Session) { sess.auditOpts = append(sess.auditOpts, opts...) }
}

// WithEngineOptions passes extra options (admission, observers, clock) to the engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(sess *Session) { sess.engineOpts = append(sess.engineOpts, opts...) }
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sess *Session) {
		if logger != nil {
			sess.logger = logger
		}
	}
}

// Session is one logical editing session.
type Session struct {
	id         string
	settings   Settings
	templates  *templates.Registry
	store      *storage.MemoryStore
	auditOpts  []audit.Option
	engineOpts []engine.Option
	logger     *slog.Logger

	audit    *audit.Log
	security *security.Validator
	engine   *engine.Engine

	// graphs is guarded by mu; a single graph is not safe for concurrent edits.
	mu     sync.Mutex
	graphs map[string]*graph.Graph
}

// New builds a session with its own audit log, validators and engine.
func New(id string, opts ...Option) (*Session, error) {
	s := &Session{
		id: id,
		settings: Settings{
			Security:   security.DefaultConfig(),
			Structural: validation.DefaultLimits(),
			Engine:     engine.DefaultLimits(),
		},
		templates: templates.GlobalRegistry(),
		logger:    slog.Default(),
		graphs:    make(map[string]*graph.Graph),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)

	scanner, err := dlp.NewScanner(dlp.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("build audit redactor: %w", err)
	}
	auditOpts := append([]audit.Option{audit.WithRedactor(scanner), audit.WithLogger(s.logger)}, s.auditOpts...)
	s.audit = audit.New(id, auditOpts...)

	s.security, err = security.NewValidator(s.settings.Security,
		security.WithTemplates(s.templates),
		security.WithAudit(s.audit),
		security.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithStructural(validation.NewStructural(s.settings.Structural)),
		engine.WithSecurity(s.security),
		engine.WithAudit(s.audit),
		engine.WithLogger(s.logger),
	}
	if s.store != nil {
		engineOpts = append(engineOpts, engine.WithObserver(s.store))
	}
	s.engine, err = engine.NewEngine(s.settings.Engine, append(engineOpts, s.engineOpts...)...)
	if err != nil {
		return nil, err
	}

	s.audit.Log(domain.AuditInfo, domain.EventSessionStarted, nil)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Audit returns the session audit trail.
func (s *Session) Audit() *audit.Log { return s.audit }

// Engine returns the session engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Templates lists the node templates available to this session.
func (s *Session) Templates() []domain.Template {
	return s.templates.List()
}

// CreateWorkflow opens an empty workflow and returns its id. An empty id generates one.
func (s *Session) CreateWorkflow(id, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.newGraph(id, name)
	s.graphs[g.ID()] = g
	return g.ID()
}

// Open loads a persisted workflow document into the session. Every node and edge is
// re-sanitized and revalidated on the way in.
func (s *Session) Open(wf domain.Workflow) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.newGraph(wf.ID, wf.Name)
	if err := g.Load(wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("open workflow %s: %w", wf.ID, err)
	}
	s.graphs[g.ID()] = g
	return g.Snapshot(), nil
}

func (s *Session) newGraph(id, name string) *graph.Graph {
	return graph.New(s.security,
		graph.WithID(id),
		graph.WithName(name),
		graph.WithTemplates(s.templates),
		graph.WithAudit(s.audit),
		graph.WithLogger(s.logger),
	)
}

func (s *Session) graph(workflowID string) (*graph.Graph, error) {
	g, ok := s.graphs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}
	return g, nil
}

// Instantiate adds a node built from template to a workflow.
func (s *Session) Instantiate(workflowID string, template domain.NodeKind, pos domain.Position) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return domain.Node{}, err
	}
	return g.AddNode(template, pos)
}

// AddEdge connects an output port to an input port.
func (s *Session) AddEdge(workflowID string, from, to domain.Endpoint) (domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return domain.Edge{}, err
	}
	return g.AddEdge(from, to)
}

// SetProperty sanitizes and stores a node property, returning the stored value.
func (s *Session) SetProperty(workflowID, nodeID, key string, value any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return nil, err
	}
	return g.SetProperty(nodeID, key, value)
}

// DeleteNode removes a node and every edge touching it.
func (s *Session) DeleteNode(workflowID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return err
	}
	return g.RemoveNode(nodeID)
}

// Workflow returns the annotated nodes and edges of a workflow.
func (s *Session) Workflow(workflowID string) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	return g.Snapshot(), nil
}

// Validate runs both validators over a workflow without executing it. The workflow is
// clean afterwards until its next edit.
func (s *Session) Validate(workflowID string) (structural, sec domain.ValidationResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return domain.ValidationResult{}, domain.ValidationResult{}, err
	}
	_, structural, sec = s.engine.Validate(g.Snapshot())
	g.MarkClean()
	return structural, sec, nil
}

// Dirty reports whether a workflow changed since its last full validation.
func (s *Session) Dirty(workflowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return false, err
	}
	return g.Dirty(), nil
}

// Execute validates a snapshot of the workflow and starts running it. Edits made after
// Execute returns do not affect the running execution.
func (s *Session) Execute(ctx context.Context, workflowID string) (*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.graph(workflowID)
	if err != nil {
		return nil, err
	}
	task, err := s.engine.Start(ctx, g.Snapshot())
	if err == nil || errors.Is(err, domain.ErrValidationFailed) {
		// both cases ran the full structural and security pass
		g.MarkClean()
	}
	return task, err
}

// Cancel stops an execution at its next tick.
func (s *Session) Cancel(executionID string) error {
	return s.engine.Cancel(executionID)
}

// Execution returns the current record of an execution. Executions the engine no longer
// retains are looked up in the store.
func (s *Session) Execution(executionID string) (domain.Execution, error) {
	exec, err := s.engine.Get(executionID)
	if err == nil || s.store == nil || !errors.Is(err, domain.ErrExecutionNotFound) {
		return exec, err
	}
	return s.store.GetExecution(context.Background(), executionID)
}

// Close flushes the audit sinks and stops the audit writer.
func (s *Session) Close() {
	s.audit.Close()
}

// Busy reports whether any workflow of the session has a running execution.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.graphs {
		if _, running := s.engine.Running(id); running {
			return true
		}
	}
	return false
}

// Save stores the current revision of a workflow.
func (s *Session) Save(ctx context.Context, workflowID string) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("%w: session has no store", domain.ErrConfigInvalid)
	}
	s.mu.Lock()
	g, err := s.graph(workflowID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	wf := g.Snapshot()
	s.mu.Unlock()

	rev, err := s.store.SaveWorkflow(ctx, wf)
	if err != nil {
		return 0, err
	}
	s.audit.Log(domain.AuditInfo, domain.EventWorkflowSaved, map[string]any{
		"workflowId": workflowID,
		"revision":   rev,
	})
	return rev, nil
}

// Restore loads the latest stored revision of a workflow into the session.
func (s *Session) Restore(ctx context.Context, workflowID string) (domain.Workflow, error) {
	if s.store == nil {
		return domain.Workflow{}, fmt.Errorf("%w: session has no store", domain.ErrConfigInvalid)
	}
	wf, _, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	return s.Open(wf)
}
