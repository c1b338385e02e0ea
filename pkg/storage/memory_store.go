package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// MemoryStore is an in-memory implementation of WorkflowStore and ExecutionStore.
type MemoryStore struct {
	mu         sync.RWMutex
	revisions  map[string][]domain.Workflow
	executions map[string]domain.Execution
	byWorkflow map[string][]string
	logger     *slog.Logger
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		revisions:  make(map[string][]domain.Workflow),
		executions: make(map[string]domain.Execution),
		byWorkflow: make(map[string][]string),
		logger:     logger,
	}
}

func (s *MemoryStore) key(id string, revision int) string {
	return fmt.Sprintf("%s:%d", id, revision)
}

// GetWorkflow returns the latest revision of a workflow.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (domain.Workflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.revisions[id]
	if len(revs) == 0 {
		return domain.Workflow{}, 0, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return revs[len(revs)-1].Clone(), len(revs), nil
}

// GetWorkflowRevision returns one stored revision of a workflow.
func (s *MemoryStore) GetWorkflowRevision(_ context.Context, id string, revision int) (domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.revisions[id]
	if revision < 1 || revision > len(revs) {
		return domain.Workflow{}, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, s.key(id, revision))
	}
	return revs[revision-1].Clone(), nil
}

// SaveWorkflow stores a new revision and returns its number.
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf domain.Workflow) (int, error) {
	if wf.ID == "" {
		return 0, fmt.Errorf("%w: workflow id is required", domain.ErrWorkflowNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revisions[wf.ID] = append(s.revisions[wf.ID], wf.Clone())
	revision := len(s.revisions[wf.ID])
	s.logger.Debug("workflow saved", "workflow_id", wf.ID, "revision", revision)
	return revision, nil
}

// DeleteWorkflow drops every revision of a workflow. Execution records are kept.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revisions[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	delete(s.revisions, id)
	return nil
}

// ListWorkflows returns the stored workflow ids in lexical order.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.revisions))
	for id := range s.revisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveExecution records an execution. Saving the same id again replaces the record.
func (s *MemoryStore) SaveExecution(_ context.Context, exec domain.Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("%w: execution id is required", domain.ErrExecutionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		s.byWorkflow[exec.WorkflowID] = append(s.byWorkflow[exec.WorkflowID], exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution returns a stored execution record.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return exec.Clone(), nil
}

// ListExecutions returns the executions of a workflow in the order they were first saved.
func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byWorkflow[workflowID]
	out := make([]domain.Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.executions[id].Clone())
	}
	return out, nil
}

// ExecutionStarted is a no-op; only terminal records are kept.
func (s *MemoryStore) ExecutionStarted(string) {}

// ExecutionFinished stores the terminal record of an execution.
func (s *MemoryStore) ExecutionFinished(exec domain.Execution) {
	if err := s.SaveExecution(context.Background(), exec); err != nil {
		s.logger.Warn("failed to store execution", "execution_id", exec.ID, "error", err)
	}
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
