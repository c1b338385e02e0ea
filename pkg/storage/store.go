// Package storage persists workflow documents and finished execution records.
package storage

import (
	"context"

	"github.com/polisai/polis-flow/pkg/domain"
)

// WorkflowStore exposes persistence operations for workflow documents. Every Save creates a
// new revision; revisions start at 1.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (domain.Workflow, int, error)
	GetWorkflowRevision(ctx context.Context, id string, revision int) (domain.Workflow, error)
	SaveWorkflow(ctx context.Context, wf domain.Workflow) (int, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context) ([]string, error)
	Close() error
}

// ExecutionStore keeps terminal execution records.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec domain.Execution) error
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]domain.Execution, error)
}
