package domain

import "time"

// AuditLevel grades audit entries.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarn     AuditLevel = "warn"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// Rank orders levels for filtering; higher is more severe.
func (l AuditLevel) Rank() int {
	switch l {
	case AuditInfo:
		return 0
	case AuditWarn:
		return 1
	case AuditError:
		return 2
	case AuditCritical:
		return 3
	default:
		return -1
	}
}

// AuditEntry is an immutable record of a validation or execution event.
type AuditEntry struct {
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       AuditLevel     `json:"level"`
	Event       string         `json:"event"`
	Details     map[string]any `json:"details,omitempty"`
	NodeID      string         `json:"nodeId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	SessionID   string         `json:"sessionId"`
}

// Audit event names emitted by the engine.
const (
	EventNodeInstantiated     = "node.instantiated"
	EventNodeRemoved          = "node.removed"
	EventEdgeAdded            = "edge.added"
	EventEdgeRemoved          = "edge.removed"
	EventPropertySet          = "node.property_set"
	EventSecurityViolation    = "security.violation"
	EventSanitizationError    = "security.sanitization_error"
	EventValidationStructural = "validation.structural"
	EventValidationSecurity   = "validation.security"
	EventExecutionRejected    = "execution.rejected"
	EventExecutionStarted     = "execution.started"
	EventExecutionProgress    = "execution.progress"
	EventExecutionFinished    = "execution.finished"
	EventExecutionCancel      = "execution.cancel_requested"
	EventPolicyDecision       = "policy.decision"
	EventSessionStarted       = "session.started"
	EventSessionExpired       = "session.expired"
	EventWorkflowSaved        = "workflow.saved"
)
