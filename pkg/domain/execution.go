package domain

import "time"

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusBlocked   ExecutionStatus = "blocked"
)

// Terminal reports whether no further transition can happen.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusBlocked:
		return true
	default:
		return false
	}
}

// Violation codes recorded on executions.
const (
	ViolationCancelled             = "Cancelled"
	ViolationResourceLimitExceeded = "ResourceLimitExceeded"
	ViolationTimeout               = "ExecutionTimeExceeded"
	ViolationInternalError         = "InternalError"
)

// Execution is one bounded, monitored run attempt over a validated workflow.
type Execution struct {
	ID                 string          `json:"id"`
	WorkflowID         string          `json:"workflowId"`
	Status             ExecutionStatus `json:"status"`
	StartTime          time.Time       `json:"startTime"`
	EndTime            *time.Time      `json:"endTime,omitempty"`
	MemoryUsage        int64           `json:"memoryUsage"`
	Progress           int             `json:"progress"`
	Steps              int             `json:"steps"`
	SecurityViolations []string        `json:"securityViolations"`
	AuditLog           []AuditEntry    `json:"auditLog"`
}

// Clone returns a copy safe to hand out while the execution keeps running.
func (e Execution) Clone() Execution {
	out := e
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	out.SecurityViolations = append([]string(nil), e.SecurityViolations...)
	out.AuditLog = append([]AuditEntry(nil), e.AuditLog...)
	return out
}

// TraceEntry records one simulated node step, mirroring what a renderer would replay.
type TraceEntry struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Outcome  string `json:"outcome"`
	Ticks    int    `json:"ticks"`
	Memory   int64  `json:"memory"`
}
