package domain

import "errors"

// Common domain errors
var (
	ErrTemplateNotFound    = errors.New("template not found")
	ErrNodeNotFound        = errors.New("node not found")
	ErrEdgeNotFound        = errors.New("edge not found")
	ErrPortNotFound        = errors.New("port not found")
	ErrDuplicateID         = errors.New("duplicate id")
	ErrInvalidEndpoint     = errors.New("invalid edge endpoint")
	ErrKindMismatch        = errors.New("port kind mismatch")
	ErrValidationFailed    = errors.New("workflow validation failed")
	ErrPolicyDenied        = errors.New("execution denied by admission policy")
	ErrExecutionInProgress = errors.New("execution already in progress")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrInvalidPropertyKey  = errors.New("invalid property key")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the machine-readable error model returned to editor clients.
// It never carries raw property values, only a stable code and a safe message.
type ErrorResponse struct {
	Code    string `json:"code"`              // Machine-readable error code (e.g., VALIDATION_FAILED)
	Message string `json:"message"`           // Human-readable message (safe for logs)
	NodeID  string `json:"node_id,omitempty"` // Offending node, when known
}

// ErrorCode maps a domain error to its machine-readable code.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrTemplateNotFound):
		return "TEMPLATE_NOT_FOUND"
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrEdgeNotFound), errors.Is(err, ErrPortNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidEndpoint):
		return "INVALID_ENDPOINT"
	case errors.Is(err, ErrKindMismatch):
		return "KIND_MISMATCH"
	case errors.Is(err, ErrInvalidPropertyKey):
		return "INVALID_PROPERTY_KEY"
	case errors.Is(err, ErrValidationFailed):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrExecutionInProgress):
		return "EXECUTION_IN_PROGRESS"
	case errors.Is(err, ErrExecutionNotFound), errors.Is(err, ErrWorkflowNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
