package workflow

import (
	"errors"
	"fmt"

	"github.com/dukex/runbook/pkg/persistence"
)

var (
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

	// Validation errors (400 Bad Request).
	ErrWorkflowNil      = errors.New("workflow cannot be nil")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidGraph     = errors.New("invalid workflow graph")
	ErrInvalidPayload   = errors.New("payload does not match workflow input schema")
	ErrNodesRequired    = errors.New("workflow must have at least one node")
	ErrMissingEventNode = errors.New("workflow node references an unknown event")

	// Conflicts (409 Conflict).
	ErrWorkflowInactive = errors.New("workflow is not active")
)

// ServiceError wraps a workflow service failure with the operation and an API error code.
type ServiceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newServiceError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError reports whether err should be answered with HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrMissingEventNode)
}

// IsConflictError reports whether err should be answered with HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowInactive)
}
