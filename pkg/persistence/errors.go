package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations use.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrEventNotFound     = errors.New("event not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrLogNotFound       = errors.New("log not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrAlreadyExists     = errors.New("entity already exists")
)

// EntityError wraps a storage failure with the operation and entity it concerns.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save")
	Entity string // Entity kind, such as "job" or "event"
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewJobError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "job", ID: id, Err: err}
}

func NewEventError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "event", ID: id, Err: err}
}

func NewExecutionError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "execution", ID: id, Err: err}
}

func NewWorkflowError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "workflow", ID: id, Err: err}
}

// IsNotFound reports whether err means the requested entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrLogNotFound) ||
		errors.Is(err, ErrWorkflowNotFound)
}
