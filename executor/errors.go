package executor

import (
	"errors"
	"fmt"
)

// Sentinels for matching classified failures with errors.Is
var (
	ErrValidation     = errors.New("validation failed")
	ErrTaskNotFound   = errors.New("task not found")
	ErrConflict       = errors.New("task state conflict")
	ErrNotRunning     = errors.New("executor manager is not running")
	ErrResultNotReady = errors.New("result not ready")
	ErrRateLimited    = errors.New("submission rate limit exceeded")
	ErrPermitReleased = errors.New("pool permit already released")
)

// ValidationError rejects a submission before a task is created
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown (or evicted) task identifier
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrTaskNotFound }

// ConflictError reports an operation that the task's current state forbids
type ConflictError struct {
	TaskID string
	State  TaskState
	Op     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s task %s in state %s", e.Op, e.TaskID, e.State)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// LifecycleError reports an operation attempted while the manager is not running
type LifecycleError struct {
	Op    string
	State string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s: executor manager is %s", e.Op, e.State)
}

func (e *LifecycleError) Is(target error) bool { return target == ErrNotRunning }

// TransitionError is an invalid state edge. It indicates a scheduling bug
// and is never shown to end users.
type TransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}
