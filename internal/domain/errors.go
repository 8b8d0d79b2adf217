package domain

import (
	"errors"
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TemplateNotFoundError is returned when no template has the given name.
type TemplateNotFoundError struct {
	Name string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.Name)
}

// ProjectNotFoundError is returned when a project path has never been referenced.
type ProjectNotFoundError struct {
	Path string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project not found: %s", e.Path)
}

// InvalidProjectError is returned when the project validator denies a path.
// It is never retried.
type InvalidProjectError struct {
	Project string
	Reason  string
}

func (e *InvalidProjectError) Error() string {
	return fmt.Sprintf("invalid project %q: %s", e.Project, e.Reason)
}

// InvalidStateError is returned when an operation is illegal for the task's
// current state, e.g. retrying a task that has not failed.
type InvalidStateError struct {
	TaskID string
	State  State
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("task %s in state %s: cannot %s", e.TaskID, e.State, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// TimeoutError records a task that exceeded its execution budget.
type TimeoutError struct {
	TaskID  string
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s (limit %s)", e.TaskID, e.Elapsed.Round(time.Millisecond), e.Limit)
}

// ProtocolError records a status record that stayed unparseable or invalid
// past the grace period.
type ProtocolError struct {
	TaskID string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error for task %s: %s", e.TaskID, e.Reason)
}

// StoreUnavailableError wraps a storage I/O failure. The operation that
// produced it may be retried.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// StaleWriteError is returned by a compare-and-set update whose expected
// version no longer matches the stored one.
type StaleWriteError struct {
	TaskID   string
	Expected int64
	Actual   int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for task %s: expected version %d, stored version %d", e.TaskID, e.Expected, e.Actual)
}

// MissingVariableError is returned when a template placeholder has no value.
type MissingVariableError struct {
	Template string
	Names    []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing values for %v", e.Template, e.Names)
}

// IsRetryable reports whether err is one of the transient conditions the
// scheduler retries automatically.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		timeout  *TimeoutError
		protocol *ProtocolError
		store    *StoreUnavailableError
	)
	return errors.As(err, &timeout) || errors.As(err, &protocol) || errors.As(err, &store)
}

// IsNotFound reports whether err names a missing entity of any kind.
func IsNotFound(err error) bool {
	var (
		task    *TaskNotFoundError
		tpl     *TemplateNotFoundError
		project *ProjectNotFoundError
	)
	return errors.As(err, &task) || errors.As(err, &tpl) || errors.As(err, &project)
}
