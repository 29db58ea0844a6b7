package api

import (
	"errors"
	"fmt"
)

// NotFoundError represents a resource not found error with contextual
// information. The error includes resource type and name for precise error
// reporting.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "operation", "batch", "rule", "instance").
	ResourceType string

	// ResourceName is the specific identifier of the resource.
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource
// type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// ValidationError indicates a malformed rule, batch, or request. It is
// returned synchronously at creation time; nothing is stored when a
// validation error occurs.
type ValidationError struct {
	// Resource is the kind of object that failed validation.
	Resource string

	// Field names the offending field, if it can be pinned down.
	Field string

	// Message describes what is wrong.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: field %s: %s", e.Resource, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Resource, e.Message)
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// NewValidationError creates a ValidationError for the given resource kind.
func NewValidationError(resource, field, message string) *ValidationError {
	return &ValidationError{Resource: resource, Field: field, Message: message}
}

// PolicyDeniedError indicates an operation was blocked by admission policy
// before any side effect occurred.
type PolicyDeniedError struct {
	OperationID string
	Reason      string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("operation %s denied by policy: %s", e.OperationID, e.Reason)
}

// IsPolicyDenied checks if an error is a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var deniedErr *PolicyDeniedError
	return errors.As(err, &deniedErr)
}

// NewPolicyDeniedError creates a PolicyDeniedError.
func NewPolicyDeniedError(operationID, reason string) *PolicyDeniedError {
	return &PolicyDeniedError{OperationID: operationID, Reason: reason}
}

// DependencyError indicates a missing, cyclic, or failed dependency. The
// dependent operation never executes.
type DependencyError struct {
	Subject    string
	Dependency string
	Message    string
}

func (e *DependencyError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("dependency error for %s: dependency %s: %s", e.Subject, e.Dependency, e.Message)
	}
	return fmt.Sprintf("dependency error for %s: %s", e.Subject, e.Message)
}

// IsDependency checks if an error is a DependencyError.
func IsDependency(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}

// NewDependencyError creates a DependencyError.
func NewDependencyError(subject, dependency, message string) *DependencyError {
	return &DependencyError{Subject: subject, Dependency: dependency, Message: message}
}

// TransitionError indicates an illegal state machine transition was
// attempted. The instance state is left unchanged.
type TransitionError struct {
	InstanceID string
	From       InstanceState
	Transition string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: transition %s not allowed from state %s", e.InstanceID, e.Transition, e.From)
}

// IsTransition checks if an error is a TransitionError.
func IsTransition(err error) bool {
	var transitionErr *TransitionError
	return errors.As(err, &transitionErr)
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(instanceID string, from InstanceState, transition string) *TransitionError {
	return &TransitionError{InstanceID: instanceID, From: from, Transition: transition}
}

// TimeoutError indicates a deadline was exceeded mid-execution.
type TimeoutError struct {
	Subject string
	Message string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %s", e.Subject, e.Message)
}

// IsTimeout checks if an error is a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(subject, message string) *TimeoutError {
	return &TimeoutError{Subject: subject, Message: message}
}

// ExecutionError indicates the underlying runtime action failed.
type ExecutionError struct {
	Subject string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s: %v", e.Subject, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecution checks if an error is an ExecutionError.
func IsExecution(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}

// NewExecutionError wraps a runtime failure for the given subject.
func NewExecutionError(subject string, err error) *ExecutionError {
	return &ExecutionError{Subject: subject, Err: err}
}

// CancelledError indicates explicit cancellation of an operation or batch.
type CancelledError struct {
	Subject string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s was cancelled", e.Subject)
}

// IsCancelled checks if an error is a CancelledError.
func IsCancelled(err error) bool {
	var cancelledErr *CancelledError
	return errors.As(err, &cancelledErr)
}

// NewCancelledError creates a CancelledError.
func NewCancelledError(subject string) *CancelledError {
	return &CancelledError{Subject: subject}
}
