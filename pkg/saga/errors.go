// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"errors"
	"fmt"
	"time"
)

// predefined error codes
const (
	ErrCodeDefinitionNotFound = "SAGA_DEFINITION_NOT_FOUND"
	ErrCodeSagaNotFound       = "SAGA_NOT_FOUND"
	ErrCodeStepNotFound       = "SAGA_STEP_NOT_FOUND"
	ErrCodeInvalidSagaState   = "INVALID_SAGA_STATE"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeSagaTimeout        = "SAGA_TIMEOUT"
	ErrCodeStepPanicked       = "STEP_PANICKED"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeStorageError       = "STORAGE_ERROR"
	ErrCodeManagerClosed      = "MANAGER_CLOSED"
)

// Sentinel values for errors.Is. Matching compares codes only, so errors
// built by the constructors below match their sentinel.
var (
	ErrSagaDefinitionNotFound = &SagaError{Code: ErrCodeDefinitionNotFound, Message: "saga definition not found"}
	ErrSagaInstanceNotFound   = &SagaError{Code: ErrCodeSagaNotFound, Message: "saga instance not found"}
	ErrSagaStepNotFound       = &SagaError{Code: ErrCodeStepNotFound, Message: "saga step not found"}
	ErrInvalidSagaState       = &SagaError{Code: ErrCodeInvalidSagaState, Message: "invalid saga state"}
	ErrRetryExhausted         = &SagaError{Code: ErrCodeRetryExhausted, Message: "retry attempts exhausted"}
	ErrSagaTimeout            = &SagaError{Code: ErrCodeSagaTimeout, Message: "saga timed out"}
	ErrManagerClosed          = &SagaError{Code: ErrCodeManagerClosed, Message: "saga manager is closed"}
)

// SagaError is the structured error type of the saga package.
type SagaError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// NewSagaError creates a new SagaError.
func NewSagaError(code, message string) *SagaError {
	return &SagaError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for SagaError.
func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *SagaError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SagaError with the same code.
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	return ok && t.Code == e.Code
}

// WithDetail adds a detail to the SagaError.
func (e *SagaError) WithDetail(key string, value interface{}) *SagaError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *SagaError) WithCause(err error) *SagaError {
	e.Cause = err
	return e
}

// NewDefinitionNotFoundError creates an error for an unknown definition id.
func NewDefinitionNotFoundError(definitionID string) *SagaError {
	return NewSagaError(ErrCodeDefinitionNotFound, "saga definition not found: "+definitionID).
		WithDetail("definition_id", definitionID)
}

// NewSagaNotFoundError creates an error for an unknown instance id.
func NewSagaNotFoundError(sagaID string) *SagaError {
	return NewSagaError(ErrCodeSagaNotFound, "saga instance not found: "+sagaID).
		WithDetail("saga_id", sagaID)
}

// NewStepNotFoundError creates an error for a step id missing from a definition.
func NewStepNotFoundError(definitionID, stepID string) *SagaError {
	return NewSagaError(ErrCodeStepNotFound, fmt.Sprintf("step %s not found in definition %s", stepID, definitionID)).
		WithDetail("definition_id", definitionID).
		WithDetail("step_id", stepID)
}

// NewInvalidSagaStateError creates an error for an operation not allowed in the current status.
func NewInvalidSagaStateError(sagaID string, status Status, operation string) *SagaError {
	return NewSagaError(ErrCodeInvalidSagaState,
		fmt.Sprintf("cannot %s saga %s in status %s", operation, sagaID, status)).
		WithDetail("saga_id", sagaID).
		WithDetail("status", string(status))
}

// NewRetryExhaustedError creates the error recorded on a saga that ran out of attempts.
func NewRetryExhaustedError(stepID string, attempts int, cause error) *SagaError {
	return NewSagaError(ErrCodeRetryExhausted,
		fmt.Sprintf("step %s failed after %d attempts", stepID, attempts)).
		WithDetail("step_id", stepID).
		WithDetail("attempts", attempts).
		WithCause(cause)
}

// NewSagaTimeoutError creates the error recorded on a timed out saga.
func NewSagaTimeoutError(sagaID string, timeout time.Duration) *SagaError {
	return NewSagaError(ErrCodeSagaTimeout, fmt.Sprintf("saga %s exceeded timeout %s", sagaID, timeout)).
		WithDetail("saga_id", sagaID).
		WithDetail("timeout", timeout.String())
}

// NewStepPanicError creates the error recorded when a step panics.
func NewStepPanicError(stepID string, recovered interface{}) *SagaError {
	return NewSagaError(ErrCodeStepPanicked, fmt.Sprintf("step %s panicked: %v", stepID, recovered)).
		WithDetail("step_id", stepID)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *SagaError {
	return NewSagaError(ErrCodeValidationError, message)
}

// NewStorageError wraps a store failure.
func NewStorageError(operation string, err error) *SagaError {
	return NewSagaError(ErrCodeStorageError, "storage operation failed: "+operation).
		WithDetail("operation", operation).
		WithCause(err)
}

// IsSagaNotFound checks if the error is a saga-not-found error.
func IsSagaNotFound(err error) bool {
	return errors.Is(err, ErrSagaInstanceNotFound)
}

// IsDefinitionNotFound checks if the error is a definition-not-found error.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrSagaDefinitionNotFound)
}

// IsInvalidSagaState checks if the error is an invalid-state error.
func IsInvalidSagaState(err error) bool {
	return errors.Is(err, ErrInvalidSagaState)
}
