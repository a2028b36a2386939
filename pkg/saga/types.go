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
	"context"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	// StatusStarted is set when an instance is created and no step has run yet.
	StatusStarted Status = "STARTED"

	// StatusRunning is set while steps are being executed or a retry is pending.
	StatusRunning Status = "RUNNING"

	// StatusCompensating is set while completed steps are being undone.
	StatusCompensating Status = "COMPENSATING"

	// StatusCompleted indicates every step succeeded.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates a step failed permanently without compensation.
	StatusFailed Status = "FAILED"

	// StatusCompensated indicates the compensation sweep finished.
	StatusCompensated Status = "COMPENSATED"

	// StatusTimeout indicates the definition timeout elapsed before completion.
	StatusTimeout Status = "TIMEOUT"
)

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsActive returns true for instances that are still making forward progress.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusRunning
}

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`

	// ShouldCompensate turns a failure into a rollback of the completed steps
	// instead of a retry.
	ShouldCompensate bool `json:"should_compensate,omitempty"`
}

// Succeeded returns a successful result carrying data.
func Succeeded(data interface{}) StepResult {
	return StepResult{Success: true, Data: data}
}

// Failed returns a retryable failure.
func Failed(err error) StepResult {
	return StepResult{Error: errorString(err)}
}

// FailedAndCompensate returns a failure that triggers compensation.
func FailedAndCompensate(err error) StepResult {
	return StepResult{Error: errorString(err), ShouldCompensate: true}
}

func errorString(err error) string {
	if err == nil {
		return "step failed"
	}
	return err.Error()
}

// StepRecord is a completed step result in execution order.
type StepRecord struct {
	StepID      string     `json:"step_id"`
	Result      StepResult `json:"result"`
	CompletedAt time.Time  `json:"completed_at"`
}

// ExecuteFunc performs the forward action of a step. It may read and write
// sc.Data. A returned error is handled like a retryable failed result.
type ExecuteFunc func(ctx context.Context, sc *Context) (StepResult, error)

// CompensateFunc undoes the forward action of a step.
type CompensateFunc func(ctx context.Context, sc *Context) error

// Step is one unit of work within a definition.
type Step struct {
	ID         string
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
}

// RetryPolicy controls how failed steps are retried.
type RetryPolicy struct {
	// MaxAttempts bounds the attempt counter of an instance. Default 3.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// BaseDelay is the wait before the first retry. Default 1s.
	BaseDelay time.Duration `json:"base_delay" mapstructure:"base_delay"`

	// Multiplier grows the delay per attempt. Values below 1 mean a fixed delay.
	Multiplier float64 `json:"multiplier" mapstructure:"multiplier"`

	// MaxDelay caps every computed delay. Default 30s.
	MaxDelay time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// Definition is an immutable workflow template.
type Definition struct {
	ID          string
	Name        string
	Steps       []Step
	RetryPolicy RetryPolicy

	// Timeout bounds the whole run. Zero disables the timer.
	Timeout time.Duration
}

// Validate checks the structural requirements of a definition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return NewValidationError("definition id is required")
	}
	if len(d.Steps) == 0 {
		return NewValidationError("definition " + d.ID + " has no steps")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return NewValidationError("definition "+d.ID+" has a step without id").
				WithDetail("index", i)
		}
		if _, dup := seen[step.ID]; dup {
			return NewValidationError("definition " + d.ID + " has duplicate step " + step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Execute == nil {
			return NewValidationError("step " + step.ID + " has no execute action")
		}
	}
	if d.RetryPolicy.MaxAttempts < 0 || d.RetryPolicy.BaseDelay < 0 || d.RetryPolicy.MaxDelay < 0 {
		return NewValidationError("definition " + d.ID + " has a negative retry setting")
	}
	if d.Timeout < 0 {
		return NewValidationError("definition " + d.ID + " has a negative timeout")
	}
	return nil
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Instance is a snapshot of one saga execution.
type Instance struct {
	ID            string   `json:"id"`
	DefinitionID  string   `json:"definition_id"`
	CorrelationID string   `json:"correlation_id"`
	Status        Status   `json:"status"`
	CurrentStepID string   `json:"current_step_id,omitempty"`
	Context       *Context `json:"context"`
	Attempts      int      `json:"attempts"`
	MaxAttempts   int      `json:"max_attempts"`

	// Error holds the last failure. Compensation failures are never recorded here.
	Error string `json:"error,omitempty"`

	// CompensatedSteps lists steps whose compensation has been attempted.
	CompensatedSteps []string `json:"compensated_steps,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Clone returns a deep copy of the instance bookkeeping. Values stored in the
// data bag and step result data are shared.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Context = i.Context.Clone()
	if i.CompensatedSteps != nil {
		c.CompensatedSteps = append([]string(nil), i.CompensatedSteps...)
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	if i.Deadline != nil {
		t := *i.Deadline
		c.Deadline = &t
	}
	return &c
}

func (i *Instance) deadlineExceeded(now time.Time) bool {
	return i.Deadline != nil && !now.Before(*i.Deadline)
}

func (i *Instance) compensated(stepID string) bool {
	for _, id := range i.CompensatedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Event types published by the manager.
const (
	EventSagaStarted      = "saga.started"
	EventStepCompleted    = "saga.step.completed"
	EventStepFailed       = "saga.step.failed"
	EventRetryScheduled   = "saga.retry_scheduled"
	EventSagaCompleted    = "saga.completed"
	EventSagaFailed       = "saga.failed"
	EventSagaCompensating = "saga.compensating"
	EventSagaCompensated  = "saga.compensated"
	EventSagaTimeout      = "saga.timeout"
)

// EventTypes lists every event type the manager publishes.
func EventTypes() []string {
	return []string{
		EventSagaStarted, EventStepCompleted, EventStepFailed, EventRetryScheduled,
		EventSagaCompleted, EventSagaFailed, EventSagaCompensating, EventSagaCompensated,
		EventSagaTimeout,
	}
}

// EventPayload is the payload of every saga lifecycle event.
type EventPayload struct {
	SagaID       string `json:"saga_id"`
	DefinitionID string `json:"definition_id"`
	Status       Status `json:"status"`
	StepID       string `json:"step_id,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Delay        string `json:"delay,omitempty"`
	Error        string `json:"error,omitempty"`
}
