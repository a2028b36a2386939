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

// Package workforce defines the employee and shift sagas run by orchestra,
// together with the collaborators their steps act on.
package workforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/workforce/model"
	"github.com/innovationmech/orchestra/internal/workforce/repository"
	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/queue"
	"github.com/innovationmech/orchestra/pkg/saga"
)

// Definition ids.
const (
	EmployeeRegistration = "employee_registration"
	ShiftStart           = "shift_start"
	ShiftEnd             = "shift_end"
)

// Saga context keys holding the caller's input.
const (
	EmployeeDataKey = "employeeData"
	ShiftKey        = "shift"

	// employeeAliasKey is accepted when EmployeeDataKey is absent.
	employeeAliasKey = "employee"
)

// NotificationJobType is the queue job type for outbound notifications.
const NotificationJobType = "notification.send"

// Notification templates.
const (
	TemplateInvitation        = "employee_invitation"
	TemplateInvitationRevoked = "employee_invitation_revoked"
	TemplateShiftStarted      = "shift_started"
)

var errMissingRecipient = errors.New("notification has no recipient")

// JobQueue is the subset of the job queue used by saga steps.
type JobQueue interface {
	Add(ctx context.Context, jobType string, payload interface{}, opts *queue.Options) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Remove(ctx context.Context, id string) error
}

// DefinitionRegistrar accepts saga definitions.
type DefinitionRegistrar interface {
	RegisterDefinition(def saga.Definition) error
}

// Deps are the collaborators of the workforce sagas.
type Deps struct {
	Employees  repository.EmployeeRepository
	Shifts     repository.ShiftRepository
	Timesheets repository.TimesheetRepository
	Jobs       JobQueue
	Logger     *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// RetryPolicy applies to every definition; zero values take the manager defaults.
	RetryPolicy saga.RetryPolicy

	// Timeout bounds each saga run; zero disables it.
	Timeout time.Duration
}

// Sagas builds the workforce saga definitions.
type Sagas struct {
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSagas creates the definitions builder. Nil repositories are replaced
// with in-memory ones.
func NewSagas(deps Deps) *Sagas {
	if deps.Employees == nil {
		deps.Employees = repository.NewEmployeeRepository()
	}
	if deps.Shifts == nil {
		deps.Shifts = repository.NewShiftRepository()
	}
	if deps.Timesheets == nil {
		deps.Timesheets = repository.NewTimesheetRepository()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Sagas{
		deps:     deps,
		validate: validator.New(),
		logger:   logger.OrGlobal(deps.Logger).Named("workforce"),
	}
}

// Deps returns the effective collaborators.
func (s *Sagas) Deps() Deps {
	return s.deps
}

// Register adds every workforce definition to r.
func (s *Sagas) Register(r DefinitionRegistrar) error {
	for _, def := range s.Definitions() {
		if err := r.RegisterDefinition(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

// Definitions returns employee_registration, shift_start and shift_end.
func (s *Sagas) Definitions() []saga.Definition {
	return []saga.Definition{
		{
			ID:          EmployeeRegistration,
			Name:        "Employee registration",
			RetryPolicy: s.deps.RetryPolicy,
			Timeout:     s.deps.Timeout,
			Steps: []saga.Step{
				{ID: "create_employee", Name: "Create employee", Execute: s.createEmployee, Compensate: s.deleteEmployee},
				{ID: "send_invitation", Name: "Send invitation", Execute: s.sendInvitation, Compensate: s.revokeInvitation},
			},
		},
		{
			ID:          ShiftStart,
			Name:        "Shift start",
			RetryPolicy: s.deps.RetryPolicy,
			Timeout:     s.deps.Timeout,
			Steps: []saga.Step{
				{ID: "validate_employee", Name: "Validate employee", Execute: s.validateEmployee},
				{ID: "open_shift", Name: "Open shift", Execute: s.openShift, Compensate: s.deleteShift},
				{ID: "notify_manager", Name: "Notify manager", Execute: s.notifyManager},
			},
		},
		{
			ID:          ShiftEnd,
			Name:        "Shift end",
			RetryPolicy: s.deps.RetryPolicy,
			Timeout:     s.deps.Timeout,
			Steps: []saga.Step{
				{ID: "close_shift", Name: "Close shift", Execute: s.closeShift, Compensate: s.reopenShift},
				{ID: "record_timesheet", Name: "Record timesheet", Execute: s.recordTimesheet, Compensate: s.deleteTimesheet},
			},
		},
	}
}

// Step result shapes, decoded with saga.BindResult.
type createdEmployee struct {
	EmployeeID string `json:"employee_id"`
	Email      string `json:"email"`
}

type enqueuedJob struct {
	JobID string `json:"job_id"`
}

type validatedEmployee struct {
	EmployeeID string `json:"employee_id"`
	ManagerID  string `json:"manager_id"`
	Name       string `json:"name"`
}

type openedShift struct {
	ShiftID   string    `json:"shift_id"`
	StartedAt time.Time `json:"started_at"`
}

type closedShift struct {
	ShiftID    string    `json:"shift_id"`
	EmployeeID string    `json:"employee_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

type recordedTimesheet struct {
	TimesheetID string  `json:"timesheet_id"`
	Hours       float64 `json:"hours"`
}

// bindInput decodes and validates the input stored under key. Bad input is
// not retryable, so it is reported as a compensating failure.
func (s *Sagas) bindInput(sc *saga.Context, key string, out interface{}) (saga.StepResult, bool) {
	if err := saga.Bind(sc, key, out); err != nil {
		return saga.FailedAndCompensate(fmt.Errorf("invalid %s input: %w", key, err)), false
	}
	if err := s.validate.Struct(out); err != nil {
		return saga.FailedAndCompensate(fmt.Errorf("invalid %s input: %w", key, err)), false
	}
	return saga.StepResult{}, true
}

func (s *Sagas) createEmployee(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	key := EmployeeDataKey
	if _, ok := sc.Get(key); !ok {
		if _, alias := sc.Get(employeeAliasKey); alias {
			key = employeeAliasKey
		}
	}
	var in model.EmployeeInput
	if res, ok := s.bindInput(sc, key, &in); !ok {
		return res, nil
	}

	employee := &model.Employee{
		Email:     in.Email,
		Name:      in.Name,
		ManagerID: in.ManagerID,
		IsActive:  true,
		CreatedAt: s.deps.Now(),
	}
	if err := s.deps.Employees.Create(ctx, employee); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return saga.FailedAndCompensate(err), nil
		}
		return saga.StepResult{}, err
	}

	s.logger.Info("Employee created",
		zap.String("saga_id", sc.SagaID),
		zap.String("employee_id", employee.ID))
	return saga.Succeeded(map[string]interface{}{
		"employee_id": employee.ID,
		"email":       employee.Email,
	}), nil
}

func (s *Sagas) deleteEmployee(ctx context.Context, sc *saga.Context) error {
	var created createdEmployee
	if err := saga.BindResult(sc, "create_employee", &created); err != nil {
		return err
	}
	err := s.deps.Employees.Delete(ctx, created.EmployeeID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Sagas) sendInvitation(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var created createdEmployee
	if err := saga.BindResult(sc, "create_employee", &created); err != nil {
		return saga.StepResult{}, err
	}

	job, err := s.enqueue(ctx, model.Notification{
		Template:  TemplateInvitation,
		Recipient: created.Email,
		Data:      map[string]string{"employee_id": created.EmployeeID, "saga_id": sc.SagaID},
	}, 5)
	if err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(map[string]interface{}{"job_id": job.ID}), nil
}

// revokeInvitation drops the invitation job while it is still waiting and
// otherwise sends a revocation.
func (s *Sagas) revokeInvitation(ctx context.Context, sc *saga.Context) error {
	var sent enqueuedJob
	if err := saga.BindResult(sc, "send_invitation", &sent); err != nil {
		return err
	}
	job, err := s.deps.Jobs.GetJob(ctx, sent.JobID)
	if err == nil && job.Status == queue.StatusWaiting {
		if err := s.deps.Jobs.Remove(ctx, sent.JobID); err == nil {
			return nil
		}
	}

	var created createdEmployee
	if err := saga.BindResult(sc, "create_employee", &created); err != nil {
		return err
	}
	_, err = s.enqueue(ctx, model.Notification{
		Template:  TemplateInvitationRevoked,
		Recipient: created.Email,
		Data:      map[string]string{"employee_id": created.EmployeeID},
	}, 5)
	return err
}

func (s *Sagas) validateEmployee(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var in model.ShiftStartInput
	if res, ok := s.bindInput(sc, ShiftKey, &in); !ok {
		return res, nil
	}

	employee, err := s.deps.Employees.Get(ctx, in.EmployeeID)
	if errors.Is(err, repository.ErrNotFound) {
		return saga.FailedAndCompensate(fmt.Errorf("employee %s: %w", in.EmployeeID, err)), nil
	}
	if err != nil {
		return saga.StepResult{}, err
	}
	if !employee.IsActive {
		return saga.FailedAndCompensate(fmt.Errorf("employee %s is inactive", employee.ID)), nil
	}
	if _, err := s.deps.Shifts.OpenFor(ctx, employee.ID); err == nil {
		return saga.FailedAndCompensate(repository.ErrShiftOpen), nil
	}

	return saga.Succeeded(map[string]interface{}{
		"employee_id": employee.ID,
		"manager_id":  employee.ManagerID,
		"name":        employee.Name,
	}), nil
}

func (s *Sagas) openShift(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var v validatedEmployee
	if err := saga.BindResult(sc, "validate_employee", &v); err != nil {
		return saga.StepResult{}, err
	}

	shift := &model.Shift{EmployeeID: v.EmployeeID, StartedAt: s.deps.Now()}
	if err := s.deps.Shifts.Open(ctx, shift); err != nil {
		if errors.Is(err, repository.ErrShiftOpen) {
			return saga.FailedAndCompensate(err), nil
		}
		return saga.StepResult{}, err
	}
	return saga.Succeeded(map[string]interface{}{
		"shift_id":   shift.ID,
		"started_at": shift.StartedAt,
	}), nil
}

func (s *Sagas) deleteShift(ctx context.Context, sc *saga.Context) error {
	var opened openedShift
	if err := saga.BindResult(sc, "open_shift", &opened); err != nil {
		return err
	}
	err := s.deps.Shifts.Delete(ctx, opened.ShiftID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Sagas) notifyManager(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var v validatedEmployee
	if err := saga.BindResult(sc, "validate_employee", &v); err != nil {
		return saga.StepResult{}, err
	}
	if v.ManagerID == "" {
		return saga.Succeeded(map[string]interface{}{"skipped": true}), nil
	}

	var opened openedShift
	if err := saga.BindResult(sc, "open_shift", &opened); err != nil {
		return saga.StepResult{}, err
	}
	job, err := s.enqueue(ctx, model.Notification{
		Template:  TemplateShiftStarted,
		Recipient: v.ManagerID,
		Data: map[string]string{
			"employee_id": v.EmployeeID,
			"name":        v.Name,
			"shift_id":    opened.ShiftID,
		},
	}, 0)
	if err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(map[string]interface{}{"job_id": job.ID}), nil
}

func (s *Sagas) closeShift(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var in model.ShiftEndInput
	if res, ok := s.bindInput(sc, ShiftKey, &in); !ok {
		return res, nil
	}

	shift, err := s.deps.Shifts.Close(ctx, in.ShiftID, s.deps.Now())
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrShiftNotOpen) {
		return saga.FailedAndCompensate(fmt.Errorf("shift %s: %w", in.ShiftID, err)), nil
	}
	if err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(map[string]interface{}{
		"shift_id":    shift.ID,
		"employee_id": shift.EmployeeID,
		"started_at":  shift.StartedAt,
		"ended_at":    *shift.EndedAt,
	}), nil
}

func (s *Sagas) reopenShift(ctx context.Context, sc *saga.Context) error {
	var closed closedShift
	if err := saga.BindResult(sc, "close_shift", &closed); err != nil {
		return err
	}
	return s.deps.Shifts.Reopen(ctx, closed.ShiftID)
}

func (s *Sagas) recordTimesheet(ctx context.Context, sc *saga.Context) (saga.StepResult, error) {
	var closed closedShift
	if err := saga.BindResult(sc, "close_shift", &closed); err != nil {
		return saga.StepResult{}, err
	}

	ts := &model.Timesheet{
		ShiftID:    closed.ShiftID,
		EmployeeID: closed.EmployeeID,
		Hours:      workedHours(closed.StartedAt, closed.EndedAt),
		RecordedAt: s.deps.Now(),
	}
	if err := s.deps.Timesheets.Create(ctx, ts); err != nil {
		return saga.StepResult{}, err
	}
	return saga.Succeeded(map[string]interface{}{
		"timesheet_id": ts.ID,
		"hours":        ts.Hours,
	}), nil
}

func (s *Sagas) deleteTimesheet(ctx context.Context, sc *saga.Context) error {
	var recorded recordedTimesheet
	if err := saga.BindResult(sc, "record_timesheet", &recorded); err != nil {
		return err
	}
	err := s.deps.Timesheets.Delete(ctx, recorded.TimesheetID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Sagas) enqueue(ctx context.Context, n model.Notification, priority int) (*queue.Job, error) {
	if s.deps.Jobs == nil {
		return nil, errors.New("no job queue configured")
	}
	return s.deps.Jobs.Add(ctx, NotificationJobType, n, &queue.Options{Priority: priority})
}

// workedHours rounds to two decimals.
func workedHours(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return float64(d.Round(36*time.Second)) / float64(time.Hour)
}
