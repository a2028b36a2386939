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

// Package repository provides in-memory stores for the workforce entities.
package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/innovationmech/orchestra/internal/workforce/model"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrShiftNotOpen   = errors.New("shift is not open")
	ErrShiftOpen      = errors.New("employee already has an open shift")
)

type EmployeeRepository interface {
	Create(ctx context.Context, employee *model.Employee) error
	Get(ctx context.Context, id string) (*model.Employee, error)
	List(ctx context.Context) ([]*model.Employee, error)
	Delete(ctx context.Context, id string) error
}

type ShiftRepository interface {
	Open(ctx context.Context, shift *model.Shift) error
	Get(ctx context.Context, id string) (*model.Shift, error)
	OpenFor(ctx context.Context, employeeID string) (*model.Shift, error)
	Close(ctx context.Context, id string, at time.Time) (*model.Shift, error)
	Reopen(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

type TimesheetRepository interface {
	Create(ctx context.Context, ts *model.Timesheet) error
	ListFor(ctx context.Context, employeeID string) ([]*model.Timesheet, error)
	Delete(ctx context.Context, id string) error
}

type employeeRepository struct {
	mu        sync.RWMutex
	employees map[string]*model.Employee
}

func NewEmployeeRepository() EmployeeRepository {
	return &employeeRepository{employees: make(map[string]*model.Employee)}
}

func (r *employeeRepository) Create(ctx context.Context, employee *model.Employee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.employees {
		if strings.EqualFold(e.Email, employee.Email) {
			return ErrDuplicateEmail
		}
	}
	if employee.ID == "" {
		employee.ID = uuid.NewString()
	}
	cp := *employee
	r.employees[employee.ID] = &cp
	return nil
}

func (r *employeeRepository) Get(ctx context.Context, id string) (*model.Employee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.employees[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *employeeRepository) List(ctx context.Context) ([]*model.Employee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Employee, 0, len(r.employees))
	for _, e := range r.employees {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *employeeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.employees[id]; !ok {
		return ErrNotFound
	}
	delete(r.employees, id)
	return nil
}

type shiftRepository struct {
	mu     sync.RWMutex
	shifts map[string]*model.Shift
}

func NewShiftRepository() ShiftRepository {
	return &shiftRepository{shifts: make(map[string]*model.Shift)}
}

func copyShift(s *model.Shift) *model.Shift {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Open stores a new open shift. An employee has at most one open shift.
func (r *shiftRepository) Open(ctx context.Context, shift *model.Shift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.shifts {
		if s.EmployeeID == shift.EmployeeID && s.Status == model.ShiftOpen {
			return ErrShiftOpen
		}
	}
	if shift.ID == "" {
		shift.ID = uuid.NewString()
	}
	shift.Status = model.ShiftOpen
	shift.EndedAt = nil
	r.shifts[shift.ID] = copyShift(shift)
	return nil
}

func (r *shiftRepository) Get(ctx context.Context, id string) (*model.Shift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shifts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyShift(s), nil
}

func (r *shiftRepository) OpenFor(ctx context.Context, employeeID string) (*model.Shift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shifts {
		if s.EmployeeID == employeeID && s.Status == model.ShiftOpen {
			return copyShift(s), nil
		}
	}
	return nil, ErrNotFound
}

func (r *shiftRepository) Close(ctx context.Context, id string, at time.Time) (*model.Shift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shifts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != model.ShiftOpen {
		return nil, ErrShiftNotOpen
	}
	s.Status = model.ShiftClosed
	s.EndedAt = &at
	return copyShift(s), nil
}

func (r *shiftRepository) Reopen(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shifts[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = model.ShiftOpen
	s.EndedAt = nil
	return nil
}

func (r *shiftRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shifts[id]; !ok {
		return ErrNotFound
	}
	delete(r.shifts, id)
	return nil
}

type timesheetRepository struct {
	mu         sync.RWMutex
	timesheets map[string]*model.Timesheet
}

func NewTimesheetRepository() TimesheetRepository {
	return &timesheetRepository{timesheets: make(map[string]*model.Timesheet)}
}

func (r *timesheetRepository) Create(ctx context.Context, ts *model.Timesheet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	cp := *ts
	r.timesheets[ts.ID] = &cp
	return nil
}

func (r *timesheetRepository) ListFor(ctx context.Context, employeeID string) ([]*model.Timesheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Timesheet
	for _, ts := range r.timesheets {
		if ts.EmployeeID == employeeID {
			cp := *ts
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (r *timesheetRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timesheets[id]; !ok {
		return ErrNotFound
	}
	delete(r.timesheets, id)
	return nil
}
