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

// Package model holds the workforce entities touched by the example sagas.
package model

import "time"

// Employee is a registered staff member.
type Employee struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ManagerID string    `json:"manager_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ShiftStatus is the lifecycle state of a shift.
type ShiftStatus string

const (
	ShiftOpen   ShiftStatus = "open"
	ShiftClosed ShiftStatus = "closed"
)

// Shift is one clock-in/clock-out period.
type Shift struct {
	ID         string      `json:"id"`
	EmployeeID string      `json:"employee_id"`
	Status     ShiftStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
}

// Timesheet records worked hours for a closed shift.
type Timesheet struct {
	ID         string    `json:"id"`
	ShiftID    string    `json:"shift_id"`
	EmployeeID string    `json:"employee_id"`
	Hours      float64   `json:"hours"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Notification is the payload of a notification.send job.
type Notification struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// EmployeeInput is the employee_registration input under the "employeeData" key.
type EmployeeInput struct {
	Email     string `json:"email" validate:"required,email"`
	Name      string `json:"name" validate:"required"`
	ManagerID string `json:"manager_id,omitempty"`
}

// ShiftStartInput is the shift_start input under the "shift" key.
type ShiftStartInput struct {
	EmployeeID string `json:"employee_id" validate:"required"`
}

// ShiftEndInput is the shift_end input under the "shift" key.
type ShiftEndInput struct {
	ShiftID string `json:"shift_id" validate:"required"`
}
