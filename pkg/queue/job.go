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

package queue

import (
	"errors"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusWaiting marks a job that has not run yet or is scheduled for a retry.
	// A waiting job whose AvailableAt lies in the future is reported as delayed.
	StatusWaiting Status = "waiting"

	// StatusActive marks a job whose handler is currently running.
	StatusActive Status = "active"

	// StatusCompleted marks a job whose handler succeeded. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed marks a job that exhausted its attempts. Terminal.
	StatusFailed Status = "failed"
)

// IsTerminal returns true for completed and failed jobs.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BackoffType selects how the delay between attempts grows.
type BackoffType string

const (
	// BackoffFixed waits Delay before every retry.
	BackoffFixed BackoffType = "fixed"

	// BackoffExponential waits Delay * 2^attempts before a retry.
	BackoffExponential BackoffType = "exponential"
)

// Backoff configures the retry delay of a job.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Job is a scheduled unit of background work.
type Job struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Payload     interface{} `json:"payload,omitempty"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Backoff     Backoff     `json:"backoff"`
	Status      Status      `json:"status"`

	// Seq orders jobs created within the same clock tick.
	Seq uint64 `json:"seq"`

	CreatedAt   time.Time  `json:"created_at"`
	AvailableAt time.Time  `json:"available_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Bind decodes the payload into out, which must be a pointer. It accepts both
// the original payload value and the map form produced by a JSON-backed store.
func (j *Job) Bind(out interface{}) error {
	if j.Payload == nil {
		return errors.New("job has no payload")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(j.Payload)
}

// Clone returns a copy of the job that shares only the payload value.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ProcessedAt = copyTime(j.ProcessedAt)
	c.FinishedAt = copyTime(j.FinishedAt)
	c.FailedAt = copyTime(j.FailedAt)
	return &c
}

func (j *Job) isDelayed(now time.Time) bool {
	return j.Status == StatusWaiting && j.AvailableAt.After(now)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Options configures a job at creation. Zero values pick the queue defaults.
type Options struct {
	// Priority orders eligible jobs; higher runs first. Default 0.
	Priority int

	// Delay postpones the first attempt.
	Delay time.Duration

	// MaxAttempts bounds the number of handler invocations. Default 3.
	MaxAttempts int

	// Backoff overrides the queue's default retry backoff.
	Backoff *Backoff
}

// Stats summarizes the current job population.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
