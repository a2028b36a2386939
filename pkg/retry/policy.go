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

// Package retry provides the backoff policies shared by the saga manager and
// the job queue.
package retry

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConfig is returned when the retry configuration is invalid.
	ErrInvalidConfig = errors.New("invalid retry configuration")
)

// Config defines the settings common to every backoff policy.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay. A value of 0 means no maximum.
	MaxDelay time.Duration
}

// Validate validates the retry configuration.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns a default retry configuration.
//   - MaxAttempts: 3
//   - InitialDelay: 1s
//   - MaxDelay: 30s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Policy decides whether and when a failed operation is attempted again.
type Policy interface {
	// ShouldRetry reports whether another attempt is allowed after attempt
	// (1-indexed) failed with err.
	ShouldRetry(err error, attempt int) bool

	// GetRetryDelay returns the delay before the retry that follows attempt.
	GetRetryDelay(attempt int) time.Duration

	// GetMaxAttempts returns the maximum number of attempts.
	GetMaxAttempts() int
}

func shouldRetry(c *Config, err error, attempt int) bool {
	if err == nil {
		return false
	}
	return attempt < c.MaxAttempts
}

func capDelay(c *Config, d float64) time.Duration {
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	if d >= float64(maxDuration) {
		return maxDuration
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

const maxDuration = time.Duration(1<<63 - 1)
