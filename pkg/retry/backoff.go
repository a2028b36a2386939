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

package retry

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoffPolicy implements exponential backoff.
// Formula: delay = InitialDelay * (Multiplier ^ (attempt - 1)), capped at MaxDelay.
type ExponentialBackoffPolicy struct {
	// Config is the base retry configuration
	Config *Config

	// Multiplier is the factor by which the delay grows with each attempt.
	Multiplier float64

	// Jitter adds randomness to delays, between 0.0 (none) and 1.0.
	// Delays stay within [delay*(1-Jitter), delay] so the cap still holds.
	Jitter float64
}

// NewExponentialBackoffPolicy creates a new exponential backoff retry policy.
// A multiplier below 1.0 falls back to doubling.
func NewExponentialBackoffPolicy(config *Config, multiplier, jitter float64) *ExponentialBackoffPolicy {
	if config == nil {
		config = DefaultConfig()
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	if jitter < 0.0 {
		jitter = 0.0
	}
	if jitter > 1.0 {
		jitter = 1.0
	}

	return &ExponentialBackoffPolicy{
		Config:     config,
		Multiplier: multiplier,
		Jitter:     jitter,
	}
}

// ShouldRetry determines if an operation should be retried.
func (p *ExponentialBackoffPolicy) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(p.Config, err, attempt)
}

// GetRetryDelay calculates the exponential backoff delay.
func (p *ExponentialBackoffPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := float64(p.Config.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	delay := capDelay(p.Config, base)

	if p.Jitter == 0.0 {
		return delay
	}
	// Shrink only, never grow past the cap.
	return time.Duration(float64(delay) * (1 - p.Jitter*rand.Float64()))
}

// GetMaxAttempts returns the maximum number of attempts.
func (p *ExponentialBackoffPolicy) GetMaxAttempts() int {
	return p.Config.MaxAttempts
}

// FixedIntervalPolicy waits the same interval before every retry.
type FixedIntervalPolicy struct {
	// Config is the base retry configuration
	Config *Config

	// Interval is the fixed delay between attempts.
	// If not specified, Config.InitialDelay is used.
	Interval time.Duration
}

// NewFixedIntervalPolicy creates a new fixed interval retry policy.
func NewFixedIntervalPolicy(config *Config, interval time.Duration) *FixedIntervalPolicy {
	if config == nil {
		config = DefaultConfig()
	}
	if interval <= 0 {
		interval = config.InitialDelay
	}

	return &FixedIntervalPolicy{
		Config:   config,
		Interval: interval,
	}
}

// ShouldRetry determines if an operation should be retried.
func (p *FixedIntervalPolicy) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(p.Config, err, attempt)
}

// GetRetryDelay returns the fixed interval, capped at MaxDelay.
func (p *FixedIntervalPolicy) GetRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return capDelay(p.Config, float64(p.Interval))
}

// GetMaxAttempts returns the maximum number of attempts.
func (p *FixedIntervalPolicy) GetMaxAttempts() int {
	return p.Config.MaxAttempts
}
