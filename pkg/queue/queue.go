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

// Package queue implements a prioritized, delayed, retrying background job
// queue with a single processing loop per queue.
//
// Jobs are picked in order of priority (higher first), then creation time,
// then insertion sequence. At most one handler of a queue runs at any time.
// Delayed jobs and retries are woken by a single timer that always targets the
// earliest pending availability time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/retry"
)

const (
	// DefaultMaxAttempts is used when a job is added without MaxAttempts.
	DefaultMaxAttempts = 3

	// DefaultBackoffDelay is the base delay of the default exponential backoff.
	DefaultBackoffDelay = time.Second

	// DefaultMaxBackoff caps every retry delay.
	DefaultMaxBackoff = 30 * time.Second
)

// Handler processes one job. Returning nil completes the job; any other error
// schedules a retry until MaxAttempts is reached. Errors wrapped with
// Permanent fail the job at once.
type Handler func(ctx context.Context, job *Job) error

// Config contains configuration options for a queue.
type Config struct {
	// Name identifies the queue in logs and metrics.
	Name string

	// Store persists jobs. Defaults to a MemoryStore.
	Store Store

	// Logger defaults to the global logger.
	Logger *zap.Logger

	// Metrics defaults to a no-op collector.
	Metrics MetricsCollector

	// DefaultBackoff applies to jobs added without an explicit backoff.
	// Defaults to exponential with a one second base.
	DefaultBackoff Backoff

	// MaxBackoff caps retry delays. Defaults to 30s.
	MaxBackoff time.Duration
}

// Validate validates the queue configuration.
func (c *Config) Validate() error {
	if c.MaxBackoff < 0 {
		return errors.New("max backoff must not be negative")
	}
	if c.DefaultBackoff.Delay < 0 {
		return errors.New("default backoff delay must not be negative")
	}
	switch c.DefaultBackoff.Type {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff type %q", c.DefaultBackoff.Type)
	}
	return nil
}

// Queue schedules and executes jobs.
type Queue struct {
	name           string
	store          Store
	logger         *zap.Logger
	metrics        MetricsCollector
	defaultBackoff Backoff
	maxBackoff     time.Duration

	seq atomic.Uint64

	// claimMu serializes Remove with a job being marked active.
	claimMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	paused   bool
	closed   bool
	draining bool
	// pending records a trigger that arrived while a drain was running.
	pending   bool
	wake      *time.Timer
	wakeAt    time.Time
	unhandled map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. A nil config uses defaults.
func New(config *Config) (*Queue, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	q := &Queue{
		name:           config.Name,
		store:          config.Store,
		logger:         logger.OrGlobal(config.Logger),
		metrics:        config.Metrics,
		defaultBackoff: config.DefaultBackoff,
		maxBackoff:     config.MaxBackoff,
		handlers:       make(map[string]Handler),
		unhandled:      make(map[string]struct{}),
	}
	if q.name == "" {
		q.name = "default"
	}
	if q.store == nil {
		q.store = NewMemoryStore()
	}
	if q.metrics == nil {
		q.metrics = noOpMetricsCollector{}
	}
	if q.defaultBackoff.Type == "" {
		q.defaultBackoff.Type = BackoffExponential
	}
	if q.defaultBackoff.Delay == 0 {
		q.defaultBackoff.Delay = DefaultBackoffDelay
	}
	if q.maxBackoff == 0 {
		q.maxBackoff = DefaultMaxBackoff
	}
	q.logger = q.logger.With(zap.String("queue", q.name))
	q.ctx, q.cancel = context.WithCancel(context.Background())

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Add persists a new waiting job and triggers processing.
func (q *Queue) Add(ctx context.Context, jobType string, payload interface{}, opts *Options) (*Job, error) {
	if jobType == "" {
		return nil, ErrInvalidJobType
	}
	q.mu.Lock()
	closed, paused := q.closed, q.paused
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}
	if paused {
		return nil, ErrQueuePaused
	}

	if opts == nil {
		opts = &Options{}
	}
	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     q.defaultBackoff,
		Status:      StatusWaiting,
		Seq:         q.seq.Add(1),
		CreatedAt:   now,
		AvailableAt: now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Delay > 0 {
		job.AvailableAt = now.Add(opts.Delay)
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
		if job.Backoff.Type == "" {
			job.Backoff.Type = q.defaultBackoff.Type
		}
	}

	if err := q.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	q.metrics.RecordJobAdded(jobType)
	q.logger.Debug("job added",
		zap.String("job_id", job.ID),
		zap.String("job_type", jobType),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", opts.Delay))

	q.trigger()
	return job.Clone(), nil
}

// Process registers the handler for a job type and starts draining eligible
// jobs. Registering again replaces the previous handler.
func (q *Queue) Process(jobType string, handler Handler) {
	if handler == nil {
		return
	}
	q.mu.Lock()
	if _, exists := q.handlers[jobType]; exists {
		q.logger.Warn("replacing job handler", zap.String("job_type", jobType))
	}
	q.handlers[jobType] = handler
	q.mu.Unlock()

	q.trigger()
}

// Pause stops picking new jobs. The job currently running is allowed to finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.stopWakeLocked()
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume re-enables processing and drains every eligible job.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
	q.trigger()
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats counts jobs per status. Waiting jobs that are not yet available are
// reported as delayed.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	jobs, err := q.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list jobs: %w", err)
	}
	now := time.Now()
	var s Stats
	for _, j := range jobs {
		switch {
		case j.isDelayed(now):
			s.Delayed++
		case j.Status == StatusWaiting:
			s.Waiting++
		case j.Status == StatusActive:
			s.Active++
		case j.Status == StatusCompleted:
			s.Completed++
		case j.Status == StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// GetJob returns a snapshot of a job.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Remove deletes a job that is not currently running.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusActive {
		return ErrJobActive
	}
	return q.store.Delete(ctx, id)
}

// Clean deletes completed and failed jobs that finished more than olderThan
// ago and returns how many were removed.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := q.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, j := range jobs {
		if !j.Status.IsTerminal() || j.FinishedAt == nil || j.FinishedAt.After(cutoff) {
			continue
		}
		if err := q.store.Delete(ctx, j.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
			return removed, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		removed++
	}
	if removed > 0 {
		q.logger.Info("cleaned finished jobs", zap.Int("count", removed))
	}
	return removed, nil
}

// Close stops processing, cancels the context of a running handler and waits
// for the processing loop to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.stopWakeLocked()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.logger.Info("queue closed")
	return nil
}

// trigger starts the processing loop unless one is already running, in which
// case the loop is told to rescan before it goes idle.
func (q *Queue) trigger() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed {
		return
	}
	if q.draining {
		q.pending = true
		return
	}
	q.draining = true
	q.pending = false
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if q.paused || q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.pending = false
		handlers := make(map[string]Handler, len(q.handlers))
		for k, v := range q.handlers {
			handlers[k] = v
		}
		q.mu.Unlock()

		job, nextAt, err := q.next(handlers)
		if err != nil {
			q.logger.Error("failed to select next job", zap.Error(err))
		}

		if job == nil {
			q.mu.Lock()
			if q.pending && err == nil {
				q.mu.Unlock()
				continue
			}
			q.draining = false
			q.armWakeLocked(nextAt)
			q.mu.Unlock()
			return
		}

		q.run(job, handlers[job.Type])
		runtime.Gosched()
	}
}

// next returns the best eligible job, or nil together with the earliest
// future availability time among jobs that have a handler.
func (q *Queue) next(handlers map[string]Handler) (*Job, time.Time, error) {
	jobs, err := q.store.List(q.ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	now := time.Now()
	var best *Job
	var nextAt time.Time
	for _, j := range jobs {
		if j.Status != StatusWaiting {
			continue
		}
		if _, ok := handlers[j.Type]; !ok {
			q.noteUnhandled(j)
			continue
		}
		if j.AvailableAt.After(now) {
			if nextAt.IsZero() || j.AvailableAt.Before(nextAt) {
				nextAt = j.AvailableAt
			}
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	return best, nextAt, nil
}

func before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (q *Queue) noteUnhandled(j *Job) {
	q.mu.Lock()
	_, seen := q.unhandled[j.ID]
	if !seen {
		q.unhandled[j.ID] = struct{}{}
	}
	q.mu.Unlock()
	if !seen {
		q.logger.Warn("no handler registered for job type, skipping",
			zap.String("job_id", j.ID),
			zap.String("job_type", j.Type))
	}
}

// claim re-reads a selected job and marks it active. It returns nil when the
// job was removed or changed state after it was selected.
func (q *Queue) claim(id string, started time.Time) (*Job, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	job, err := q.store.Get(q.ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status != StatusWaiting {
		return nil, nil
	}
	job.Attempts++
	job.Status = StatusActive
	job.ProcessedAt = &started
	if err := q.store.Put(q.ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) run(selected *Job, h Handler) {
	started := time.Now()
	job, err := q.claim(selected.ID, started)
	if err != nil {
		q.logger.Error("failed to mark job active", zap.String("job_id", selected.ID), zap.Error(err))
		return
	}
	if job == nil {
		q.logger.Debug("selected job is gone, skipping", zap.String("job_id", selected.ID))
		return
	}

	err = q.invoke(h, job.Clone())
	finished := time.Now()
	q.metrics.RecordJobDuration(job.Type, finished.Sub(started))

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	}

	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.FinishedAt = &finished
		job.Error = ""
		q.metrics.RecordJobCompleted(job.Type)
		q.logger.Debug("job completed", fields...)

	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		job.Status = StatusFailed
		job.FinishedAt = &finished
		job.FailedAt = &finished
		job.Error = err.Error()
		q.metrics.RecordJobFailed(job.Type)
		q.logger.Warn("job failed", append(fields, zap.Error(err))...)

	default:
		delay := q.retryDelay(job)
		job.Status = StatusWaiting
		job.AvailableAt = finished.Add(delay)
		job.Error = err.Error()
		q.metrics.RecordJobRetried(job.Type)
		q.logger.Info("job scheduled for retry",
			append(fields, zap.Duration("delay", delay), zap.Error(err))...)
	}

	// Use a fresh context so the outcome is recorded even while closing.
	if err := q.store.Put(context.Background(), job); err != nil {
		q.logger.Error("failed to store job outcome", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) invoke(h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(q.ctx, job)
}

// retryDelay computes the wait before the next attempt of a job that has
// already run job.Attempts times.
func (q *Queue) retryDelay(job *Job) time.Duration {
	cfg := &retry.Config{
		MaxAttempts:  job.MaxAttempts,
		InitialDelay: job.Backoff.Delay,
		MaxDelay:     q.maxBackoff,
	}
	if job.Backoff.Type == BackoffFixed {
		return retry.NewFixedIntervalPolicy(cfg, job.Backoff.Delay).GetRetryDelay(job.Attempts)
	}
	// delay * 2^attempts
	return retry.NewExponentialBackoffPolicy(cfg, 2, 0).GetRetryDelay(job.Attempts + 1)
}

func (q *Queue) armWakeLocked(at time.Time) {
	if at.IsZero() {
		return
	}
	if q.wake != nil && q.wakeAt.Equal(at) {
		return
	}
	q.stopWakeLocked()
	q.wakeAt = at
	var t *time.Timer
	// The callback blocks on q.mu until t is assigned.
	t = time.AfterFunc(time.Until(at), func() {
		q.mu.Lock()
		if q.wake == t {
			q.wake = nil
			q.wakeAt = time.Time{}
		}
		q.mu.Unlock()
		q.trigger()
	})
	q.wake = t
}

func (q *Queue) stopWakeLocked() {
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
		q.wakeAt = time.Time{}
	}
}
