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

// Package saga implements an in-process saga orchestrator. A saga is an
// ordered list of steps, each with a forward action and an optional
// compensating action. The Manager runs steps strictly in definition order,
// retries failed steps with backoff, undoes completed steps in reverse order
// when a step asks for compensation, and publishes lifecycle events.
//
// Every mutation of an instance happens while holding that instance's lock,
// so concurrent ContinueSaga or CompensateSaga calls for the same id never
// run the same step twice. Event handlers run while the lock is held and must
// not call back into mutating Manager methods for the same saga.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/retry"
)

const (
	// DefaultCleanupMaxAge is used by CleanupCompletedSagas when maxAge is not positive.
	DefaultCleanupMaxAge = 24 * time.Hour

	tracerName = "github.com/innovationmech/orchestra/pkg/saga"
)

// DefaultRetryPolicy returns the policy applied to unset RetryPolicy fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// ManagerConfig contains the collaborators of a Manager.
type ManagerConfig struct {
	// Store persists instances. Defaults to a MemoryStore.
	Store Store

	// Publisher receives lifecycle events. Defaults to a private bus with no handlers.
	Publisher eventbus.Publisher

	// Logger defaults to the global logger.
	Logger *zap.Logger

	// Metrics defaults to a no-op collector.
	Metrics MetricsCollector

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer

	// DefaultRetryPolicy fills unset fields of definition retry policies.
	DefaultRetryPolicy *RetryPolicy
}

// Manager starts and drives saga instances.
type Manager struct {
	store     Store
	publisher eventbus.Publisher
	logger    *zap.Logger
	metrics   MetricsCollector
	tracer    trace.Tracer
	policy    RetryPolicy

	defsMu      sync.RWMutex
	definitions map[string]*Definition

	locks *keyedMutex

	// mu guards the timer and cancellation bookkeeping below.
	mu       sync.Mutex
	closed   bool
	timeouts map[string]*time.Timer
	retries  map[string]*time.Timer
	running  map[string]context.CancelFunc
	expired  map[string]bool
	aborting map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. A nil config uses defaults.
func NewManager(config *ManagerConfig) *Manager {
	if config == nil {
		config = &ManagerConfig{}
	}
	m := &Manager{
		store:       config.Store,
		publisher:   config.Publisher,
		logger:      logger.OrGlobal(config.Logger),
		metrics:     config.Metrics,
		tracer:      config.Tracer,
		policy:      DefaultRetryPolicy(),
		definitions: make(map[string]*Definition),
		locks:       newKeyedMutex(),
		timeouts:    make(map[string]*time.Timer),
		retries:     make(map[string]*time.Timer),
		running:     make(map[string]context.CancelFunc),
		expired:     make(map[string]bool),
		aborting:    make(map[string]int),
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.publisher == nil {
		m.publisher = eventbus.NewBus(&eventbus.Config{Logger: m.logger})
	}
	if m.metrics == nil {
		m.metrics = noOpMetricsCollector{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if config.DefaultRetryPolicy != nil {
		m.policy = mergePolicy(*config.DefaultRetryPolicy, m.policy)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func mergePolicy(p, defaults RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaults.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// RegisterDefinition validates and stores a definition. Ids must be unique.
func (m *Manager) RegisterDefinition(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Steps = append([]Step(nil), def.Steps...)
	def.RetryPolicy = mergePolicy(def.RetryPolicy, m.policy)

	m.defsMu.Lock()
	defer m.defsMu.Unlock()
	if _, exists := m.definitions[def.ID]; exists {
		return NewValidationError("definition " + def.ID + " is already registered")
	}
	m.definitions[def.ID] = &def

	m.logger.Info("saga definition registered",
		zap.String("definition_id", def.ID),
		zap.Int("steps", len(def.Steps)))
	return nil
}

// Definition returns a registered definition.
func (m *Manager) Definition(id string) (*Definition, bool) {
	m.defsMu.RLock()
	defer m.defsMu.RUnlock()
	def, ok := m.definitions[id]
	return def, ok
}

// Definitions returns the ids of all registered definitions in sorted order.
func (m *Manager) Definitions() []string {
	m.defsMu.RLock()
	ids := make([]string, 0, len(m.definitions))
	for id := range m.definitions {
		ids = append(ids, id)
	}
	m.defsMu.RUnlock()
	sort.Strings(ids)
	return ids
}

// StartSaga creates an instance of a definition and starts executing it in
// the background. It returns once the instance is persisted and the
// saga.started event is published.
func (m *Manager) StartSaga(ctx context.Context, definitionID, correlationID string, data map[string]interface{}) (string, error) {
	if m.isClosed() {
		return "", ErrManagerClosed
	}
	def, ok := m.Definition(definitionID)
	if !ok {
		return "", NewDefinitionNotFoundError(definitionID)
	}

	now := time.Now()
	id := uuid.NewString()
	inst := &Instance{
		ID:            id,
		DefinitionID:  def.ID,
		CorrelationID: correlationID,
		Status:        StatusStarted,
		Context:       NewContext(id, correlationID, data),
		MaxAttempts:   def.RetryPolicy.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if def.Timeout > 0 {
		deadline := now.Add(def.Timeout)
		inst.Deadline = &deadline
	}

	if err := m.store.Put(ctx, inst); err != nil {
		return "", NewStorageError("put", err)
	}
	m.metrics.RecordSagaStarted(def.ID)
	m.logger.Info("saga started",
		zap.String("saga_id", id),
		zap.String("definition_id", def.ID),
		zap.String("correlation_id", correlationID))
	m.publish(ctx, EventSagaStarted, inst, "", nil)

	if def.Timeout > 0 {
		m.armTimeout(id, def.Timeout)
	}
	if m.enter() {
		go func() {
			defer m.wg.Done()
			m.continueInBackground(id)
		}()
	}
	return id, nil
}

// ContinueSaga runs the remaining steps of an instance until it completes,
// fails, starts compensating or schedules a retry. Terminal and compensating
// instances are left untouched.
func (m *Manager) ContinueSaga(ctx context.Context, sagaID string) error {
	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, err := m.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() || inst.Status == StatusCompensating || m.isExpired(sagaID) {
		return nil
	}
	def, ok := m.Definition(inst.DefinitionID)
	if !ok {
		return NewDefinitionNotFoundError(inst.DefinitionID)
	}
	return m.drive(ctx, def, inst)
}

// CompensateSaga aborts a non-terminal instance and undoes its completed
// steps in reverse order. A running step has its context cancelled and no
// further steps are started.
func (m *Manager) CompensateSaga(ctx context.Context, sagaID string) error {
	m.requestAbort(sagaID)
	defer m.releaseAbort(sagaID)

	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, err := m.load(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return NewInvalidSagaStateError(sagaID, inst.Status, "compensate")
	}
	def, ok := m.Definition(inst.DefinitionID)
	if !ok {
		return NewDefinitionNotFoundError(inst.DefinitionID)
	}
	m.stopRetry(sagaID)
	return m.compensate(ctx, def, inst)
}

// GetSagaStatus returns a snapshot of an instance.
func (m *Manager) GetSagaStatus(ctx context.Context, sagaID string) (*Instance, error) {
	return m.load(ctx, sagaID)
}

// GetAllSagas returns snapshots ordered by creation time. An empty
// correlation id returns every instance.
func (m *Manager) GetAllSagas(ctx context.Context, correlationID string) ([]*Instance, error) {
	var (
		out []*Instance
		err error
	)
	if correlationID == "" {
		out, err = m.store.List(ctx)
	} else {
		out, err = m.store.ScanByCorrelation(ctx, correlationID)
	}
	if err != nil {
		return nil, NewStorageError("list", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CleanupCompletedSagas deletes terminal instances that finished more than
// maxAge ago and returns how many were removed.
func (m *Manager) CleanupCompletedSagas(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, NewStorageError("list", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, inst := range all {
		if !inst.Status.IsTerminal() || finishedAt(inst).After(cutoff) {
			continue
		}
		unlock := m.locks.Lock(inst.ID)
		err := m.store.Delete(ctx, inst.ID)
		unlock()
		if err != nil {
			return removed, NewStorageError("delete", err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleaned up finished sagas", zap.Int("count", removed), zap.Duration("max_age", maxAge))
	}
	return removed, nil
}

func finishedAt(inst *Instance) time.Time {
	if inst.CompletedAt != nil {
		return *inst.CompletedAt
	}
	return inst.UpdatedAt
}

// StartCleanupLoop runs CleanupCompletedSagas every interval until ctx is
// cancelled or the manager is closed.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || !m.enter() {
		return
	}
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupCompletedSagas(ctx, maxAge); err != nil {
					m.logger.Error("saga cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops all timers, cancels running steps and waits for background
// work to finish. Instances keep their last persisted status.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.timeouts {
		t.Stop()
		delete(m.timeouts, id)
	}
	for id, t := range m.retries {
		t.Stop()
		delete(m.retries, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("saga manager closed")
	return nil
}

// drive executes steps until the instance leaves the forward path. The
// instance lock must be held.
func (m *Manager) drive(ctx context.Context, def *Definition, inst *Instance) error {
	for {
		step := nextStep(def, inst.Context)
		if step == nil {
			return m.complete(ctx, def, inst)
		}
		if m.isExpired(inst.ID) || m.isAborting(inst.ID) {
			return nil
		}
		if inst.deadlineExceeded(time.Now()) {
			return m.expire(ctx, def, inst)
		}

		inst.Status = StatusRunning
		inst.CurrentStepID = step.ID
		if err := m.save(ctx, inst); err != nil {
			return m.abort(ctx, def, inst, err)
		}

		out := m.executeStep(ctx, def, inst, step)
		if out.panic != nil {
			return m.fail(ctx, def, inst, out.panic)
		}

		result, err := out.result, out.err
		if err == nil && result.Success {
			inst.Context.record(step.ID, result)
			inst.Error = ""
			if err := m.save(ctx, inst); err != nil {
				return m.abort(ctx, def, inst, err)
			}
			m.publish(ctx, EventStepCompleted, inst, step.ID, nil)
			continue
		}

		failure := result.Error
		if err != nil {
			failure = err.Error()
		} else if failure == "" {
			failure = "step reported failure"
		}
		inst.Error = failure
		m.logger.Warn("saga step failed",
			zap.String("saga_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.Int("attempts", inst.Attempts),
			zap.String("error", failure))
		m.publish(ctx, EventStepFailed, inst, step.ID, func(p *EventPayload) { p.Error = failure })

		if m.isExpired(inst.ID) || m.isAborting(inst.ID) {
			return m.saveOrAbort(ctx, def, inst)
		}
		if inst.deadlineExceeded(time.Now()) {
			return m.expire(ctx, def, inst)
		}
		if err == nil && result.ShouldCompensate {
			return m.compensate(ctx, def, inst)
		}
		return m.scheduleRetry(ctx, def, inst, step, failure)
	}
}

func nextStep(def *Definition, sc *Context) *Step {
	for i := range def.Steps {
		if !sc.HasResult(def.Steps[i].ID) {
			return &def.Steps[i]
		}
	}
	return nil
}

type stepOutcome struct {
	result StepResult
	err    error
	panic  *SagaError
}

func (o *stepOutcome) succeeded() bool {
	return o.panic == nil && o.err == nil && o.result.Success
}

// executeStep runs the forward action inside a span and converts a panic
// into a STEP_PANICKED error.
func (m *Manager) executeStep(ctx context.Context, def *Definition, inst *Instance, step *Step) (out stepOutcome) {
	stepCtx, cancel := m.stepContext(ctx, inst)
	defer cancel()

	stepCtx, span := m.tracer.Start(stepCtx, "saga.step "+step.ID,
		trace.WithAttributes(
			attribute.String("saga.id", inst.ID),
			attribute.String("saga.definition_id", def.ID),
			attribute.String("saga.step_id", step.ID),
			attribute.Int("saga.attempts", inst.Attempts),
		))
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			out.panic = NewStepPanicError(step.ID, r)
			m.logger.Error("saga step panicked",
				zap.String("saga_id", inst.ID),
				zap.String("step_id", step.ID),
				zap.Any("panic", r))
		}
		switch {
		case out.panic != nil:
			span.RecordError(out.panic)
			span.SetStatus(codes.Error, out.panic.Message)
		case out.err != nil:
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		case !out.result.Success:
			span.SetStatus(codes.Error, out.result.Error)
		}
		span.End()
		m.metrics.RecordStepExecuted(def.ID, step.ID, out.succeeded(), time.Since(started))
	}()

	out.result, out.err = step.Execute(stepCtx, inst.Context)
	return out
}

// stepContext derives the context a step runs with. It is cancelled when the
// instance deadline passes or the timeout timer fires.
func (m *Manager) stepContext(ctx context.Context, inst *Instance) (context.Context, context.CancelFunc) {
	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)
	if inst.Deadline != nil {
		stepCtx, cancel = context.WithDeadline(ctx, *inst.Deadline)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}

	m.mu.Lock()
	m.running[inst.ID] = cancel
	m.mu.Unlock()

	return stepCtx, func() {
		m.mu.Lock()
		delete(m.running, inst.ID)
		m.mu.Unlock()
		cancel()
	}
}

func (m *Manager) scheduleRetry(ctx context.Context, def *Definition, inst *Instance, step *Step, failure string) error {
	inst.Attempts++
	if inst.Attempts >= inst.MaxAttempts {
		return m.fail(ctx, def, inst, NewRetryExhaustedError(step.ID, inst.Attempts, errors.New(failure)))
	}

	delay := retryDelay(def.RetryPolicy, inst.Attempts)
	if err := m.save(ctx, inst); err != nil {
		return m.abort(ctx, def, inst, err)
	}
	m.metrics.RecordStepRetried(def.ID, step.ID, inst.Attempts)
	m.logger.Info("saga step retry scheduled",
		zap.String("saga_id", inst.ID),
		zap.String("step_id", step.ID),
		zap.Int("attempts", inst.Attempts),
		zap.Int("max_attempts", inst.MaxAttempts),
		zap.Duration("delay", delay))
	m.publish(ctx, EventRetryScheduled, inst, step.ID, func(p *EventPayload) {
		p.Delay = delay.String()
		p.Error = failure
	})
	m.armRetry(inst.ID, delay)
	return nil
}

// retryDelay returns base * multiplier^(attempts-1), capped at MaxDelay. A
// multiplier of 1 or less yields a fixed delay.
func retryDelay(p RetryPolicy, attempts int) time.Duration {
	cfg := &retry.Config{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.BaseDelay,
		MaxDelay:     p.MaxDelay,
	}
	if p.Multiplier <= 1 {
		return retry.NewFixedIntervalPolicy(cfg, p.BaseDelay).GetRetryDelay(attempts)
	}
	return retry.NewExponentialBackoffPolicy(cfg, p.Multiplier, 0).GetRetryDelay(attempts)
}

func (m *Manager) complete(ctx context.Context, def *Definition, inst *Instance) error {
	m.finish(inst, StatusCompleted)
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.Info("saga completed",
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("steps", len(inst.Context.StepResults)))
	m.publish(ctx, EventSagaCompleted, inst, "", nil)
	return nil
}

func (m *Manager) fail(ctx context.Context, def *Definition, inst *Instance, cause *SagaError) error {
	inst.Error = cause.Error()
	m.finish(inst, StatusFailed)
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.Error("saga failed",
		zap.String("saga_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.Int("attempts", inst.Attempts),
		zap.Error(cause))
	m.publish(ctx, EventSagaFailed, inst, inst.CurrentStepID, func(p *EventPayload) { p.Error = inst.Error })
	return nil
}

// abort handles a store failure on the forward path: it tries to persist a
// FAILED status and returns the original storage error.
func (m *Manager) abort(ctx context.Context, def *Definition, inst *Instance, storeErr error) error {
	m.logger.Error("saga state could not be stored",
		zap.String("saga_id", inst.ID),
		zap.Error(storeErr))
	_ = m.fail(ctx, def, inst, NewStorageError("put", storeErr))
	return storeErr
}

func (m *Manager) saveOrAbort(ctx context.Context, def *Definition, inst *Instance) error {
	if err := m.save(ctx, inst); err != nil {
		return m.abort(ctx, def, inst, err)
	}
	return nil
}

func (m *Manager) compensate(ctx context.Context, def *Definition, inst *Instance) error {
	inst.Status = StatusCompensating
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.Info("saga compensating",
		zap.String("saga_id", inst.ID),
		zap.Int("completed_steps", len(inst.Context.StepResults)))
	m.publish(ctx, EventSagaCompensating, inst, inst.CurrentStepID, nil)

	m.compensateSteps(ctx, def, inst)

	m.finish(inst, StatusCompensated)
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.Info("saga compensated", zap.String("saga_id", inst.ID))
	m.publish(ctx, EventSagaCompensated, inst, "", func(p *EventPayload) { p.Error = inst.Error })
	return nil
}

// compensateSteps undoes completed steps newest first. Each compensating
// action is attempted at most once per instance; failures are logged and the
// sweep continues.
func (m *Manager) compensateSteps(ctx context.Context, def *Definition, inst *Instance) {
	results := inst.Context.StepResults
	for i := len(results) - 1; i >= 0; i-- {
		stepID := results[i].StepID
		if inst.compensated(stepID) {
			continue
		}
		step, ok := def.Step(stepID)
		if !ok {
			m.logger.Warn("skipping compensation of unknown step",
				zap.String("saga_id", inst.ID),
				zap.Error(NewStepNotFoundError(def.ID, stepID)))
			continue
		}
		if step.Compensate == nil {
			continue
		}

		inst.CompensatedSteps = append(inst.CompensatedSteps, stepID)
		if err := m.save(ctx, inst); err != nil {
			m.logger.Error("failed to record compensation", zap.String("saga_id", inst.ID), zap.Error(err))
		}
		if err := m.runCompensation(ctx, def, inst, step); err != nil {
			m.logger.Error("compensation failed, continuing",
				zap.String("saga_id", inst.ID),
				zap.String("step_id", stepID),
				zap.Error(err))
		}
	}
}

func (m *Manager) runCompensation(ctx context.Context, def *Definition, inst *Instance, step *Step) (err error) {
	ctx, span := m.tracer.Start(ctx, "saga.compensate "+step.ID,
		trace.WithAttributes(
			attribute.String("saga.id", inst.ID),
			attribute.String("saga.definition_id", def.ID),
			attribute.String("saga.step_id", step.ID),
		))
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation of step %s panicked: %v", step.ID, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.RecordCompensationExecuted(def.ID, step.ID, err == nil, time.Since(started))
	}()
	return step.Compensate(ctx, inst.Context)
}

// onTimeout cancels the running step of an instance and then expires it.
func (m *Manager) onTimeout(sagaID string) {
	m.mu.Lock()
	m.expired[sagaID] = true
	if cancel, ok := m.running[sagaID]; ok {
		cancel()
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.expired, sagaID)
		m.mu.Unlock()
	}()

	unlock := m.locks.Lock(sagaID)
	defer unlock()

	inst, err := m.load(m.ctx, sagaID)
	if err != nil {
		m.logger.Error("timed out saga could not be loaded", zap.String("saga_id", sagaID), zap.Error(err))
		return
	}
	if inst.Status.IsTerminal() {
		return
	}
	def, ok := m.Definition(inst.DefinitionID)
	if !ok {
		m.logger.Error("timed out saga has no definition", zap.String("saga_id", sagaID))
		return
	}
	if err := m.expire(m.ctx, def, inst); err != nil {
		m.logger.Error("failed to store saga timeout", zap.String("saga_id", sagaID), zap.Error(err))
	}
}

// expire forces a TIMEOUT transition and compensates completed steps
// best-effort. The status stays TIMEOUT. The instance lock must be held.
func (m *Manager) expire(ctx context.Context, def *Definition, inst *Instance) error {
	m.stopRetry(inst.ID)
	inst.Error = NewSagaTimeoutError(inst.ID, def.Timeout).Error()
	m.finish(inst, StatusTimeout)
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.Warn("saga timed out",
		zap.String("saga_id", inst.ID),
		zap.Duration("timeout", def.Timeout),
		zap.String("current_step_id", inst.CurrentStepID))
	m.publish(ctx, EventSagaTimeout, inst, inst.CurrentStepID, func(p *EventPayload) { p.Error = inst.Error })

	m.compensateSteps(ctx, def, inst)
	return m.save(ctx, inst)
}

func (m *Manager) finish(inst *Instance, status Status) {
	now := time.Now()
	inst.Status = status
	inst.CompletedAt = &now
	m.stopTimeout(inst.ID)
	m.metrics.RecordSagaFinished(inst.DefinitionID, status, now.Sub(inst.CreatedAt))
}

func (m *Manager) load(ctx context.Context, sagaID string) (*Instance, error) {
	inst, err := m.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrSagaInstanceNotFound) {
			return nil, err
		}
		return nil, NewStorageError("get", err)
	}
	return inst, nil
}

func (m *Manager) save(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, inst); err != nil {
		return NewStorageError("put", err)
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, eventType string, inst *Instance, stepID string, decorate func(*EventPayload)) {
	payload := EventPayload{
		SagaID:       inst.ID,
		DefinitionID: inst.DefinitionID,
		Status:       inst.Status,
		StepID:       stepID,
		Attempts:     inst.Attempts,
	}
	if decorate != nil {
		decorate(&payload)
	}
	event := eventbus.NewEvent(eventType, payload).WithCorrelationID(inst.CorrelationID)
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish saga event",
			zap.String("saga_id", inst.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (m *Manager) continueInBackground(sagaID string) {
	if err := m.ContinueSaga(m.ctx, sagaID); err != nil {
		m.logger.Error("saga execution stopped with error",
			zap.String("saga_id", sagaID),
			zap.Error(err))
	}
}

// enter registers background work unless the manager is closed. Callers must
// call m.wg.Done when enter returns true.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) isExpired(sagaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired[sagaID]
}

// requestAbort makes drive stop at the next step boundary and cancels the
// step currently running for sagaID.
func (m *Manager) requestAbort(sagaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborting[sagaID]++
	if cancel, ok := m.running[sagaID]; ok {
		cancel()
	}
}

func (m *Manager) releaseAbort(sagaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborting[sagaID] <= 1 {
		delete(m.aborting, sagaID)
		return
	}
	m.aborting[sagaID]--
}

func (m *Manager) isAborting(sagaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborting[sagaID] > 0
}

func (m *Manager) armTimeout(sagaID string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		if m.timeouts[sagaID] == t {
			delete(m.timeouts, sagaID)
		}
		m.mu.Unlock()
		if !m.enter() {
			return
		}
		defer m.wg.Done()
		m.onTimeout(sagaID)
	})
	m.timeouts[sagaID] = t
}

func (m *Manager) armRetry(sagaID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.retries[sagaID]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.retries[sagaID] == t {
			delete(m.retries, sagaID)
		}
		m.mu.Unlock()
		if !m.enter() {
			return
		}
		defer m.wg.Done()
		m.continueInBackground(sagaID)
	})
	m.retries[sagaID] = t
}

func (m *Manager) stopTimeout(sagaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timeouts[sagaID]; ok {
		t.Stop()
		delete(m.timeouts, sagaID)
	}
}

func (m *Manager) stopRetry(sagaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retries[sagaID]; ok {
		t.Stop()
		delete(m.retries, sagaID)
	}
}
