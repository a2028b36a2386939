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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) handle(_ context.Context, e eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) types(sagaID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if p, ok := e.Payload.(EventPayload); ok && p.SagaID == sagaID {
			out = append(out, e.Type)
		}
	}
	return out
}

func lastEvent(r *eventRecorder, sagaID string) string {
	types := r.types(sagaID)
	if len(types) == 0 {
		return ""
	}
	return types[len(types)-1]
}

func newTestManager(t *testing.T) (*Manager, *eventRecorder, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus(&eventbus.Config{Logger: zap.NewNop()})
	rec := &eventRecorder{}
	for _, et := range EventTypes() {
		bus.RegisterHandler(et, rec.handle)
	}
	m := NewManager(&ManagerConfig{
		Publisher: bus,
		Logger:    zap.NewNop(),
		DefaultRetryPolicy: &RetryPolicy{
			BaseDelay: time.Millisecond,
			MaxDelay:  5 * time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, rec, bus
}

func waitForSaga(t *testing.T, m *Manager, id string, status Status) *Instance {
	t.Helper()
	var inst *Instance
	require.Eventually(t, func() bool {
		got, err := m.GetSagaStatus(context.Background(), id)
		if err != nil {
			return false
		}
		inst = got
		return got.Status == status
	}, 3*time.Second, 5*time.Millisecond, "saga %s never reached %s", id, status)
	return inst
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func okStep(id string, log *callLog) Step {
	return Step{
		ID: id,
		Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
			log.add("exec:" + id)
			return Succeeded(map[string]interface{}{"step": id}), nil
		},
		Compensate: func(ctx context.Context, sc *Context) error {
			log.add("comp:" + id)
			return nil
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	noop := func(ctx context.Context, sc *Context) (StepResult, error) { return Succeeded(nil), nil }

	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{"valid", Definition{ID: "d", Steps: []Step{{ID: "a", Execute: noop}}}, false},
		{"missing id", Definition{Steps: []Step{{ID: "a", Execute: noop}}}, true},
		{"no steps", Definition{ID: "d"}, true},
		{"step without id", Definition{ID: "d", Steps: []Step{{Execute: noop}}}, true},
		{"duplicate step", Definition{ID: "d", Steps: []Step{{ID: "a", Execute: noop}, {ID: "a", Execute: noop}}}, true},
		{"missing execute", Definition{ID: "d", Steps: []Step{{ID: "a"}}}, true},
		{"negative timeout", Definition{ID: "d", Steps: []Step{{ID: "a", Execute: noop}}, Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				require.Error(t, err)
				var sagaErr *SagaError
				require.ErrorAs(t, err, &sagaErr)
				assert.Equal(t, ErrCodeValidationError, sagaErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_RegisterDefinition(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}

	require.NoError(t, m.RegisterDefinition(Definition{ID: "b", Steps: []Step{okStep("x", log)}}))
	require.NoError(t, m.RegisterDefinition(Definition{ID: "a", Steps: []Step{okStep("x", log)}}))
	assert.Error(t, m.RegisterDefinition(Definition{ID: "a", Steps: []Step{okStep("x", log)}}))

	assert.Equal(t, []string{"a", "b"}, m.Definitions())

	def, ok := m.Definition("a")
	require.True(t, ok)
	assert.Equal(t, 3, def.RetryPolicy.MaxAttempts)
	assert.Equal(t, time.Millisecond, def.RetryPolicy.BaseDelay)
	assert.Equal(t, 2.0, def.RetryPolicy.Multiplier)
}

func TestManager_HappyPath(t *testing.T) {
	m, rec, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{
		ID:    "employee_registration",
		Steps: []Step{okStep("create_employee", log), okStep("send_invitation", log)},
	}))

	id, err := m.StartSaga(context.Background(), "employee_registration", "corr-1", map[string]interface{}{
		"employeeData": map[string]interface{}{"name": "Ada"},
	})
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusCompleted)
	require.Len(t, inst.Context.StepResults, 2)
	assert.Equal(t, "create_employee", inst.Context.StepResults[0].StepID)
	assert.Equal(t, "send_invitation", inst.Context.StepResults[1].StepID)
	assert.Equal(t, "corr-1", inst.CorrelationID)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, 0, inst.Attempts)
	assert.Equal(t, []string{"exec:create_employee", "exec:send_invitation"}, log.get())

	require.Eventually(t, func() bool { return len(rec.types(id)) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		EventSagaStarted, EventStepCompleted, EventStepCompleted, EventSagaCompleted,
	}, rec.types(id))
}

func TestManager_StepResultCountMatchesSteps(t *testing.T) {
	m, _, _ := newTestManager(t)

	for n := 1; n <= 5; n++ {
		log := &callLog{}
		steps := make([]Step, n)
		for i := range steps {
			steps[i] = okStep(string(rune('a'+i)), log)
		}
		defID := "linear-" + string(rune('0'+n))
		require.NoError(t, m.RegisterDefinition(Definition{ID: defID, Steps: steps}))

		id, err := m.StartSaga(context.Background(), defID, "", nil)
		require.NoError(t, err)
		inst := waitForSaga(t, m, id, StatusCompleted)
		assert.Len(t, inst.Context.StepResults, n)
	}
}

func TestManager_CompensationOnRequest(t *testing.T) {
	m, rec, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "employee_registration",
		Steps: []Step{
			okStep("create_employee", log),
			{
				ID: "send_invitation",
				Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
					log.add("exec:send_invitation")
					return FailedAndCompensate(errors.New("mailbox rejected")), nil
				},
			},
		},
	}))

	id, err := m.StartSaga(context.Background(), "employee_registration", "corr-1", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusCompensated)
	assert.Equal(t, []string{"exec:create_employee", "exec:send_invitation", "comp:create_employee"}, log.get())
	assert.Equal(t, []string{"create_employee"}, inst.CompensatedSteps)
	assert.Equal(t, "mailbox rejected", inst.Error)
	require.Len(t, inst.Context.StepResults, 1)

	require.Eventually(t, func() bool { return len(rec.types(id)) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		EventSagaStarted, EventStepCompleted, EventStepFailed,
		EventSagaCompensating, EventSagaCompensated,
	}, rec.types(id))
}

func TestManager_CompensationReverseOrderSkipsMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}

	noComp := okStep("b", log)
	noComp.Compensate = nil
	failing := Step{
		ID: "d",
		Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
			return FailedAndCompensate(nil), nil
		},
		Compensate: func(ctx context.Context, sc *Context) error {
			log.add("comp:d")
			return nil
		},
	}
	brokenComp := okStep("c", log)
	brokenComp.Compensate = func(ctx context.Context, sc *Context) error {
		log.add("comp:c")
		return errors.New("ledger offline")
	}

	require.NoError(t, m.RegisterDefinition(Definition{
		ID:    "four",
		Steps: []Step{okStep("a", log), noComp, brokenComp, failing},
	}))

	id, err := m.StartSaga(context.Background(), "four", "", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusCompensated)
	assert.Equal(t, []string{"exec:a", "exec:b", "exec:c", "comp:c", "comp:a"}, log.get())
	assert.Equal(t, []string{"c", "a"}, inst.CompensatedSteps)
	assert.NotContains(t, inst.Error, "ledger offline")
}

func TestManager_RetryExhausted(t *testing.T) {
	m, rec, _ := newTestManager(t)

	var calls atomic.Int32
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "flaky",
		Steps: []Step{{
			ID: "call_api",
			Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				calls.Add(1)
				return Failed(errors.New("503")), nil
			},
		}},
		RetryPolicy: RetryPolicy{MaxAttempts: 3},
	}))

	id, err := m.StartSaga(context.Background(), "flaky", "", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusFailed)
	assert.Equal(t, inst.MaxAttempts, inst.Attempts)
	assert.Equal(t, 3, inst.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, inst.Error, ErrCodeRetryExhausted)
	assert.Contains(t, inst.Error, "503")
	assert.Empty(t, inst.Context.StepResults)

	require.Eventually(t, func() bool { return lastEvent(rec, id) == EventSagaFailed }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.types(id), EventRetryScheduled)
}

func TestManager_RetryThenSucceed(t *testing.T) {
	m, _, _ := newTestManager(t)

	var calls atomic.Int32
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "eventually",
		Steps: []Step{{
			ID: "call_api",
			Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				if calls.Add(1) < 2 {
					return StepResult{}, errors.New("connection reset")
				}
				return Succeeded("ok"), nil
			},
		}},
	}))

	id, err := m.StartSaga(context.Background(), "eventually", "", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusCompleted)
	assert.Equal(t, 1, inst.Attempts)
	assert.Empty(t, inst.Error)
}

func TestManager_PanicFailsSaga(t *testing.T) {
	m, rec, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "explodes",
		Steps: []Step{
			okStep("a", log),
			{ID: "b", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				panic("index out of range")
			}},
		},
	}))

	id, err := m.StartSaga(context.Background(), "explodes", "", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusFailed)
	assert.Contains(t, inst.Error, ErrCodeStepPanicked)
	assert.Equal(t, "b", inst.CurrentStepID)
	assert.Equal(t, []string{"exec:a"}, log.get())

	require.Eventually(t, func() bool { return lastEvent(rec, id) == EventSagaFailed }, time.Second, 5*time.Millisecond)
}

func TestManager_StartUnknownDefinition(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.StartSaga(context.Background(), "missing", "", nil)
	assert.ErrorIs(t, err, ErrSagaDefinitionNotFound)
	assert.True(t, IsDefinitionNotFound(err))
}

func TestManager_UnknownInstance(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.ContinueSaga(ctx, "nope"), ErrSagaInstanceNotFound)
	assert.ErrorIs(t, m.CompensateSaga(ctx, "nope"), ErrSagaInstanceNotFound)

	_, err := m.GetSagaStatus(ctx, "nope")
	assert.True(t, IsSagaNotFound(err))
}

func TestManager_TerminalInstanceIsFrozen(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	id, err := m.StartSaga(context.Background(), "one", "", nil)
	require.NoError(t, err)
	waitForSaga(t, m, id, StatusCompleted)

	require.NoError(t, m.ContinueSaga(context.Background(), id))
	err = m.CompensateSaga(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidSagaState)

	inst, err := m.GetSagaStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, []string{"exec:a"}, log.get())
}

func TestManager_ExternalAbortDuringRetry(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	var calls atomic.Int32
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "slow_retry",
		Steps: []Step{
			okStep("open_shift", log),
			{ID: "notify_manager", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				calls.Add(1)
				return Failed(errors.New("pager down")), nil
			}},
		},
		RetryPolicy: RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour},
	}))

	id, err := m.StartSaga(context.Background(), "slow_retry", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := m.GetSagaStatus(context.Background(), id)
		return err == nil && inst.Attempts == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.CompensateSaga(context.Background(), id))

	inst := waitForSaga(t, m, id, StatusCompensated)
	assert.Equal(t, []string{"open_shift"}, inst.CompensatedSteps)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"exec:open_shift", "comp:open_shift"}, log.get())
}

func compensateWithin(t *testing.T, m *Manager, id string, limit time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.CompensateSaga(context.Background(), id) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(limit):
		t.Fatalf("CompensateSaga did not return within %s", limit)
	}
}

func TestManager_AbortWhileStepRunning(t *testing.T) {
	tests := []struct {
		name            string
		onCancel        func(ctx context.Context) (StepResult, error)
		wantCompensated []string
		wantCalls       []string
	}{
		{
			name: "step returns the cancellation",
			onCancel: func(ctx context.Context) (StepResult, error) {
				return StepResult{}, ctx.Err()
			},
			wantCalls: []string{"exec:create_employee"},
		},
		{
			name: "step finishes despite cancellation",
			onCancel: func(ctx context.Context) (StepResult, error) {
				return Succeeded(map[string]interface{}{"employee_id": "e-1"}), nil
			},
			wantCompensated: []string{"create_employee"},
			wantCalls:       []string{"exec:create_employee", "comp:create_employee"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec, _ := newTestManager(t)
			log := &callLog{}
			started := make(chan struct{})
			require.NoError(t, m.RegisterDefinition(Definition{
				ID: "registration",
				Steps: []Step{
					{
						ID: "create_employee",
						Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
							log.add("exec:create_employee")
							close(started)
							<-ctx.Done()
							return tt.onCancel(ctx)
						},
						Compensate: func(ctx context.Context, sc *Context) error {
							log.add("comp:create_employee")
							return nil
						},
					},
					okStep("send_invitation", log),
					okStep("notify_manager", log),
				},
			}))

			id, err := m.StartSaga(context.Background(), "registration", "corr-abort", nil)
			require.NoError(t, err)
			<-started

			compensateWithin(t, m, id, 2*time.Second)

			inst := waitForSaga(t, m, id, StatusCompensated)
			assert.Equal(t, tt.wantCompensated, inst.CompensatedSteps)
			assert.Equal(t, tt.wantCalls, log.get())
			assert.Zero(t, inst.Attempts)
			assert.Contains(t, rec.types(id), EventSagaCompensated)
			assert.NotContains(t, rec.types(id), EventRetryScheduled)
		})
	}
}

func TestManager_TimeoutCompensatesCompletedSteps(t *testing.T) {
	m, rec, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "stuck",
		Steps: []Step{
			okStep("validate_employee", log),
			{ID: "open_shift", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				<-ctx.Done()
				return StepResult{}, ctx.Err()
			}},
		},
		Timeout: 50 * time.Millisecond,
	}))

	id, err := m.StartSaga(context.Background(), "stuck", "", nil)
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusTimeout)
	assert.Contains(t, inst.Error, ErrCodeSagaTimeout)

	require.Eventually(t, func() bool {
		got, err := m.GetSagaStatus(context.Background(), id)
		return err == nil && len(got.CompensatedSteps) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"exec:validate_employee", "comp:validate_employee"}, log.get())
	assert.Contains(t, rec.types(id), EventSagaTimeout)

	// the instance is terminal; later drives are no-ops
	require.NoError(t, m.ContinueSaga(context.Background(), id))
	got, err := m.GetSagaStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
}

func TestManager_ConcurrentContinueRunsEachStepOnce(t *testing.T) {
	m, _, _ := newTestManager(t)

	var counts [3]atomic.Int32
	steps := make([]Step, 3)
	for i := range steps {
		steps[i] = Step{
			ID: string(rune('a' + i)),
			Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				counts[i].Add(1)
				time.Sleep(2 * time.Millisecond)
				return Succeeded(nil), nil
			},
		}
	}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "race", Steps: steps}))

	id, err := m.StartSaga(context.Background(), "race", "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.ContinueSaga(context.Background(), id))
		}()
	}
	wg.Wait()

	inst := waitForSaga(t, m, id, StatusCompleted)
	assert.Len(t, inst.Context.StepResults, 3)
	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "step %d", i)
	}
	require.Eventually(t, func() bool { return m.locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_GetAllSagas(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	ctx := context.Background()
	first, err := m.StartSaga(ctx, "one", "req-1", nil)
	require.NoError(t, err)
	second, err := m.StartSaga(ctx, "one", "req-1", nil)
	require.NoError(t, err)
	other, err := m.StartSaga(ctx, "one", "req-2", nil)
	require.NoError(t, err)

	grouped, err := m.GetAllSagas(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, grouped, 2)
	assert.Equal(t, first, grouped[0].ID)
	assert.Equal(t, second, grouped[1].ID)

	all, err := m.GetAllSagas(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, other, all[2].ID)
}

func TestManager_CleanupCompletedSagas(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "pending",
		Steps: []Step{{ID: "wait", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
			return Failed(nil), nil
		}}},
		RetryPolicy: RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour},
	}))

	ctx := context.Background()
	done, err := m.StartSaga(ctx, "one", "", nil)
	require.NoError(t, err)
	running, err := m.StartSaga(ctx, "pending", "", nil)
	require.NoError(t, err)
	waitForSaga(t, m, done, StatusCompleted)

	removed, err := m.CleanupCompletedSagas(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "default max age keeps fresh instances")

	time.Sleep(5 * time.Millisecond)
	removed, err = m.CleanupCompletedSagas(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.GetSagaStatus(ctx, done)
	assert.ErrorIs(t, err, ErrSagaInstanceNotFound)
	_, err = m.GetSagaStatus(ctx, running)
	assert.NoError(t, err)
}

func TestManager_StartCleanupLoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	id, err := m.StartSaga(context.Background(), "one", "", nil)
	require.NoError(t, err)
	waitForSaga(t, m, id, StatusCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartCleanupLoop(ctx, 5*time.Millisecond, time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := m.GetSagaStatus(context.Background(), id)
		return IsSagaNotFound(err)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_CloseRejectsNewSagas(t *testing.T) {
	m, _, _ := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.StartSaga(context.Background(), "one", "", nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_HandlerFailureDoesNotAffectSaga(t *testing.T) {
	m, _, bus := newTestManager(t)
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	var second atomic.Bool
	bus.RegisterHandler(EventSagaCompleted, func(ctx context.Context, e eventbus.Event) error {
		return errors.New("audit sink unavailable")
	})
	bus.RegisterHandler(EventSagaCompleted, func(ctx context.Context, e eventbus.Event) error {
		second.Store(true)
		return nil
	})

	id, err := m.StartSaga(context.Background(), "one", "", nil)
	require.NoError(t, err)
	waitForSaga(t, m, id, StatusCompleted)
	require.Eventually(t, second.Load, time.Second, 5*time.Millisecond)
}

func TestManager_StepsShareTypedContext(t *testing.T) {
	m, _, _ := newTestManager(t)

	type employee struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	var invited atomic.Value
	require.NoError(t, m.RegisterDefinition(Definition{
		ID: "typed",
		Steps: []Step{
			{ID: "create", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				var e employee
				if err := Bind(sc, "employee", &e); err != nil {
					return StepResult{}, err
				}
				sc.Set("employee_id", "emp-"+e.Name)
				return Succeeded(map[string]interface{}{"id": "emp-" + e.Name}), nil
			}},
			{ID: "invite", Execute: func(ctx context.Context, sc *Context) (StepResult, error) {
				var created struct {
					ID string `json:"id"`
				}
				if err := BindResult(sc, "create", &created); err != nil {
					return StepResult{}, err
				}
				invited.Store(created.ID)
				return Succeeded(nil), nil
			}},
		},
	}))

	id, err := m.StartSaga(context.Background(), "typed", "", map[string]interface{}{
		"employee": employee{Name: "ada", Email: "ada@example.com"},
	})
	require.NoError(t, err)

	inst := waitForSaga(t, m, id, StatusCompleted)
	assert.Equal(t, "emp-ada", inst.Context.Data["employee_id"])
	assert.Equal(t, "emp-ada", invited.Load())
}

type mockStore struct {
	mock.Mock
}

func (s *mockStore) Get(ctx context.Context, id string) (*Instance, error) {
	args := s.Called(ctx, id)
	inst, _ := args.Get(0).(*Instance)
	return inst, args.Error(1)
}

func (s *mockStore) Put(ctx context.Context, inst *Instance) error {
	return s.Called(ctx, inst).Error(0)
}

func (s *mockStore) ScanByCorrelation(ctx context.Context, correlationID string) ([]*Instance, error) {
	args := s.Called(ctx, correlationID)
	out, _ := args.Get(0).([]*Instance)
	return out, args.Error(1)
}

func (s *mockStore) List(ctx context.Context) ([]*Instance, error) {
	args := s.Called(ctx)
	out, _ := args.Get(0).([]*Instance)
	return out, args.Error(1)
}

func (s *mockStore) Delete(ctx context.Context, id string) error {
	return s.Called(ctx, id).Error(0)
}

func TestManager_StoreFailures(t *testing.T) {
	store := &mockStore{}
	store.On("Put", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	store.On("List", mock.Anything).Return(nil, errors.New("connection refused"))
	store.On("Get", mock.Anything, "broken").Return(nil, errors.New("connection refused"))

	m := NewManager(&ManagerConfig{Store: store, Logger: zap.NewNop()})
	defer m.Close()
	log := &callLog{}
	require.NoError(t, m.RegisterDefinition(Definition{ID: "one", Steps: []Step{okStep("a", log)}}))

	_, err := m.StartSaga(context.Background(), "one", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeStorageError)
	assert.Contains(t, err.Error(), "disk full")

	_, err = m.GetAllSagas(context.Background(), "")
	assert.Error(t, err)

	_, err = m.GetSagaStatus(context.Background(), "broken")
	require.Error(t, err)
	assert.False(t, IsSagaNotFound(err))

	assert.Empty(t, log.get())
	store.AssertExpectations(t)
}

func TestRetryDelay(t *testing.T) {
	exp := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	fixed := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, Multiplier: 1, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, retryDelay(exp, 1))
	assert.Equal(t, 200*time.Millisecond, retryDelay(exp, 2))
	assert.Equal(t, 400*time.Millisecond, retryDelay(exp, 3))
	assert.Equal(t, time.Second, retryDelay(exp, 8))
	assert.Equal(t, 100*time.Millisecond, retryDelay(fixed, 5))

	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := retryDelay(exp, attempts)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, exp.MaxDelay)
		prev = d
	}
}
