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

package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newObservedBus(maxConcurrency int) (*Bus, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewBus(&Config{Logger: zap.New(core), MaxConcurrency: maxConcurrency}), logs
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	e := NewEvent("saga.started", map[string]string{"saga_id": "s-1"}).WithCorrelationID("corr-1")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "saga.started", e.Type)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.False(t, e.Timestamp.Before(before))

	other := NewEvent("saga.started", nil)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestBus_PublishInvokesAllHandlers(t *testing.T) {
	bus, _ := newObservedBus(0)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		bus.RegisterHandler("saga.completed", func(ctx context.Context, e Event) error {
			calls.Add(1)
			return nil
		})
	}
	bus.RegisterHandler("saga.failed", func(ctx context.Context, e Event) error {
		t.Error("handler for another event type must not run")
		return nil
	})

	err := bus.Publish(context.Background(), NewEvent("saga.completed", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, bus.HandlerCount("saga.completed"))
}

func TestBus_PublishWithoutHandlersWarns(t *testing.T) {
	bus, logs := newObservedBus(0)

	err := bus.Publish(context.Background(), NewEvent("webhook.received", nil))
	require.NoError(t, err)

	entries := logs.FilterMessage("no handlers registered for event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestBus_HandlerFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name    string
		failing Handler
		logMsg  string
	}{
		{
			name: "returned error",
			failing: func(ctx context.Context, e Event) error {
				return errors.New("audit sink unavailable")
			},
			logMsg: "event handler failed",
		},
		{
			name: "panic",
			failing: func(ctx context.Context, e Event) error {
				panic("boom")
			},
			logMsg: "event handler panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, logs := newObservedBus(0)

			var secondRan atomic.Bool
			bus.RegisterHandler("saga.completed", tt.failing)
			bus.RegisterHandler("saga.completed", func(ctx context.Context, e Event) error {
				secondRan.Store(true)
				return nil
			})

			err := bus.Publish(context.Background(), NewEvent("saga.completed", nil))
			assert.NoError(t, err)
			assert.True(t, secondRan.Load(), "sibling handler should still run")
			assert.Equal(t, 1, logs.FilterMessage(tt.logMsg).Len())
		})
	}
}

func TestBus_HandlersRunConcurrently(t *testing.T) {
	bus, _ := newObservedBus(0)

	// Each handler waits for the other to start; this only completes when
	// both run at the same time.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context, e Event) error {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("handlers did not overlap")
		}
	}
	bus.RegisterHandler("shift.started", barrier)
	bus.RegisterHandler("shift.started", barrier)

	finished := make(chan struct{})
	go func() {
		_ = bus.Publish(context.Background(), NewEvent("shift.started", nil))
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not return")
	}
}

func TestBus_MaxConcurrency(t *testing.T) {
	bus, _ := newObservedBus(1)

	var inFlight, peak atomic.Int32
	for i := 0; i < 4; i++ {
		bus.RegisterHandler("job.completed", func(ctx context.Context, e Event) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	}

	require.NoError(t, bus.Publish(context.Background(), NewEvent("job.completed", nil)))
	assert.Equal(t, int32(1), peak.Load())
}

func TestBus_PublishAll(t *testing.T) {
	bus, _ := newObservedBus(0)

	var mu sync.Mutex
	seen := map[string]int{}
	record := func(ctx context.Context, e Event) error {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
		return nil
	}
	bus.RegisterHandler("saga.started", record)
	bus.RegisterHandler("saga.completed", record)

	err := bus.PublishAll(context.Background(), []Event{
		NewEvent("saga.started", nil),
		NewEvent("saga.completed", nil),
		NewEvent("saga.completed", nil),
		NewEvent("unhandled", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"saga.started": 1, "saga.completed": 2}, seen)
}

func TestBus_RegisterNilHandlerIgnored(t *testing.T) {
	bus, _ := newObservedBus(0)
	bus.RegisterHandler("saga.started", nil)
	assert.Equal(t, 0, bus.HandlerCount("saga.started"))
}
