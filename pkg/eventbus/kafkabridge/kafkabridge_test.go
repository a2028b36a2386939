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

package kafkabridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestMessage_KeyAndHeaders(t *testing.T) {
	event := eventbus.NewEvent("saga.completed", map[string]interface{}{"saga_id": "s-1"}).WithCorrelationID("corr-1")

	msg, err := Message(event)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", string(msg.Key))
	assert.Equal(t, event.Timestamp, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventTypeHeader, msg.Headers[0].Key)
	assert.Equal(t, "saga.completed", string(msg.Headers[0].Value))

	var decoded eventbus.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)

	uncorrelated := eventbus.NewEvent("saga.started", nil)
	msg, err = Message(uncorrelated)
	require.NoError(t, err)
	assert.Equal(t, uncorrelated.ID, string(msg.Key))
}

func TestMessage_UnencodablePayload(t *testing.T) {
	_, err := Message(eventbus.NewEvent("saga.failed", make(chan int)))
	assert.Error(t, err)
}

func TestForwarder_Handle(t *testing.T) {
	w := &fakeWriter{}
	f := NewForwarder(w, zap.NewNop())

	require.NoError(t, f.Handle(context.Background(), eventbus.NewEvent("saga.failed", nil).WithCorrelationID("c")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "c", string(w.msgs[0].Key))

	w.err = errors.New("kafka: leader not available")
	err := f.Handle(context.Background(), eventbus.NewEvent("saga.failed", nil))
	assert.ErrorContains(t, err, "leader not available")
}

func TestForwarder_Attach(t *testing.T) {
	w := &fakeWriter{}
	bus := eventbus.NewBus(&eventbus.Config{Logger: zap.NewNop()})
	NewForwarder(w, zap.NewNop()).Attach(bus, "saga.started", "saga.completed")

	require.NoError(t, bus.Publish(context.Background(), eventbus.NewEvent("saga.completed", nil)))
	require.NoError(t, bus.Publish(context.Background(), eventbus.NewEvent("step.completed", nil)))
	assert.Len(t, w.msgs, 1)
}

func TestNewWriter(t *testing.T) {
	w := NewWriter([]string{"k1:9092", "k2:9092"}, "orchestra.saga-events", 5*time.Millisecond)
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, "orchestra.saga-events", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
	assert.NotNil(t, w.Addr)
}
