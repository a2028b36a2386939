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

package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func TestNewForwarder_SubjectPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "orchestra.events.saga.completed"},
		{"hr.workflows.", "hr.workflows.saga.completed"},
		{" audit ", "audit.saga.completed"},
	}

	for _, tt := range tests {
		f := NewForwarder(&fakeConn{}, tt.prefix, zap.NewNop())
		assert.Equal(t, tt.want, f.Subject("saga.completed"))
	}
}

func TestForwarder_Handle(t *testing.T) {
	conn := &fakeConn{}
	f := NewForwarder(conn, "", zap.NewNop())

	event := eventbus.NewEvent("saga.compensated", map[string]interface{}{"saga_id": "s-1"}).WithCorrelationID("corr-1")
	require.NoError(t, f.Handle(context.Background(), event))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "orchestra.events.saga.compensated", conn.msgs[0].subject)

	var decoded eventbus.Event
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
}

func TestForwarder_HandlePublishError(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	f := NewForwarder(conn, "", zap.NewNop())

	err := f.Handle(context.Background(), eventbus.NewEvent("saga.failed", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestra.events.saga.failed")
}

func TestForwarder_AttachDoesNotBreakPublish(t *testing.T) {
	conn := &fakeConn{err: errors.New("down")}
	bus := eventbus.NewBus(&eventbus.Config{Logger: zap.NewNop()})
	f := NewForwarder(conn, "", zap.NewNop())
	f.Attach(bus, "saga.started", "saga.completed")

	assert.Equal(t, 1, bus.HandlerCount("saga.started"))
	assert.Equal(t, 1, bus.HandlerCount("saga.completed"))
	assert.NoError(t, bus.Publish(context.Background(), eventbus.NewEvent("saga.started", nil)))
}
