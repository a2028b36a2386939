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

// Package eventbus provides an in-process publish/subscribe hub used to
// broadcast orchestration lifecycle facts to audit, notification and
// monitoring subscribers.
//
// Delivery is best-effort and at-most-once: events are not persisted, handlers
// are never retried, and a failing handler never affects its siblings or the
// publisher.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/orchestra/pkg/logger"
)

// Event is a fact broadcast to zero or more subscribers.
type Event struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Payload       interface{} `json:"payload,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// NewEvent creates an event of the given type stamped with a fresh id and the current time.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// WithCorrelationID returns a copy of the event carrying the correlation id.
func (e Event) WithCorrelationID(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler reacts to a published event. A returned error is logged and dropped.
type Handler func(ctx context.Context, event Event) error

// Publisher is the producer side of the bus.
type Publisher interface {
	// Publish dispatches the event to every handler registered for its type.
	Publish(ctx context.Context, event Event) error

	// PublishAll publishes a sequence of events.
	PublishAll(ctx context.Context, events []Event) error
}

// Config contains configuration options for the bus.
type Config struct {
	// Logger receives dispatch warnings and handler failures. Defaults to the global logger.
	Logger *zap.Logger

	// MaxConcurrency bounds how many handlers of one event run at the same time.
	// Zero means unbounded.
	MaxConcurrency int
}

// Bus is the default Publisher implementation.
type Bus struct {
	mu             sync.RWMutex
	handlers       map[string][]Handler
	logger         *zap.Logger
	maxConcurrency int
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus. A nil config uses defaults.
func NewBus(config *Config) *Bus {
	if config == nil {
		config = &Config{}
	}
	return &Bus{
		handlers:       make(map[string][]Handler),
		logger:         logger.OrGlobal(config.Logger),
		maxConcurrency: config.MaxConcurrency,
	}
}

// RegisterHandler associates a handler with an event type.
// Multiple handlers per type are allowed and all of them are invoked.
func (b *Bus) RegisterHandler(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()

	b.logger.Debug("event handler registered", zap.String("event_type", eventType))
}

// HandlerCount returns the number of handlers registered for an event type.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Publish invokes every handler registered for event.Type concurrently and
// waits for all of them to settle. It always returns nil: unhandled events are
// logged as warnings and handler failures are logged per handler.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("no handlers registered for event",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID))
		return nil
	}

	var g errgroup.Group
	if b.maxConcurrency > 0 {
		g.SetLimit(b.maxConcurrency)
	}
	for i, h := range handlers {
		g.Go(func() error {
			b.invoke(ctx, i, h, event)
			return nil
		})
	}
	_ = g.Wait()

	return nil
}

// PublishAll publishes each event in turn. Handlers of different events run
// independently, so the order of their side effects is not guaranteed.
func (b *Bus) PublishAll(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := b.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, index int, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Int("handler", index),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := h(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Int("handler", index),
			zap.Error(err))
	}
}
