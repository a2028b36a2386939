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

// Package kafkabridge re-publishes event bus traffic to a Kafka topic. Events
// are keyed by correlation id so one workflow's events stay on one partition.
package kafkabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
	"github.com/innovationmech/orchestra/pkg/logger"
)

// EventTypeHeader carries the event type on every message.
const EventTypeHeader = "event-type"

// Writer is the subset of *kafka.Writer used by the forwarder.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates a kafka-go writer that hashes message keys onto partitions.
func NewWriter(brokers []string, topic string, batchTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// Forwarder publishes each event it handles as one JSON message.
type Forwarder struct {
	writer Writer
	logger *zap.Logger
}

// NewForwarder creates a forwarder on a writer. The caller closes the writer.
func NewForwarder(writer Writer, log *zap.Logger) *Forwarder {
	return &Forwarder{writer: writer, logger: logger.OrGlobal(log)}
}

// Message converts an event to a Kafka message.
func Message(event eventbus.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	key := event.CorrelationID
	if key == "" {
		key = event.ID
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    event.Timestamp,
		Headers: []kafka.Header{{Key: EventTypeHeader, Value: []byte(event.Type)}},
	}, nil
}

// Handle forwards one event. It matches eventbus.Handler.
func (f *Forwarder) Handle(ctx context.Context, event eventbus.Event) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s to kafka: %w", event.ID, err)
	}
	f.logger.Debug("event forwarded to kafka",
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID))
	return nil
}

// Attach registers the forwarder on the bus for every given event type.
func (f *Forwarder) Attach(bus *eventbus.Bus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.RegisterHandler(t, f.Handle)
	}
}
