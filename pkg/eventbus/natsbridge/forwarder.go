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

// Package natsbridge re-publishes event bus traffic to NATS subjects so that
// out-of-process consumers can observe orchestration lifecycle facts.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/eventbus"
	"github.com/innovationmech/orchestra/pkg/logger"
)

// DefaultSubjectPrefix is used when the forwarder is created without a prefix.
const DefaultSubjectPrefix = "orchestra.events"

// Conn is the subset of *nats.Conn used by the forwarder.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Forwarder is an eventbus.Handler source that publishes each event as JSON to
// "<prefix>.<event type>".
type Forwarder struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// NewForwarder creates a forwarder on an established connection.
func NewForwarder(conn Conn, subjectPrefix string, log *zap.Logger) *Forwarder {
	subjectPrefix = strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Forwarder{
		conn:   conn,
		prefix: subjectPrefix,
		logger: logger.OrGlobal(log),
	}
}

// Connect dials a NATS server with the connection name set for server-side diagnostics.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the NATS subject an event type is forwarded to.
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

// Handle forwards one event. It matches eventbus.Handler.
func (f *Forwarder) Handle(ctx context.Context, event eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	subject := f.Subject(event.Type)
	if err := f.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event %s to %s: %w", event.ID, subject, err)
	}
	f.logger.Debug("event forwarded to nats",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// Attach registers the forwarder on the bus for every given event type.
func (f *Forwarder) Attach(bus *eventbus.Bus, eventTypes ...string) {
	for _, t := range eventTypes {
		bus.RegisterHandler(t, f.Handle)
	}
}
