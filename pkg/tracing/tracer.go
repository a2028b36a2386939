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

// Package tracing configures the OpenTelemetry tracer provider used for saga
// step and compensation spans.
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingManager owns the tracer provider for the process.
type TracingManager struct {
	mu       sync.Mutex
	provider *trace.TracerProvider
	config   *TracingConfig
}

// NewTracingManager creates an uninitialized manager. Tracer returns a no-op
// tracer until Initialize succeeds with tracing enabled.
func NewTracingManager() *TracingManager {
	return &TracingManager{}
}

// Initialize builds the provider from config and installs it, together with
// the W3C trace context and baggage propagators, as the otel globals.
func (tm *TracingManager) Initialize(ctx context.Context, config *TracingConfig) error {
	if config == nil {
		return fmt.Errorf("tracing config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid tracing config: %w", err)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.provider != nil {
		return fmt.Errorf("tracing already initialized")
	}
	tm.config = config
	if !config.Enabled {
		return nil
	}

	res, err := newResource(config)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, config.Exporter)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	tm.provider = trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(newSpanProcessor(config.Exporter, exporter)),
		trace.WithSampler(newSampler(config.Sampling)),
	)
	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// Tracer returns a named tracer from the configured provider.
func (tm *TracingManager) Tracer(name string) oteltrace.Tracer {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.provider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return tm.provider.Tracer(name)
}

// Enabled reports whether spans are being exported.
func (tm *TracingManager) Enabled() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.provider != nil
}

// Shutdown flushes pending spans and stops the provider.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	provider := tm.provider
	tm.provider = nil
	tm.mu.Unlock()
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

func newResource(config *TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(config.ServiceName)}
	for key, value := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(key, value))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func newSampler(config SamplingConfig) trace.Sampler {
	switch config.Type {
	case SamplerAlwaysOff:
		return trace.NeverSample()
	case SamplerTraceIDRatio:
		return trace.ParentBased(trace.TraceIDRatioBased(config.Rate))
	default:
		return trace.AlwaysSample()
	}
}
