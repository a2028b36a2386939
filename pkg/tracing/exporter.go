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

package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

// newSpanExporter builds the exporter named by config.Type.
func newSpanExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	switch config.Type {
	case ExporterConsole:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if config.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(config.Writer))
		}
		exporter, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLP:
		if usesHTTP(config.Endpoint) {
			return newOTLPHTTPExporter(ctx, config)
		}
		return newOTLPGRPCExporter(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}
}

// usesHTTP reports whether the endpoint targets the OTLP/HTTP receiver.
// Bare host:port endpoints go to gRPC.
func usesHTTP(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") ||
		strings.HasPrefix(endpoint, "https://") ||
		strings.HasSuffix(endpoint, "/v1/traces")
}

func newOTLPHTTPExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(config.timeout()),
	}
	if strings.Contains(config.Endpoint, "://") {
		options = append(options, otlptracehttp.WithEndpointURL(config.Endpoint))
	} else {
		options = append(options, otlptracehttp.WithEndpoint(strings.TrimSuffix(config.Endpoint, "/v1/traces")))
	}
	if config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(config.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp http exporter: %w", err)
	}
	return exporter, nil
}

func newOTLPGRPCExporter(ctx context.Context, config ExporterConfig) (trace.SpanExporter, error) {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.timeout()),
	}
	if config.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlptracegrpc.WithHeaders(config.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp grpc exporter: %w", err)
	}
	return exporter, nil
}

func newSpanProcessor(config ExporterConfig, exporter trace.SpanExporter) trace.SpanProcessor {
	if config.Type == ExporterConsole {
		return trace.NewSimpleSpanProcessor(exporter)
	}
	return trace.NewBatchSpanProcessor(exporter,
		trace.WithMaxExportBatchSize(512),
		trace.WithMaxQueueSize(2048),
	)
}
