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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestLoggerWithConfig(&RequestLoggerConfig{
		Logger:             zap.New(core),
		SkipPaths:          []string{"/healthz"},
		IncludeQueryParams: true,
	}))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, RequestID(c)) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("generates request id", func(t *testing.T) {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ok?x=1", nil))

		id := resp.Header().Get(RequestIDHeader)
		require.NotEmpty(t, id)
		assert.Equal(t, id, resp.Body.String())

		entries := logs.FilterMessage("HTTP request completed").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "/ok?x=1", fields["path"])
		assert.Equal(t, id, fields["request_id"])
	})

	t.Run("keeps incoming request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(t, "req-42", resp.Header().Get(RequestIDHeader))
	})

	t.Run("levels follow status", func(t *testing.T) {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, 1, logs.FilterMessage("HTTP request client error").Len())
		assert.Equal(t, 1, logs.FilterMessage("HTTP request failed").Len())
	})

	t.Run("skipped paths", func(t *testing.T) {
		before := logs.Len()
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, before, logs.Len())
		assert.NotEmpty(t, resp.Header().Get(RequestIDHeader))
	})
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })

	router := gin.New()
	router.Use(TracingWithConfig(provider.Tracer("test"), &HTTPTracingConfig{
		SkipPaths:  []string{"/metrics"},
		Propagator: propagation.TraceContext{},
	}))
	router.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	parent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set("traceparent", parent)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "GET /items/:id", spans[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
	assert.NotEmpty(t, resp.Header().Get("traceparent"))

	assert.Equal(t, "GET /fail", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestPrometheusHTTPMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPrometheusHTTPMiddleware(&PrometheusHTTPConfig{
		ExcludePaths: []string{"/healthz"},
		Registry:     registry,
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/items/1", "/items/2", "/nowhere", "/healthz"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("GET", "/items/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.requests))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight))

	_, err = NewPrometheusHTTPMiddleware(&PrometheusHTTPConfig{Registry: registry})
	assert.Error(t, err, "duplicate registration")
}
