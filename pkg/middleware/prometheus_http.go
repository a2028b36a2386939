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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusHTTPConfig configures the HTTP middleware for Prometheus metrics
type PrometheusHTTPConfig struct {
	// Namespace defaults to "orchestra".
	Namespace string

	// ExcludePaths contains paths to exclude from metrics (e.g., health checks)
	ExcludePaths []string

	// Registry defaults to a fresh registry.
	Registry prometheus.Registerer
}

// DefaultPrometheusHTTPConfig returns the defaults for HTTP metrics middleware
func DefaultPrometheusHTTPConfig() *PrometheusHTTPConfig {
	return &PrometheusHTTPConfig{
		Namespace:    "orchestra",
		ExcludePaths: []string{"/healthz", "/metrics"},
	}
}

// PrometheusHTTPMiddleware records request counts, durations and in-flight
// requests labelled by route.
type PrometheusHTTPMiddleware struct {
	exclude  map[string]bool
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewPrometheusHTTPMiddleware creates and registers the HTTP metrics.
func NewPrometheusHTTPMiddleware(config *PrometheusHTTPConfig) (*PrometheusHTTPMiddleware, error) {
	if config == nil {
		config = DefaultPrometheusHTTPConfig()
	}
	if config.Namespace == "" {
		config.Namespace = "orchestra"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	m := &PrometheusHTTPMiddleware{
		exclude: make(map[string]bool, len(config.ExcludePaths)),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests being served",
		}),
	}
	for _, p := range config.ExcludePaths {
		m.exclude[p] = true
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.inFlight} {
		if err := config.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns the Gin middleware function for HTTP metrics collection
func (m *PrometheusHTTPMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.exclude[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		c.Next()

		// Unmatched routes share one label to bound cardinality.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
