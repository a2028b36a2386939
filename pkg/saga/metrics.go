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

package saga

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives saga lifecycle measurements.
type MetricsCollector interface {
	RecordSagaStarted(definitionID string)
	RecordSagaFinished(definitionID string, status Status, duration time.Duration)
	RecordStepExecuted(definitionID, stepID string, success bool, duration time.Duration)
	RecordStepRetried(definitionID, stepID string, attempt int)
	RecordCompensationExecuted(definitionID, stepID string, success bool, duration time.Duration)
}

type noOpMetricsCollector struct{}

func (noOpMetricsCollector) RecordSagaStarted(string)                                       {}
func (noOpMetricsCollector) RecordSagaFinished(string, Status, time.Duration)               {}
func (noOpMetricsCollector) RecordStepExecuted(string, string, bool, time.Duration)         {}
func (noOpMetricsCollector) RecordStepRetried(string, string, int)                          {}
func (noOpMetricsCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {}

// PrometheusMetricsConfig configures the Prometheus collector.
type PrometheusMetricsConfig struct {
	// Namespace defaults to "orchestra".
	Namespace string

	// Subsystem defaults to "saga".
	Subsystem string

	// Registry defaults to a fresh registry.
	Registry prometheus.Registerer

	// DurationBuckets are histogram buckets in seconds.
	DurationBuckets []float64
}

// PrometheusMetricsCollector exports saga metrics.
type PrometheusMetricsCollector struct {
	started              *prometheus.CounterVec
	finished             *prometheus.CounterVec
	sagaDuration         *prometheus.HistogramVec
	stepExecuted         *prometheus.CounterVec
	stepRetried          *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	compensationExecuted *prometheus.CounterVec
	compensationDuration *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector creates and registers the saga metrics.
func NewPrometheusMetricsCollector(config *PrometheusMetricsConfig) (*PrometheusMetricsCollector, error) {
	if config == nil {
		config = &PrometheusMetricsConfig{}
	}
	if config.Namespace == "" {
		config.Namespace = "orchestra"
	}
	if config.Subsystem == "" {
		config.Subsystem = "saga"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   config.DurationBuckets,
		}, labels)
	}

	c := &PrometheusMetricsCollector{
		started:              counter("started_total", "Total number of sagas started", "definition_id"),
		finished:             counter("finished_total", "Total number of sagas that reached a terminal status", "definition_id", "status"),
		sagaDuration:         histogram("duration_seconds", "Saga duration from start to terminal status", "definition_id", "status"),
		stepExecuted:         counter("step_executed_total", "Total number of step executions", "definition_id", "step_id", "success"),
		stepRetried:          counter("step_retried_total", "Total number of step retries scheduled", "definition_id", "step_id", "attempt"),
		stepDuration:         histogram("step_duration_seconds", "Step execution duration", "definition_id", "step_id", "success"),
		compensationExecuted: counter("compensation_executed_total", "Total number of compensation actions run", "definition_id", "step_id", "success"),
		compensationDuration: histogram("compensation_duration_seconds", "Compensation action duration", "definition_id", "step_id"),
	}

	collectors := []prometheus.Collector{
		c.started, c.finished, c.sagaDuration,
		c.stepExecuted, c.stepRetried, c.stepDuration,
		c.compensationExecuted, c.compensationDuration,
	}
	for _, m := range collectors {
		if err := config.Registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSagaStarted increments the count of started sagas.
func (c *PrometheusMetricsCollector) RecordSagaStarted(definitionID string) {
	c.started.WithLabelValues(definitionID).Inc()
}

// RecordSagaFinished counts a terminal transition and observes the saga duration.
func (c *PrometheusMetricsCollector) RecordSagaFinished(definitionID string, status Status, duration time.Duration) {
	c.finished.WithLabelValues(definitionID, status.String()).Inc()
	c.sagaDuration.WithLabelValues(definitionID, status.String()).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) RecordStepExecuted(definitionID, stepID string, success bool, duration time.Duration) {
	s := strconv.FormatBool(success)
	c.stepExecuted.WithLabelValues(definitionID, stepID, s).Inc()
	c.stepDuration.WithLabelValues(definitionID, stepID, s).Observe(duration.Seconds())
}

// RecordStepRetried limits the attempt label to 1, 2, 3 and 4+.
func (c *PrometheusMetricsCollector) RecordStepRetried(definitionID, stepID string, attempt int) {
	label := "4+"
	if attempt <= 3 {
		label = strconv.Itoa(attempt)
	}
	c.stepRetried.WithLabelValues(definitionID, stepID, label).Inc()
}

func (c *PrometheusMetricsCollector) RecordCompensationExecuted(definitionID, stepID string, success bool, duration time.Duration) {
	c.compensationExecuted.WithLabelValues(definitionID, stepID, strconv.FormatBool(success)).Inc()
	c.compensationDuration.WithLabelValues(definitionID, stepID).Observe(duration.Seconds())
}
