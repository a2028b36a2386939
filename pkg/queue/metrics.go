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

package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives job lifecycle measurements.
type MetricsCollector interface {
	RecordJobAdded(jobType string)
	RecordJobCompleted(jobType string)
	RecordJobFailed(jobType string)
	RecordJobRetried(jobType string)
	RecordJobDuration(jobType string, duration time.Duration)
}

type noOpMetricsCollector struct{}

func (noOpMetricsCollector) RecordJobAdded(string)                   {}
func (noOpMetricsCollector) RecordJobCompleted(string)               {}
func (noOpMetricsCollector) RecordJobFailed(string)                  {}
func (noOpMetricsCollector) RecordJobRetried(string)                 {}
func (noOpMetricsCollector) RecordJobDuration(string, time.Duration) {}

// PrometheusMetricsConfig configures the Prometheus collector.
type PrometheusMetricsConfig struct {
	// Namespace defaults to "orchestra".
	Namespace string

	// Subsystem defaults to "queue".
	Subsystem string

	// Registry defaults to a fresh registry.
	Registry prometheus.Registerer

	// DurationBuckets are histogram buckets in seconds.
	DurationBuckets []float64
}

// PrometheusMetricsCollector exports job metrics labelled by queue and job type.
type PrometheusMetricsCollector struct {
	queue     string
	added     *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector creates and registers the job metrics for one queue.
func NewPrometheusMetricsCollector(queueName string, config *PrometheusMetricsConfig) (*PrometheusMetricsCollector, error) {
	if config == nil {
		config = &PrometheusMetricsConfig{}
	}
	if config.Namespace == "" {
		config.Namespace = "orchestra"
	}
	if config.Subsystem == "" {
		config.Subsystem = "queue"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
	}
	if queueName == "" {
		queueName = "default"
	}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, []string{"queue", "job_type"})
	}

	c := &PrometheusMetricsCollector{
		queue:     queueName,
		added:     counter("jobs_added_total", "Total number of jobs added"),
		completed: counter("jobs_completed_total", "Total number of jobs completed"),
		failed:    counter("jobs_failed_total", "Total number of jobs that exhausted their attempts"),
		retried:   counter("jobs_retried_total", "Total number of job retries scheduled"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of job handler invocations",
			Buckets:   config.DurationBuckets,
		}, []string{"queue", "job_type"}),
	}

	for _, m := range []prometheus.Collector{c.added, c.completed, c.failed, c.retried, c.duration} {
		if err := config.Registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusMetricsCollector) RecordJobAdded(jobType string) {
	c.added.WithLabelValues(c.queue, jobType).Inc()
}

func (c *PrometheusMetricsCollector) RecordJobCompleted(jobType string) {
	c.completed.WithLabelValues(c.queue, jobType).Inc()
}

func (c *PrometheusMetricsCollector) RecordJobFailed(jobType string) {
	c.failed.WithLabelValues(c.queue, jobType).Inc()
}

func (c *PrometheusMetricsCollector) RecordJobRetried(jobType string) {
	c.retried.WithLabelValues(c.queue, jobType).Inc()
}

func (c *PrometheusMetricsCollector) RecordJobDuration(jobType string, duration time.Duration) {
	c.duration.WithLabelValues(c.queue, jobType).Observe(duration.Seconds())
}
