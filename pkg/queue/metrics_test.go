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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, jobType string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "job_type") == jobType {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetricsCollector_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusMetricsCollector("jobs", &PrometheusMetricsConfig{Registry: reg})
	require.NoError(t, err)

	// same names on the same registry collide
	_, err = NewPrometheusMetricsCollector("jobs", &PrometheusMetricsConfig{Registry: reg})
	assert.Error(t, err)
}

func TestPrometheusMetricsCollector_RecordsJobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetricsCollector("jobs", &PrometheusMetricsConfig{Registry: reg})
	require.NoError(t, err)

	q, err := New(&Config{Name: "jobs", Metrics: metrics, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer q.Close()

	q.Process("ok", func(ctx context.Context, job *Job) error { return nil })
	q.Process("bad", func(ctx context.Context, job *Job) error { return errors.New("nope") })

	ctx := context.Background()
	ok, err := q.Add(ctx, "ok", nil, nil)
	require.NoError(t, err)
	bad, err := q.Add(ctx, "bad", nil, &Options{
		MaxAttempts: 2,
		Backoff:     &Backoff{Type: BackoffFixed, Delay: time.Millisecond},
	})
	require.NoError(t, err)

	waitForStatus(t, q, ok.ID, StatusCompleted)
	waitForStatus(t, q, bad.ID, StatusFailed)

	assert.Equal(t, 1.0, counterValue(t, reg, "orchestra_queue_jobs_added_total", "ok"))
	assert.Equal(t, 1.0, counterValue(t, reg, "orchestra_queue_jobs_completed_total", "ok"))
	assert.Equal(t, 1.0, counterValue(t, reg, "orchestra_queue_jobs_retried_total", "bad"))
	assert.Equal(t, 1.0, counterValue(t, reg, "orchestra_queue_jobs_failed_total", "bad"))
}
