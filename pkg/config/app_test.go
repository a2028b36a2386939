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

package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/orchestra/pkg/config/testutil"
)

func sandboxOptions(sb *testutil.Sandbox) Options {
	opts := DefaultOptions()
	opts.WorkDir = sb.Dir
	return opts
}

func TestLoad_Defaults(t *testing.T) {
	sb := testutil.NewSandbox(t)

	cfg, _, err := Load(sandboxOptions(sb), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, StoreMemory, cfg.Saga.Store)
	assert.Equal(t, 3, cfg.Saga.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Saga.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Saga.Retry.Multiplier)
	assert.Equal(t, 24*time.Hour, cfg.Saga.CleanupMaxAge)
	assert.Equal(t, 30*time.Second, cfg.Queue.MaxBackoff)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	sb := testutil.NewSandbox(t)
	sb.SetEnv("ORCHESTRA_SAGA_RETRY_MAX_ATTEMPTS", "5")
	sb.SetEnv("ORCHESTRA_LOGGING_LEVEL", "debug")

	path := sb.WriteYAML("custom.yaml", map[string]interface{}{
		"saga": map[string]interface{}{
			"store":           "redis",
			"retry":           map[string]interface{}{"base_delay": "250ms"},
			"cleanup_max_age": "2h",
		},
		"redis": map[string]interface{}{"addr": "redis:6379", "db": 2},
	})

	cfg, m, err := Load(sandboxOptions(sb), path)
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.Saga.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Saga.Retry.BaseDelay)
	assert.Equal(t, 2*time.Hour, cfg.Saga.CleanupMaxAge)
	assert.Equal(t, 5, cfg.Saga.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	var buf bytes.Buffer
	require.NoError(t, m.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "redis:6379")
}

func TestLoad_InvalidConfig(t *testing.T) {
	sb := testutil.NewSandbox(t)
	sb.WriteFile("orchestra.yaml", `
logging:
  level: verbose
saga:
  store: cassandra
`)

	_, _, err := Load(sandboxOptions(sb), "")
	require.Error(t, err)

	var ve ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve, 2)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "saga.store")
}

func TestAppConfig_CrossSectionRules(t *testing.T) {
	sb := testutil.NewSandbox(t)
	cfg, _, err := Load(sandboxOptions(sb), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"postgres without dsn", func(c *AppConfig) { c.Saga.Store = StorePostgres }, "postgres.dsn"},
		{"redis queue without addr", func(c *AppConfig) {
			c.Queue.Store = StoreRedis
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"nats without url", func(c *AppConfig) {
			c.NATS.Enabled = true
			c.NATS.URL = ""
		}, "nats.url"},
		{"server without address", func(c *AppConfig) { c.Server.Address = "" }, "server.address"},
		{"bad tracing exporter", func(c *AppConfig) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter.Type = "zipkin"
		}, "tracing"},
		{"kafka without brokers", func(c *AppConfig) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, "kafka.brokers"},
		{"kafka bad broker", func(c *AppConfig) { c.Kafka.Brokers = []string{"no-port"} }, "kafka.brokers[0]"},
		{"empty cors origin", func(c *AppConfig) { c.Server.CORSOrigins = []string{""} }, "server.cors_origins[0]"},
		{"zero retry attempts", func(c *AppConfig) { c.Saga.Retry.MaxAttempts = 0 }, "saga.retry.max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	sb := testutil.NewSandbox(t)
	_, _, err := Load(sandboxOptions(sb), sb.Dir+"/missing.yaml")
	assert.Error(t, err)
}
