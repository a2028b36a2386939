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
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/innovationmech/orchestra/pkg/tracing"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// AppConfig is the complete configuration of the orchestra process.
type AppConfig struct {
	Server   ServerConfig          `mapstructure:"server"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	EventBus EventBusConfig        `mapstructure:"eventbus"`
	Queue    QueueConfig           `mapstructure:"queue"`
	Saga     SagaConfig            `mapstructure:"saga"`
	Redis    RedisConfig           `mapstructure:"redis"`
	Postgres PostgresConfig        `mapstructure:"postgres"`
	NATS     NATSConfig            `mapstructure:"nats"`
	Kafka    KafkaConfig           `mapstructure:"kafka"`
	Metrics  MetricsConfig         `mapstructure:"metrics"`
	Tracing  tracing.TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls the status HTTP endpoint.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Address         string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Mode            string        `mapstructure:"mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
	// CORSOrigins enables CORS for the listed origins. "*" allows any origin.
	CORSOrigins []string `mapstructure:"cors_origins" validate:"dive,required"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type EventBusConfig struct {
	// MaxConcurrency bounds concurrent handlers per publish; 0 is unbounded.
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"gte=0"`
}

type QueueConfig struct {
	Name                string        `mapstructure:"name" validate:"required"`
	Store               string        `mapstructure:"store" validate:"oneof=memory redis"`
	DefaultBackoffDelay time.Duration `mapstructure:"default_backoff_delay" validate:"gte=0"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	CleanInterval       time.Duration `mapstructure:"clean_interval" validate:"gte=0"`
	CleanMaxAge         time.Duration `mapstructure:"clean_max_age" validate:"gte=0"`
}

type SagaConfig struct {
	Store           string        `mapstructure:"store" validate:"oneof=memory redis postgres"`
	Retry           RetryConfig   `mapstructure:"retry"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`
	CleanupMaxAge   time.Duration `mapstructure:"cleanup_max_age" validate:"gte=0"`
}

// RetryConfig is the default retry policy for definitions without one.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gte=0"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db" validate:"gte=0,lte=15"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	TerminalTTL time.Duration `mapstructure:"terminal_ttl" validate:"gte=0"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// NATSConfig enables forwarding of lifecycle events to NATS.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// KafkaConfig forwards saga lifecycle events to a Kafka topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers" validate:"dive,hostname_port"`
	Topic        string        `mapstructure:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// RegisterDefaults installs the default value of every AppConfig key.
func RegisterDefaults(m *Manager) {
	defaults := map[string]interface{}{
		"server.enabled":          true,
		"server.address":          ":8080",
		"server.mode":             "release",
		"server.shutdown_timeout": 10 * time.Second,
		"server.cors_origins":     []string{},

		"logging.level":       "info",
		"logging.development": false,

		"eventbus.max_concurrency": 0,

		"queue.name":                  "default",
		"queue.store":                 StoreMemory,
		"queue.default_backoff_delay": time.Second,
		"queue.max_backoff":           30 * time.Second,
		"queue.clean_interval":        10 * time.Minute,
		"queue.clean_max_age":         24 * time.Hour,

		"saga.store":              StoreMemory,
		"saga.retry.max_attempts": 3,
		"saga.retry.base_delay":   time.Second,
		"saga.retry.multiplier":   2.0,
		"saga.retry.max_delay":    30 * time.Second,
		"saga.cleanup_interval":   time.Hour,
		"saga.cleanup_max_age":    24 * time.Hour,

		"redis.addr":         "localhost:6379",
		"redis.password":     "",
		"redis.db":           0,
		"redis.key_prefix":   "orchestra:",
		"redis.terminal_ttl": time.Duration(0),

		"postgres.dsn":            "",
		"postgres.table":          "saga_instances",
		"postgres.auto_migrate":   true,
		"postgres.max_open_conns": 10,

		"nats.enabled":        false,
		"nats.url":            "nats://127.0.0.1:4222",
		"nats.subject_prefix": "orchestra",

		"kafka.enabled":       false,
		"kafka.brokers":       []string{"127.0.0.1:9092"},
		"kafka.topic":         "orchestra.saga-events",
		"kafka.batch_timeout": 10 * time.Millisecond,

		"metrics.enabled": true,
		"metrics.path":    "/metrics",

		"tracing.enabled":           false,
		"tracing.service_name":      "orchestra",
		"tracing.sampling.type":     tracing.SamplerAlwaysOn,
		"tracing.sampling.rate":     1.0,
		"tracing.exporter.type":     tracing.ExporterConsole,
		"tracing.exporter.endpoint": "",
		"tracing.exporter.insecure": false,
		"tracing.exporter.timeout":  10 * time.Second,
	}
	for key, value := range defaults {
		m.SetDefault(key, value)
	}
}

// Load builds the layered configuration, merges an optional explicit file
// and returns the validated AppConfig together with its manager.
func Load(options Options, file string) (*AppConfig, *Manager, error) {
	if file != "" {
		options.ConfigFile = file
	}
	m := NewManager(options)
	RegisterDefaults(m)
	if err := m.Load(); err != nil {
		return nil, nil, err
	}

	var cfg AppConfig
	if err := m.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, m, nil
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationErrors lists every invalid key.
type ValidationErrors []string

func (ve ValidationErrors) Error() string {
	if len(ve) == 1 {
		return "invalid config: " + ve[0]
	}
	return fmt.Sprintf("invalid config (%d errors): %s", len(ve), strings.Join(ve, "; "))
}

// Validate checks field constraints and the cross-section rules between
// store selection and backend settings.
func (c *AppConfig) Validate() error {
	var errs ValidationErrors

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			key := fe.Namespace()
			if i := strings.IndexByte(key, '.'); i >= 0 {
				key = key[i+1:]
			}
			errs = append(errs, fmt.Sprintf("%s failed %q validation", key, fe.Tag()))
		}
	}

	if (c.Saga.Store == StoreRedis || c.Queue.Store == StoreRedis) && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when a redis store is selected")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		errs = append(errs, "metrics.path is required when metrics are enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers needs at least one broker when kafka is enabled")
	}
	if c.Saga.Store == StorePostgres && c.Postgres.DSN == "" {
		errs = append(errs, "postgres.dsn is required when saga.store is postgres")
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, "tracing: "+err.Error())
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return errs
	}
	return nil
}

// WriteYAML renders the merged settings, for the config command.
func (m *Manager) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.AllSettings()); err != nil {
		return err
	}
	return enc.Close()
}
