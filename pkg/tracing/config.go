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
	"fmt"
	"io"
	"time"
)

// Exporter types.
const (
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"
)

// Sampler types.
const (
	SamplerAlwaysOn     = "always_on"
	SamplerAlwaysOff    = "always_off"
	SamplerTraceIDRatio = "traceidratio"
)

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Exporter ExporterConfig `yaml:"exporter" mapstructure:"exporter"`

	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`
}

// SamplingConfig selects the sampler. Rate only applies to traceidratio.
type SamplingConfig struct {
	Type string  `yaml:"type" mapstructure:"type"`
	Rate float64 `yaml:"rate" mapstructure:"rate"`
}

// ExporterConfig selects where spans go.
type ExporterConfig struct {
	Type     string            `yaml:"type" mapstructure:"type"`
	Endpoint string            `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers  map[string]string `yaml:"headers" mapstructure:"headers"`
	Timeout  time.Duration     `yaml:"timeout" mapstructure:"timeout"`

	// Writer receives console output; nil means stdout.
	Writer io.Writer `yaml:"-" mapstructure:"-"`
}

// DefaultTracingConfig returns a disabled console configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:     false,
		ServiceName: "orchestra",
		Sampling: SamplingConfig{
			Type: SamplerAlwaysOn,
			Rate: 1.0,
		},
		Exporter: ExporterConfig{
			Type:    ExporterConsole,
			Timeout: 10 * time.Second,
		},
	}
}

// Validate checks the configuration. A disabled configuration is always valid.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when tracing is enabled")
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("sampling configuration invalid: %w", err)
	}
	if err := c.Exporter.Validate(); err != nil {
		return fmt.Errorf("exporter configuration invalid: %w", err)
	}
	return nil
}

func (s *SamplingConfig) Validate() error {
	switch s.Type {
	case SamplerAlwaysOn, SamplerAlwaysOff:
		return nil
	case SamplerTraceIDRatio:
		if s.Rate < 0 || s.Rate > 1 {
			return fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %f", s.Rate)
		}
		return nil
	default:
		return fmt.Errorf("unsupported sampling type: %s", s.Type)
	}
}

func (e *ExporterConfig) Validate() error {
	switch e.Type {
	case ExporterConsole:
		return nil
	case ExporterOTLP:
		if e.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires endpoint")
		}
		return nil
	default:
		return fmt.Errorf("unsupported exporter type: %s", e.Type)
	}
}

func (e *ExporterConfig) timeout() time.Duration {
	if e.Timeout <= 0 {
		return 10 * time.Second
	}
	return e.Timeout
}
