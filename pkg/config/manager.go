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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Options configures the Manager. Files are merged in this order, each one
// overriding the last, and environment variables override all of them:
//
//	<base>.<ext>  <base>.<env>.<ext>  <base>.override.<ext>  ConfigFile
type Options struct {
	// WorkDir holds the layered files. Default ".".
	WorkDir string

	// ConfigBaseName is the file name without extension. Default "orchestra".
	ConfigBaseName string

	// ConfigType is yaml, json or toml. Default yaml.
	ConfigType string

	// EnvironmentName selects <base>.<env>.<ext>.
	EnvironmentName string

	// OverrideFilename replaces <base>.override.<ext>.
	OverrideFilename string

	// ConfigFile is an explicit file merged last. It must exist.
	ConfigFile string

	// EnvPrefix scopes environment variables, e.g. ORCHESTRA_SAGA_STORE.
	EnvPrefix string

	EnableAutomaticEnv bool
}

// DefaultOptions returns the options used by the orchestra binary.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "orchestra",
		ConfigType:         "yaml",
		EnvPrefix:          "ORCHESTRA",
		EnableAutomaticEnv: true,
	}
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.ConfigBaseName == "" {
		o.ConfigBaseName = "orchestra"
	}
	switch t := strings.ToLower(o.ConfigType); t {
	case "yaml", "json", "toml":
		o.ConfigType = t
	default:
		o.ConfigType = "yaml"
	}
	return o
}

// source is one file in the merge order.
type source struct {
	name     string
	path     string
	required bool
}

func (o Options) sources() []source {
	name := func(parts ...string) string {
		return filepath.Join(o.WorkDir, strings.Join(append(parts, o.ConfigType), "."))
	}

	out := []source{{name: "base", path: name(o.ConfigBaseName)}}
	if o.EnvironmentName != "" {
		out = append(out, source{name: "env", path: name(o.ConfigBaseName, strings.ToLower(o.EnvironmentName))})
	}
	override := name(o.ConfigBaseName, "override")
	if o.OverrideFilename != "" {
		override = filepath.Join(o.WorkDir, o.OverrideFilename)
	}
	out = append(out, source{name: "override", path: override})
	if o.ConfigFile != "" {
		out = append(out, source{name: "explicit", path: o.ConfigFile, required: true})
	}
	return out
}

// Manager merges the configuration sources into one viper instance.
type Manager struct {
	mu      sync.RWMutex
	v       *viper.Viper
	options Options
}

func NewManager(options Options) *Manager {
	options = options.withDefaults()
	v := viper.New()
	if options.EnableAutomaticEnv {
		if options.EnvPrefix != "" {
			v.SetEnvPrefix(options.EnvPrefix)
		}
		v.AutomaticEnv()
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}
	return &Manager{v: v, options: options}
}

// SetDefault sets a default value for the given key. Environment variables
// are only consulted for keys that have a default or appear in a file.
func (m *Manager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.SetDefault(key, value)
}

// Load merges every source in order. Missing optional files are skipped.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range m.options.sources() {
		if err := m.merge(src); err != nil {
			return fmt.Errorf("load %s config: %w", src.name, err)
		}
	}
	return nil
}

// Unmarshal binds all merged settings into the given struct pointer.
func (m *Manager) Unmarshal(target interface{}) error {
	if target == nil {
		return errors.New("target must not be nil")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Unmarshal(target)
}

// AllSettings returns a copy of all merged settings as a map.
func (m *Manager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}

// Files returns the source paths in merge order, whether or not they exist.
func (m *Manager) Files() []string {
	srcs := m.options.sources()
	files := make([]string, len(srcs))
	for i, src := range srcs {
		files[i] = src.path
	}
	return files
}

// merge parses into a scratch viper first so a broken file leaves the merged
// settings untouched.
func (m *Manager) merge(src source) error {
	content, err := os.ReadFile(src.path)
	if errors.Is(err, os.ErrNotExist) && !src.required {
		return nil
	}
	if err != nil {
		return err
	}

	tmp := viper.New()
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src.path), "."))
	switch ext {
	case "":
		ext = m.options.ConfigType
	case "yml":
		ext = "yaml"
	}
	tmp.SetConfigType(ext)
	if err := tmp.ReadConfig(bytes.NewReader(content)); err != nil {
		return fmt.Errorf("parse %s: %w", src.path, err)
	}
	return m.v.MergeConfigMap(tmp.AllSettings())
}
