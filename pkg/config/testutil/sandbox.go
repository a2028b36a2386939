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

// Package testutil holds fixtures for configuration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

// Sandbox is a temporary directory for config fixtures with scoped
// environment variables. Everything is restored when the test ends.
type Sandbox struct {
	T   *testing.T
	Dir string
}

// NewSandbox creates a sandbox rooted at t.TempDir().
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	return &Sandbox{T: t, Dir: t.TempDir()}
}

// WriteFile writes content to a path relative to the sandbox, creating parent
// directories, and returns the absolute path.
func (s *Sandbox) WriteFile(rel string, content string) string {
	s.T.Helper()
	p := filepath.Join(s.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		s.T.Fatalf("mkdirs for %s: %v", p, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		s.T.Fatalf("write %s: %v", p, err)
	}
	return p
}

// WriteYAML marshals v as YAML and writes it to rel.
func (s *Sandbox) WriteYAML(rel string, v interface{}) string {
	s.T.Helper()
	data, err := yaml.Marshal(v)
	if err != nil {
		s.T.Fatalf("yaml marshal %s: %v", rel, err)
	}
	return s.WriteFile(rel, string(data))
}

// SetEnv sets an environment variable for the rest of the test.
func (s *Sandbox) SetEnv(key, value string) {
	s.T.Helper()
	s.T.Setenv(key, value)
}
