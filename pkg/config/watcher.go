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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/logger"
)

// DefaultReloadDebounce collapses the burst of events editors emit on save.
const DefaultReloadDebounce = 300 * time.Millisecond

// Change is delivered after the watched files changed and were reloaded.
// Exactly one of Config and Err is set.
type Change struct {
	File   string
	Config *AppConfig
	Err    error
}

// Watcher reloads the layered configuration when one of its files changes.
type Watcher struct {
	options  Options
	file     string
	debounce time.Duration
	logger   *zap.Logger

	fs      *fsnotify.Watcher
	watched map[string]bool
	events  chan Change

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher watches the files Load(options, file) reads.
func NewWatcher(options Options, file string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		options:  options,
		file:     file,
		debounce: debounce,
		logger:   logger.OrGlobal(log),
		fs:       fs,
		watched:  make(map[string]bool),
		events:   make(chan Change, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if file != "" {
		options.ConfigFile = file
	}
	paths := NewManager(options).Files()
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fs.Close()
			return nil, err
		}
		w.watched[abs] = true
	}
	return w, nil
}

// Events returns the reload results. The channel is closed when the watcher stops.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Start watches the directories holding the config files. Directories are
// watched instead of files so that atomic renames by editors are seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher is already running")
	}

	dirs := make(map[string]bool)
	for p := range w.watched {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.running = true
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stop)
	}
	err := w.fs.Close()
	if running {
		<-w.done
	}
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.watched[event.Name] || event.Op == fsnotify.Chmod {
				continue
			}
			pending = event.Name
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			change := Change{File: pending}
			change.Config, _, change.Err = Load(w.options, w.file)
			if change.Err != nil {
				w.logger.Warn("Config reload failed", zap.String("file", pending), zap.Error(change.Err))
			} else {
				w.logger.Info("Config reloaded", zap.String("file", pending))
			}
			select {
			case w.events <- change:
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			}
		}
	}
}
