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

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/orchestra/internal/orchestra"
	"github.com/innovationmech/orchestra/internal/orchestra/api"
	"github.com/innovationmech/orchestra/pkg/config"
	"github.com/innovationmech/orchestra/pkg/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the saga manager, the job queue and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.loadConfig(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.config
	log := logger.GetLogger()
	log.Info("Starting orchestra", zap.String("version", Version))

	app, err := orchestra.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("Shutdown finished with errors", zap.Error(err))
		}
		log.Info("Orchestra stopped")
	}()

	g, ctx := errgroup.WithContext(ctx)
	app.Start(ctx)

	if watcher, err := config.NewWatcher(opts.options, opts.configFile, 0, log); err != nil {
		log.Debug("Config watcher not started", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		_ = watcher.Close()
		log.Debug("Config watcher not started", zap.Error(err))
	} else {
		defer watcher.Close()
		g.Go(func() error {
			applyReloads(watcher.Events(), log)
			return nil
		})
	}

	if cfg.Server.Enabled {
		serverConfig := api.Config{
			Address:         cfg.Server.Address,
			Mode:            cfg.Server.Mode,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			CORSOrigins:     cfg.Server.CORSOrigins,
			Tracer:          app.Tracing.Tracer("github.com/innovationmech/orchestra/internal/orchestra/api"),
			Logger:          log,
		}
		if cfg.Metrics.Enabled {
			serverConfig.MetricsPath = cfg.Metrics.Path
			serverConfig.Registry = app.Registry
		}
		srv, err := api.NewServer(serverConfig, api.NewHandler(app.Sagas, app.Queue, log))
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(ctx) })
	} else {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	return g.Wait()
}

// applyReloads applies the logging level of reloaded configurations. Other
// settings take effect on the next start.
func applyReloads(changes <-chan config.Change, log *zap.Logger) {
	for change := range changes {
		if change.Err != nil {
			continue
		}
		level := change.Config.Logging.Level
		if level == logger.GetLevel() {
			continue
		}
		if err := logger.SetLevel(level); err != nil {
			log.Warn("Apply log level failed", zap.Error(err))
			continue
		}
		log.Info("Log level updated via hot-reload", zap.String("level", logger.GetLevel()))
	}
}
