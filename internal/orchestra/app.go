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

// Package orchestra wires the event bus, job queue and saga manager into a
// running process.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/workforce"
	"github.com/innovationmech/orchestra/pkg/config"
	"github.com/innovationmech/orchestra/pkg/eventbus"
	"github.com/innovationmech/orchestra/pkg/eventbus/kafkabridge"
	"github.com/innovationmech/orchestra/pkg/eventbus/natsbridge"
	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/queue"
	"github.com/innovationmech/orchestra/pkg/saga"
	"github.com/innovationmech/orchestra/pkg/saga/storage"
	"github.com/innovationmech/orchestra/pkg/tracing"
)

const sagaTracerName = "github.com/innovationmech/orchestra/pkg/saga"

// App holds the long-lived components of the process.
type App struct {
	Config    *config.AppConfig
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Tracing   *tracing.TracingManager
	Bus       *eventbus.Bus
	Queue     *queue.Queue
	Sagas     *saga.Manager
	Workforce *workforce.Sagas
	Sender    *workforce.LogSender

	closers []func() error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds every component from cfg. Partially built resources are
// released when an error is returned.
func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log = logger.OrGlobal(log)
	app = &App{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
		Tracing:  tracing.NewTracingManager(),
	}
	defer func() {
		if err != nil {
			_ = app.closeResources()
			app = nil
		}
	}()

	if cfg.Metrics.Enabled {
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if err := app.Tracing.Initialize(ctx, &cfg.Tracing); err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.Tracing.Shutdown(shutdownCtx)
	})

	sagaStore, jobStore, err := app.openStores(ctx)
	if err != nil {
		return nil, err
	}

	var sagaMetrics saga.MetricsCollector
	var queueMetrics queue.MetricsCollector
	if cfg.Metrics.Enabled {
		sm, err := saga.NewPrometheusMetricsCollector(&saga.PrometheusMetricsConfig{Registry: app.Registry})
		if err != nil {
			return nil, fmt.Errorf("register saga metrics: %w", err)
		}
		qm, err := queue.NewPrometheusMetricsCollector(cfg.Queue.Name, &queue.PrometheusMetricsConfig{Registry: app.Registry})
		if err != nil {
			return nil, fmt.Errorf("register queue metrics: %w", err)
		}
		sagaMetrics, queueMetrics = sm, qm
	}

	app.Bus = eventbus.NewBus(&eventbus.Config{
		Logger:         log.Named("eventbus"),
		MaxConcurrency: cfg.EventBus.MaxConcurrency,
	})

	app.Queue, err = queue.New(&queue.Config{
		Name:    cfg.Queue.Name,
		Store:   jobStore,
		Logger:  log.Named("queue"),
		Metrics: queueMetrics,
		DefaultBackoff: queue.Backoff{
			Type:  queue.BackoffExponential,
			Delay: cfg.Queue.DefaultBackoffDelay,
		},
		MaxBackoff: cfg.Queue.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Queue.Close)

	app.Sagas = saga.NewManager(&saga.ManagerConfig{
		Store:     sagaStore,
		Publisher: app.Bus,
		Logger:    log.Named("saga"),
		Metrics:   sagaMetrics,
		Tracer:    app.Tracing.Tracer(sagaTracerName),
		DefaultRetryPolicy: &saga.RetryPolicy{
			MaxAttempts: cfg.Saga.Retry.MaxAttempts,
			BaseDelay:   cfg.Saga.Retry.BaseDelay,
			Multiplier:  cfg.Saga.Retry.Multiplier,
			MaxDelay:    cfg.Saga.Retry.MaxDelay,
		},
	})
	app.closers = append(app.closers, app.Sagas.Close)

	audit := AuditHandler(log.Named("audit"))
	for _, t := range saga.EventTypes() {
		app.Bus.RegisterHandler(t, audit)
	}
	fanout := NotificationFanout(app.Queue)
	for _, t := range terminalEvents {
		app.Bus.RegisterHandler(t, fanout)
	}

	if cfg.NATS.Enabled {
		conn, err := natsbridge.Connect(cfg.NATS.URL, "orchestra")
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() error { conn.Close(); return nil })
		natsbridge.NewForwarder(conn, cfg.NATS.SubjectPrefix, log.Named("nats")).
			Attach(app.Bus, saga.EventTypes()...)
	}

	if cfg.Kafka.Enabled {
		writer := kafkabridge.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BatchTimeout)
		app.closers = append(app.closers, writer.Close)
		kafkabridge.NewForwarder(writer, log.Named("kafka")).
			Attach(app.Bus, saga.EventTypes()...)
	}

	app.Sender = workforce.NewLogSender(log)
	app.Queue.Process(workforce.NotificationJobType, workforce.NotificationHandler(app.Sender))

	app.Workforce = workforce.NewSagas(workforce.Deps{Jobs: app.Queue, Logger: log})
	if err := app.Workforce.Register(app.Sagas); err != nil {
		return nil, err
	}

	log.Info("Orchestra initialized",
		zap.String("saga_store", cfg.Saga.Store),
		zap.String("queue_store", cfg.Queue.Store),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("tracing", app.Tracing.Enabled()),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Strings("definitions", app.Sagas.Definitions()))
	return app, nil
}

func (a *App) openStores(ctx context.Context) (saga.Store, queue.Store, error) {
	cfg := a.Config

	var client *redis.Client
	if cfg.Saga.Store == config.StoreRedis || cfg.Queue.Store == config.StoreRedis {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
	}

	var sagaStore saga.Store
	switch cfg.Saga.Store {
	case config.StoreRedis:
		sagaStore = storage.NewRedisStore(client, cfg.Redis.KeyPrefix+"saga:", cfg.Redis.TerminalTTL)
	case config.StorePostgres:
		pg, err := storage.OpenPostgres(ctx, &storage.PostgresConfig{
			DSN:          cfg.Postgres.DSN,
			Table:        cfg.Postgres.Table,
			AutoMigrate:  cfg.Postgres.AutoMigrate,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pg.Close)
		sagaStore = pg
	default:
		sagaStore = saga.NewMemoryStore()
	}

	var jobStore queue.Store
	if cfg.Queue.Store == config.StoreRedis {
		jobStore = queue.NewRedisStore(client, cfg.Redis.KeyPrefix+"queue:")
	} else {
		jobStore = queue.NewMemoryStore()
	}
	return sagaStore, jobStore, nil
}

// Start launches the saga and queue cleanup loops. They stop when ctx is
// cancelled or the app is closed.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.Sagas.StartCleanupLoop(ctx, a.Config.Saga.CleanupInterval, a.Config.Saga.CleanupMaxAge)

	if interval := a.Config.Queue.CleanInterval; interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := a.Queue.Clean(ctx, a.Config.Queue.CleanMaxAge)
					if err != nil {
						a.Logger.Error("Queue cleanup failed", zap.Error(err))
					} else if n > 0 {
						a.Logger.Debug("Queue cleanup removed jobs", zap.Int("removed", n))
					}
				}
			}
		}()
	}
}

// Close stops the loops and releases every component in reverse order of
// construction.
func (a *App) Close() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
