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

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/middleware"
)

// Config configures the HTTP server.
type Config struct {
	Address         string
	Mode            string
	ShutdownTimeout time.Duration

	// MetricsPath serves Registry when both are set.
	// CORSOrigins enables CORS when not empty.
	CORSOrigins []string

	MetricsPath string
	Registry    *prometheus.Registry

	Tracer trace.Tracer
	Logger *zap.Logger
}

// Server is the HTTP surface of the process.
type Server struct {
	config   Config
	engine   *gin.Engine
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer builds the router. It does not bind the address.
func NewServer(config Config, handler *Handler) (*Server, error) {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.Tracer == nil {
		config.Tracer = noop.NewTracerProvider().Tracer("")
	}
	log := logger.OrGlobal(config.Logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(config.CORSOrigins) > 0 {
		engine.Use(corsMiddleware(config.CORSOrigins))
	}
	engine.Use(middleware.RequestLoggerWithConfig(&middleware.RequestLoggerConfig{
		Logger:             log.Named("http"),
		SkipPaths:          []string{"/healthz", config.MetricsPath},
		IncludeQueryParams: true,
	}))
	engine.Use(middleware.Tracing(config.Tracer))

	if config.Registry != nil && config.MetricsPath != "" {
		metrics, err := middleware.NewPrometheusHTTPMiddleware(&middleware.PrometheusHTTPConfig{
			ExcludePaths: []string{"/healthz", config.MetricsPath},
			Registry:     config.Registry,
		})
		if err != nil {
			return nil, err
		}
		engine.Use(metrics.Middleware())
		engine.GET(config.MetricsPath, gin.WrapH(promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})))
	}

	registerRoutes(engine, handler)

	s := &Server{config: config, engine: engine, logger: log}
	s.http = &http.Server{
		Addr:              config.Address,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", middleware.RequestIDHeader, "traceparent"},
		ExposeHeaders: []string{"Location", middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	engine.GET("/healthz", h.Health)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/definitions", h.ListDefinitions)
		v1.POST("/sagas", h.StartSaga)
		v1.GET("/sagas", h.ListSagas)
		v1.GET("/sagas/:id", h.GetSaga)
		v1.POST("/sagas/:id/compensate", h.CompensateSaga)
		v1.GET("/queue/stats", h.QueueStats)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the bound address once Serve has started listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve blocks until ctx is cancelled, then shuts the server down within the
// configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("HTTP server listening", zap.String("address", s.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server", zap.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
