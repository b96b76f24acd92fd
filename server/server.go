// Package server provides the creditgate HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/analyzer"
)

// Analyzer produces an analysis for a validated project input.
type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.ProjectInput) (analyzer.AnalysisResult, error)
}

// Server provides HTTP endpoints for creditgate.
type Server struct {
	echo     *echo.Echo
	quota    *creditgate.Service
	gate     *creditgate.Gate[analyzer.AnalysisResult]
	analyzer Analyzer
	resolver *creditgate.Resolver
	logger   *zap.Logger
	config   *Config
	requests *prometheus.CounterVec
}

// Config holds HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	BodyLimit   string

	// Registry receives the HTTP metrics and backs GET /metrics.
	// Nil uses the Prometheus default registry.
	Registry *prometheus.Registry
}

// NewServer creates a new HTTP server.
func NewServer(
	quota *creditgate.Service,
	gate *creditgate.Gate[analyzer.AnalysisResult],
	an Analyzer,
	resolver *creditgate.Resolver,
	logger *zap.Logger,
	cfg *Config,
) (*Server, error) {
	switch {
	case quota == nil:
		return nil, fmt.Errorf("quota service cannot be nil")
	case gate == nil:
		return nil, fmt.Errorf("gate cannot be nil")
	case an == nil:
		return nil, fmt.Errorf("analyzer cannot be nil")
	case resolver == nil:
		return nil, fmt.Errorf("resolver cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: ":5000", BodyLimit: "64K"}
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		registerer, gatherer = cfg.Registry, cfg.Registry
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		quota:    quota,
		gate:     gate,
		analyzer: an,
		resolver: resolver,
		logger:   logger,
		config:   cfg,
		requests: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "creditgate",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLog)
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	cors := middleware.CORSConfig{
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			headerIdempotencyKey,
			resolver.HeaderName(),
		},
		ExposeHeaders:    []string{resolver.HeaderName(), headerCreditsRemaining},
		AllowCredentials: len(cfg.CORSOrigins) > 0,
	}
	if len(cfg.CORSOrigins) > 0 {
		cors.AllowOrigins = cfg.CORSOrigins
	}
	e.Use(middleware.CORSWithConfig(cors))

	s.registerRoutes(gatherer)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.echo.Group("/api", s.identify)
	api.GET("/credits", s.handleCredits)
	api.POST("/analyze", s.handleAnalyze)
}

// requestLog logs and counts every request.
func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Let echo write the error response so the status is final.
			c.Error(err)
		}
		duration := time.Since(start)

		status := c.Response().Status
		s.requests.WithLabelValues(c.Request().Method, c.Path(), fmt.Sprint(status)).Inc()
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

// Start starts the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
