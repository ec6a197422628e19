// Package server exposes the search engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
)

// Searcher is the engine surface the API serves.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Suggest(ctx context.Context, q, suggestType string) ([]search.Suggestion, error)
	Status(ctx context.Context) (*search.Status, error)
}

var _ Searcher = (*search.Engine)(nil)

// Analytics reports query analytics for GET /analytics/queries.
type Analytics interface {
	Snapshot() *telemetry.Snapshot
}

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	engine    Searcher
	cfg       config.ServerConfig
	gatherer  prometheus.Gatherer
	analytics Analytics
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry exposed on /metrics. Defaults to the
// global prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithAnalytics serves query analytics on /analytics/queries.
func WithAnalytics(a Analytics) Option {
	return func(s *Server) {
		s.analytics = a
	}
}

// New creates a server over engine.
func New(engine Searcher, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger)

	s := &Server{
		echo:     e,
		engine:   engine,
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/search", s.handleSearch)
	s.echo.GET("/suggest", s.handleSuggest)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.analytics != nil {
		s.echo.GET("/analytics/queries", s.handleQueryAnalytics)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	slog.Info("http_server_starting", slog.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("http_server_stopping")
	return s.echo.Shutdown(ctx)
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// resolve the status before logging
			c.Error(err)
		}
		slog.Info("http_request",
			slog.String("method", c.Request().Method),
			slog.String("uri", c.Request().RequestURI),
			slog.Int("status", c.Response().Status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
		return nil
	}
}
