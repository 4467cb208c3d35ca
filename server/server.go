package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wailbentafat/ws-stomp-bridge/logging"
)

// Server serves the WebSocket endpoint, static assets, health and metrics.
type Server struct {
	echo *echo.Echo
	addr string

	wsHandler      http.HandlerFunc
	metricsHandler http.Handler
	staticDir      string
	healthChecks   []HealthCheck
	onlineClients  func(ctx context.Context) ([]string, error)
	startTime      time.Time
}

type Options struct {
	Addr           string
	StaticDir      string
	WSHandler      http.HandlerFunc
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
	// OnlineClients lists connected client ids. Nil leaves /clients unrouted.
	OnlineClients func(ctx context.Context) ([]string, error)
}

func logger() *slog.Logger {
	return logging.Component("server")
}

// NewServer creates a new HTTP server
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:           e,
		addr:           opts.Addr,
		wsHandler:      opts.WSHandler,
		metricsHandler: opts.MetricsHandler,
		staticDir:      opts.StaticDir,
		healthChecks:   opts.HealthChecks,
		onlineClients:  opts.OnlineClients,
		startTime:      time.Now(),
	}
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())

	s.echo.GET("/ws", echo.WrapHandler(s.wsHandler))
	s.registerHealthRoutes()
	if s.onlineClients != nil {
		s.echo.GET("/clients", s.handleOnlineClients)
	}
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}

	// Any path without a route or a file gets the entry document.
	if s.staticDir != "" {
		s.echo.Use(middleware.StaticWithConfig(middleware.StaticConfig{
			Root:  s.staticDir,
			Index: "index.html",
			HTML5: true,
		}))
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger().Debug("Request", attrs...)
			return nil
		},
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	logger().Info("Starting server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections. Upgraded WebSocket connections
// are not tracked here and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	logger().Info("Shutting down HTTP server...")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
