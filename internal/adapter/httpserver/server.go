package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/pscheid92/chatrelay/internal/platform/config"
)

// relayView is the read-only part of the relay the operator API needs.
type relayView interface {
	Rooms() []domain.RoomInfo
	ConnectionCount() int
	RoomCount() int
	Room(roomID string) (domain.RoomInfo, error)
}

// roomSocketServer upgrades a request into a relay connection for roomID.
type roomSocketServer interface {
	ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	relay   relayView
	sockets roomSocketServer
	limits  *ConnectionLimits

	registry    *prometheus.Registry
	wsMetrics   *metrics.WebSocketMetrics
	httpMetrics *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires the HTTP surface. registry and wsMetrics may be nil, which
// disables /metrics and the request metrics middleware.
func NewServer(cfg *config.Config, relay relayView, sockets roomSocketServer, registry *prometheus.Registry, wsMetrics *metrics.WebSocketMetrics, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		relay:        relay,
		sockets:      sockets,
		limits:       NewConnectionLimits(cfg.MaxWebSocketConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst, clock),
		registry:     registry,
		wsMetrics:    wsMetrics,
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}
	if registry != nil {
		srv.httpMetrics = metrics.NewHTTPMetrics(registry)
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
