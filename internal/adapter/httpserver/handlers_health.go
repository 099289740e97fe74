package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatrelay/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

const checkPassed = "ok"

// HealthCheck is a named health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type livenessResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

type probeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Relay  *relayStatus      `json:"relay,omitempty"`
}

// relayStatus is what the relay looks like to the admission layer.
type relayStatus struct {
	Connections int   `json:"connections"`
	Rooms       int   `json:"rooms"`
	Admitted    int64 `json:"admitted"`
	Capacity    int   `json:"capacity"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	checks, healthy := s.runHealthChecks(ctx)
	if !healthy {
		return writeProbe(c, http.StatusServiceUnavailable, probeResponse{Status: "starting", Checks: checks})
	}
	return writeProbe(c, http.StatusOK, probeResponse{Status: "started"})
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := livenessResponse{
		Status: "ok",
		Uptime: s.clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness reports every check, not just the first failure, together
// with the relay's load against the admission capacity.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	checks, healthy := s.runHealthChecks(ctx)
	response := probeResponse{
		Status: "ready",
		Checks: checks,
		Relay: &relayStatus{
			Connections: s.relay.ConnectionCount(),
			Rooms:       s.relay.RoomCount(),
			Admitted:    s.limits.Current(),
			Capacity:    s.config.MaxWebSocketConnections,
		},
	}
	if !healthy {
		response.Status = "unavailable"
		return writeProbe(c, http.StatusServiceUnavailable, response)
	}
	return writeProbe(c, http.StatusOK, response)
}

func (s *Server) runHealthChecks(ctx context.Context) (map[string]string, bool) {
	if len(s.healthChecks) == 0 {
		return nil, true
	}

	results := make(map[string]string, len(s.healthChecks))
	healthy := true
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			results[hc.Name] = err.Error()
			healthy = false
			continue
		}
		results[hc.Name] = checkPassed
	}
	return results, healthy
}

func writeProbe(c echo.Context, status int, response probeResponse) error {
	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to write probe response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
