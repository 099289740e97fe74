package httpserver

import (
	"net/url"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/chatrelay/internal/platform/errors"
	"github.com/pscheid92/chatrelay/internal/relay"
)

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws/:room", s.handleRoomSocket)
	s.echo.GET("/ws", s.handleDefaultRoomSocket)
}

func (s *Server) handleRoomSocket(c echo.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	return s.serveSocket(c, roomID)
}

// roomParam returns the :room path parameter as a room id. Echo matches on
// the raw path only when the request carried escapes that Path cannot
// represent (such as %2F); otherwise the parameter is already decoded.
func roomParam(c echo.Context) (string, error) {
	param := c.Param("room")
	if c.Request().URL.RawPath == "" {
		return param, nil
	}
	roomID, err := url.PathUnescape(param)
	if err != nil {
		return "", apperrors.ValidationError("invalid room id", err)
	}
	return roomID, nil
}

// handleDefaultRoomSocket serves clients that predate named rooms.
func (s *Server) handleDefaultRoomSocket(c echo.Context) error {
	return s.serveSocket(c, s.config.DefaultRoom)
}

// serveSocket validates the room and admission limits before the upgrade, so
// refusals are plain HTTP errors rather than close frames.
func (s *Server) serveSocket(c echo.Context, roomID string) error {
	if err := relay.ValidateRoomID(roomID); err != nil {
		s.recordRejection("invalid_room")
		return apperrors.ValidationError("invalid room id", err).WithField("room_id", roomID)
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		s.recordRejection(string(reason))
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("connection capacity reached", nil).WithField("reason", string(reason))
		}
		return apperrors.RateLimitedError("too many connections").WithField("reason", string(reason))
	}
	defer s.limits.Release(ip)

	return s.sockets.ServeRoom(c.Response(), c.Request(), roomID)
}

func (s *Server) recordRejection(reason string) {
	if s.wsMetrics != nil {
		s.wsMetrics.Rejections.WithLabelValues(reason).Inc()
	}
}
