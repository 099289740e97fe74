package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatrelay/internal/domain"
	apperrors "github.com/pscheid92/chatrelay/internal/platform/errors"
)

type roomsResponse struct {
	Rooms       []domain.RoomInfo `json:"rooms"`
	Connections int               `json:"connections"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", newRateLimiter(s.config.APIRate, s.config.APIBurst))
	api.GET("/rooms", s.handleListRooms)
	api.GET("/rooms/:room", s.handleGetRoom)
}

func (s *Server) handleListRooms(c echo.Context) error {
	response := roomsResponse{
		Rooms:       s.relay.Rooms(),
		Connections: s.relay.ConnectionCount(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write rooms response: %w", err)
	}
	return nil
}

func (s *Server) handleGetRoom(c echo.Context) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}
	room, err := s.relay.Room(roomID)
	if err != nil {
		return apperrors.AsStructuredError(err).WithField("room_id", roomID)
	}

	if err := c.JSON(http.StatusOK, room); err != nil {
		return fmt.Errorf("failed to write room response: %w", err)
	}
	return nil
}
