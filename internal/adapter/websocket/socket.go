package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"golang.org/x/time/rate"
)

// socket wraps one gorilla connection. Data frames are serialized by writeMu;
// control frames go through WriteControl, which gorilla allows concurrently.
type socket struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	clock   clockwork.Clock
	inbound *rate.Limiter

	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(id domain.ConnectionID, conn *websocket.Conn, clock clockwork.Clock, cfg Config, inbound *rate.Limiter) *socket {
	return &socket{
		id:           id,
		conn:         conn,
		clock:        clock,
		inbound:      inbound,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		done:         make(chan struct{}),
	}
}

func (s *socket) writeText(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := s.clock.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *socket) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(s.pongTimeout))
}

// keepalive pings the peer until the socket closes. A failed ping closes the
// socket, which ends the read loop.
func (s *socket) keepalive(wsMetrics *metrics.WebSocketMetrics) {
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			deadline := s.clock.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if wsMetrics != nil {
					wsMetrics.PingFailures.Inc()
				}
				s.close(0, "")
				return
			}
		}
	}
}

// close sends a close frame (unless code is 0) and closes the connection. Idempotent.
func (s *socket) close(code int, text string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, text)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, s.clock.Now().Add(closeGracePeriod))
		}
		_ = s.conn.Close()
	})
}
