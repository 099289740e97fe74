package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/pscheid92/chatrelay/internal/platform/correlation"
	"golang.org/x/time/rate"
)

const (
	defaultWriteTimeout    = 5 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 64 << 10
	closeGracePeriod       = time.Second
)

// Config tunes the socket layer. Zero durations and sizes fall back to defaults;
// a zero MessageRate disables the inbound limit.
type Config struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	MessageRate     float64
	MessageBurst    int
	CheckOrigin     func(r *http.Request) bool
}

var _ domain.Transport = (*Transport)(nil)

// Transport owns the WebSocket connections and feeds their events into a relay.
type Transport struct {
	cfg      Config
	clock    clockwork.Clock
	metrics  *metrics.WebSocketMetrics
	upgrader websocket.Upgrader
	relay    domain.Relay

	mu      sync.RWMutex
	sockets map[domain.ConnectionID]*socket
	closing bool
	readers sync.WaitGroup
}

// NewTransport creates a transport. wsMetrics may be nil. Bind must be called before serving.
func NewTransport(cfg Config, wsMetrics *metrics.WebSocketMetrics, clock clockwork.Clock) *Transport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	return &Transport{
		cfg:     cfg,
		clock:   clock,
		metrics: wsMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		sockets: make(map[domain.ConnectionID]*socket),
	}
}

// Bind attaches the relay that receives socket events.
func (t *Transport) Bind(relay domain.Relay) {
	t.relay = relay
}

// ServeRoom upgrades the request and runs the connection's read loop until the
// socket goes away. Errors after a successful upgrade are reported to the client
// through close frames, so only pre-upgrade failures are returned.
func (t *Transport) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) error {
	if t.relay == nil {
		return errors.New("websocket transport is not bound to a relay")
	}
	if t.isClosing() {
		return domain.ErrRelayStopped
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		t.recordRejection("upgrade_failed")
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}
	if t.metrics != nil {
		t.metrics.Upgrades.Inc()
	}

	id := domain.NewConnectionID()
	ctx := context.WithoutCancel(r.Context())
	if _, ok := correlation.ID(ctx); !ok {
		ctx = correlation.WithID(ctx, correlation.NewID())
	}
	logCtx := correlation.WithRoom(correlation.WithConnection(ctx, id.String()), roomID)

	s := newSocket(id, conn, t.clock, t.cfg, t.newInboundLimiter())

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		s.close(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	t.sockets[id] = s
	t.readers.Add(1)
	t.mu.Unlock()

	defer t.readers.Done()
	defer t.remove(id)

	if err := t.relay.OnConnectionEstablished(ctx, id, roomID); err != nil {
		code, label := rejectionFor(err)
		t.recordRejection(label)
		slog.InfoContext(logCtx, "Connection rejected by relay", "reason", label, "error", err)
		s.close(code, label)
		return nil
	}

	go s.keepalive(t.metrics)
	t.readLoop(ctx, logCtx, s)

	s.close(0, "")
	t.relay.OnConnectionClosed(ctx, id)
	return nil
}

func (t *Transport) readLoop(ctx, logCtx context.Context, s *socket) {
	s.conn.SetReadLimit(t.cfg.MaxMessageBytes)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla already sent CloseMessageTooBig.
				t.protocolViolation(ctx, logCtx, s, 0, "message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				slog.DebugContext(logCtx, "WebSocket read failed", "error", err)
			}
			return
		}
		s.extendReadDeadline()

		if messageType != websocket.TextMessage {
			t.protocolViolation(ctx, logCtx, s, websocket.CloseUnsupportedData, "only text frames are supported")
			return
		}

		if !s.inbound.Allow() {
			if t.metrics != nil {
				t.metrics.InboundDropped.Inc()
			}
			slog.DebugContext(logCtx, "Inbound message rate limited")
			continue
		}

		if err := t.relay.OnTextMessage(ctx, s.id, payload); err != nil {
			if errors.Is(err, domain.ErrUnknownConnection) {
				// Evicted while we were reading.
				return
			}
			slog.WarnContext(logCtx, "Relay failed to handle message", "error", err)
		}
	}
}

func (t *Transport) protocolViolation(ctx, logCtx context.Context, s *socket, code int, text string) {
	if t.metrics != nil {
		t.metrics.ProtocolViolations.Inc()
	}
	slog.InfoContext(logCtx, "Closing connection after protocol violation", "detail", text)
	t.relay.CloseConnection(ctx, s.id, domain.CloseReasonProtocol)
	s.close(code, text)
}

// Deliver writes one text frame. A failed write closes the socket so the read
// loop reports the closure to the relay.
func (t *Transport) Deliver(ctx context.Context, id domain.ConnectionID, payload []byte) error {
	s, ok := t.socket(id)
	if !ok {
		return domain.ErrUnknownConnection
	}

	start := t.clock.Now()
	if err := s.writeText(ctx, payload); err != nil {
		s.close(0, "")
		return fmt.Errorf("write to connection %s: %w", id, err)
	}
	if t.metrics != nil {
		t.metrics.WriteDuration.Observe(t.clock.Since(start).Seconds())
	}
	return nil
}

// Disconnect sends a close frame carrying reason and drops the socket.
func (t *Transport) Disconnect(id domain.ConnectionID, reason domain.CloseReason) {
	s, ok := t.socket(id)
	if !ok {
		return
	}
	s.close(closeCodeFor(reason), string(reason))
}

// Shutdown stops accepting sockets, closes the open ones with CloseGoingAway and
// waits for their read loops to finish.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	open := make([]*socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		open = append(open, s)
	}
	t.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		t.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket shutdown: %w", ctx.Err())
	}
}

// Sockets returns the number of open sockets.
func (t *Transport) Sockets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sockets)
}

func (t *Transport) socket(id domain.ConnectionID) (*socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sockets[id]
	return s, ok
}

func (t *Transport) remove(id domain.ConnectionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, id)
}

func (t *Transport) isClosing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closing
}

func (t *Transport) newInboundLimiter() *rate.Limiter {
	if t.cfg.MessageRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := t.cfg.MessageBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(t.cfg.MessageRate), burst)
}

func (t *Transport) recordRejection(reason string) {
	if t.metrics != nil {
		t.metrics.Rejections.WithLabelValues(reason).Inc()
	}
}

func rejectionFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrRelayStopped):
		return websocket.CloseGoingAway, "shutdown"
	case errors.Is(err, domain.ErrInvalidRoomID):
		return websocket.ClosePolicyViolation, "invalid_room"
	default:
		return websocket.CloseInternalServerErr, string(domain.CloseReasonRejected)
	}
}

func closeCodeFor(reason domain.CloseReason) int {
	switch reason {
	case domain.CloseReasonShutdown:
		return websocket.CloseGoingAway
	case domain.CloseReasonSlowConsumer:
		return websocket.CloseTryAgainLater
	case domain.CloseReasonProtocol, domain.CloseReasonRejected:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
