package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
)

const defaultDeliverTimeout = 5 * time.Second

// Options tunes the core. Zero values fall back to the defaults.
type Options struct {
	// QueueSize is the per-connection outbound queue capacity.
	QueueSize int
	// FailureThreshold is the number of consecutive queue-full drops after which a
	// connection is evicted. Zero disables eviction; drops are then only recorded.
	FailureThreshold int
	// DeliverTimeout bounds a single Transport.Deliver call.
	DeliverTimeout time.Duration
}

var _ domain.Relay = (*Core)(nil)

// Core receives transport events and drives the Registry, Rooms and Connections.
type Core struct {
	registry  *Registry
	transport domain.Transport
	clock     clockwork.Clock
	metrics   *metrics.RelayMetrics
	opts      Options

	mu          sync.RWMutex
	connections map[domain.ConnectionID]*Connection
	stopped     bool

	pumps      sync.WaitGroup
	background sync.WaitGroup
}

// NewCore creates the broadcast core. relayMetrics may be nil.
func NewCore(transport domain.Transport, relayMetrics *metrics.RelayMetrics, clock clockwork.Clock, opts Options) *Core {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FailureThreshold < 0 {
		opts.FailureThreshold = 0
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = defaultDeliverTimeout
	}

	return &Core{
		registry:    NewRegistry(relayMetrics),
		transport:   transport,
		clock:       clock,
		metrics:     relayMetrics,
		opts:        opts,
		connections: make(map[domain.ConnectionID]*Connection),
	}
}

// Registry exposes the room directory for read-only queries.
func (c *Core) Registry() *Registry { return c.registry }

// OnConnectionEstablished creates a connection and joins it to roomID.
// Returns domain.ErrInvalidRoomID without touching the registry if roomID is malformed.
func (c *Core) OnConnectionEstablished(ctx context.Context, id domain.ConnectionID, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}

	conn := newConnection(id, c.clock.Now(), connectionOptions{
		queueSize:        c.opts.QueueSize,
		failureThreshold: c.opts.FailureThreshold,
		onTrip:           c.onBreakerTrip,
	})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return domain.ErrRelayStopped
	}
	if _, exists := c.connections[id]; exists {
		c.mu.Unlock()
		return domain.ErrDuplicateConnection
	}
	c.connections[id] = conn
	c.mu.Unlock()

	room, err := c.registry.Join(roomID, conn)
	if err != nil {
		c.teardown(ctx, conn, domain.CloseReasonRejected)
		return fmt.Errorf("join room %q: %w", roomID, err)
	}
	conn.setRoom(roomID)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.abandon(conn, room)
		return domain.ErrRelayStopped
	}
	c.pumps.Add(1)
	c.mu.Unlock()
	go c.pump(conn)

	if !conn.transition(domain.StateConnecting, domain.StateJoined) {
		// Torn down by Stop while joining.
		c.abandon(conn, room)
		return domain.ErrRelayStopped
	}

	if c.metrics != nil {
		c.metrics.ActiveConnections.Inc()
		c.metrics.ConnectionsTotal.Inc()
	}
	slog.InfoContext(ctx, "Connection joined room", "connection_id", id.String(), "room_id", roomID, "room_members", room.Size())
	return nil
}

// OnTextMessage broadcasts payload to every other member of the sender's room.
func (c *Core) OnTextMessage(ctx context.Context, id domain.ConnectionID, payload []byte) error {
	conn, ok := c.connection(id)
	if !ok || conn.State() != domain.StateJoined {
		return domain.ErrUnknownConnection
	}

	roomID := conn.RoomID()
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		slog.WarnContext(ctx, "Dropping message for missing room", "connection_id", id.String(), "room_id", roomID)
		if c.metrics != nil {
			c.metrics.MessagesDropped.Inc()
		}
		return nil
	}

	if c.metrics != nil {
		c.metrics.MessagesReceived.Inc()
	}

	result := room.Broadcast(id, payload)
	slog.DebugContext(ctx, "Message broadcast",
		"connection_id", id.String(),
		"room_id", roomID,
		"recipients", result.Recipients,
		"delivered", result.Delivered,
		"queue_full", result.QueueFull,
		"closed", result.Closed,
	)
	return nil
}

// OnConnectionClosed tears the connection down after the client went away. Unknown ids are ignored.
func (c *Core) OnConnectionClosed(ctx context.Context, id domain.ConnectionID) {
	c.CloseConnection(ctx, id, domain.CloseReasonClient)
}

// CloseConnection tears the connection down with an explicit reason.
func (c *Core) CloseConnection(ctx context.Context, id domain.ConnectionID, reason domain.CloseReason) {
	conn, ok := c.connection(id)
	if !ok {
		return
	}
	c.teardown(ctx, conn, reason)
}

// Stop rejects new connections, tears down every live one and waits for the pumps
// to exit or ctx to expire.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	slog.InfoContext(ctx, "Relay shutting down", "connections", len(conns), "rooms", c.registry.Len())

	for _, conn := range conns {
		if c.teardown(ctx, conn, domain.CloseReasonShutdown) {
			c.transport.Disconnect(conn.ID(), domain.CloseReasonShutdown)
		}
	}

	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		c.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "Relay stopped gracefully", "disconnected", len(conns))
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Relay stop timed out, delivery pumps may have leaked")
		return fmt.Errorf("stop relay: %w", ctx.Err())
	}
}

// Stopped reports whether Stop has been called.
func (c *Core) Stopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *Core) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.connections)
}

func (c *Core) RoomCount() int {
	return c.registry.Len()
}

func (c *Core) Rooms() []domain.RoomInfo {
	return c.registry.Rooms()
}

// Room returns the membership snapshot of roomID, or domain.ErrRoomNotFound
// when no connection currently holds it.
func (c *Core) Room(roomID string) (domain.RoomInfo, error) {
	room, ok := c.registry.Lookup(roomID)
	if !ok {
		return domain.RoomInfo{}, fmt.Errorf("%w: %q", domain.ErrRoomNotFound, roomID)
	}
	return domain.RoomInfo{ID: room.ID(), Members: room.Size()}, nil
}

// connectionInfo returns a snapshot of one connection.
func (c *Core) connectionInfo(id domain.ConnectionID) (domain.ConnectionInfo, bool) {
	conn, ok := c.connection(id)
	if !ok {
		return domain.ConnectionInfo{}, false
	}
	return conn.info(), true
}

func (c *Core) connection(id domain.ConnectionID) (*Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.connections[id]
	return conn, ok
}

// teardown runs Joined|Connecting → Closing → Closed. Returns false if another
// caller already started it.
func (c *Core) teardown(ctx context.Context, conn *Connection, reason domain.CloseReason) bool {
	wasJoined := conn.transition(domain.StateJoined, domain.StateClosing)
	if !wasJoined && !conn.transition(domain.StateConnecting, domain.StateClosing) {
		return false
	}

	conn.MarkClosed()

	if roomID := conn.RoomID(); roomID != "" {
		if room, ok := c.registry.Lookup(roomID); ok && room.Leave(conn) {
			c.registry.ReclaimIfEmpty(roomID)
		}
	}

	conn.transition(domain.StateClosing, domain.StateClosed)

	c.mu.Lock()
	if c.connections[conn.ID()] == conn {
		delete(c.connections, conn.ID())
	}
	c.mu.Unlock()

	if c.metrics != nil {
		if wasJoined {
			c.metrics.ActiveConnections.Dec()
		}
		c.metrics.ClosesTotal.WithLabelValues(string(reason)).Inc()
	}

	slog.InfoContext(ctx, "Connection closed",
		"connection_id", conn.ID().String(),
		"room_id", conn.RoomID(),
		"reason", string(reason),
		"duration", c.clock.Since(conn.ConnectedAt()),
	)
	return true
}

// abandon undoes a join that raced with Stop.
func (c *Core) abandon(conn *Connection, room *Room) {
	conn.MarkClosed()
	if room.Leave(conn) {
		c.registry.ReclaimIfEmpty(room.ID())
	}
	c.mu.Lock()
	if c.connections[conn.ID()] == conn {
		delete(c.connections, conn.ID())
	}
	c.mu.Unlock()
}

// onBreakerTrip runs inside Enqueue, so the eviction happens on its own goroutine.
func (c *Core) onBreakerTrip(id domain.ConnectionID) {
	c.mu.RLock()
	if c.stopped {
		c.mu.RUnlock()
		return
	}
	c.background.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.background.Done()
		c.evict(id)
	}()
}

func (c *Core) evict(id domain.ConnectionID) {
	conn, ok := c.connection(id)
	if !ok {
		return
	}

	slog.Warn("Evicting slow connection",
		"connection_id", id.String(),
		"room_id", conn.RoomID(),
		"failure_threshold", c.opts.FailureThreshold,
	)
	if c.teardown(context.Background(), conn, domain.CloseReasonSlowConsumer) {
		c.transport.Disconnect(id, domain.CloseReasonSlowConsumer)
	}
}

// pump drains conn's queue into the transport until conn is closed or a write fails.
func (c *Core) pump(conn *Connection) {
	defer c.pumps.Done()

	for {
		select {
		case <-conn.closed():
			return
		case msg := <-conn.next():
			if !conn.IsOpen() {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.opts.DeliverTimeout)
			err := c.transport.Deliver(ctx, conn.ID(), msg)
			cancel()

			if err != nil {
				if c.metrics != nil {
					c.metrics.DeliverErrors.Inc()
				}
				slog.Debug("Deliver failed, waiting for transport close", "connection_id", conn.ID().String(), "error", err)
				return
			}
		}
	}
}
