package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/pscheid92/chatrelay/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	DefaultQueueSize        = 16
	DefaultFailureThreshold = 5
)

type connectionOptions struct {
	queueSize        int
	failureThreshold int
	onTrip           func(id domain.ConnectionID)
}

// Connection is one client's outbound queue plus liveness and lifecycle state.
// It does not own the socket; the transport does.
type Connection struct {
	id          domain.ConnectionID
	connectedAt time.Time
	queue       chan []byte
	done        chan struct{}
	breaker     *gobreaker.CircuitBreaker

	mu     sync.Mutex
	open   bool
	state  domain.ConnectionState
	roomID string
}

func newConnection(id domain.ConnectionID, connectedAt time.Time, opts connectionOptions) *Connection {
	if opts.queueSize <= 0 {
		opts.queueSize = DefaultQueueSize
	}

	c := &Connection{
		id:          id,
		connectedAt: connectedAt,
		queue:       make(chan []byte, opts.queueSize),
		done:        make(chan struct{}),
		open:        true,
		state:       domain.StateConnecting,
	}

	if opts.failureThreshold > 0 {
		c.breaker = newFailureBreaker(c, opts)
	}
	return c
}

// newFailureBreaker trips after threshold consecutive ErrQueueFull results.
// Any successful enqueue resets the count. Tripping closes the connection for good.
func newFailureBreaker(c *Connection, opts connectionOptions) *gobreaker.CircuitBreaker {
	threshold := uint32(opts.failureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    c.id.String(),
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, domain.ErrQueueFull)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to != gobreaker.StateOpen {
				return
			}
			c.MarkClosed()
			if opts.onTrip != nil {
				opts.onTrip(c.id)
			}
		},
	})
}

func (c *Connection) ID() domain.ConnectionID { return c.id }

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports the liveness flag.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Enqueue places msg on the outbound queue without blocking.
// Returns domain.ErrQueueFull when the queue is at capacity and domain.ErrConnectionClosed
// once the liveness flag is cleared.
func (c *Connection) Enqueue(msg []byte) error {
	if c.breaker == nil {
		return c.offer(msg)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.offer(msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ErrConnectionClosed
	}
	return err
}

func (c *Connection) offer(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return domain.ErrConnectionClosed
	}

	select {
	case c.queue <- msg:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// MarkClosed clears the liveness flag and discards undelivered messages. Idempotent.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}
	c.open = false
	close(c.done)

	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// pending returns the number of queued, undelivered messages.
func (c *Connection) pending() int {
	return len(c.queue)
}

func (c *Connection) info() domain.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnectionInfo{
		ID:          c.id,
		RoomID:      c.roomID,
		State:       c.state,
		ConnectedAt: c.connectedAt,
	}
}

func (c *Connection) setRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

// transition moves the state machine from -> to. Returns false if the connection is not in from.
func (c *Connection) transition(from, to domain.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Connection) next() <-chan []byte { return c.queue }

func (c *Connection) closed() <-chan struct{} { return c.done }
