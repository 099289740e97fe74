package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pscheid92/chatrelay/internal/adapter/metrics"
	"github.com/pscheid92/chatrelay/internal/domain"
)

var errRoomRetired = errors.New("room retired")

// BroadcastResult counts the per-recipient outcomes of one fan-out.
type BroadcastResult struct {
	Recipients int
	Delivered  int
	QueueFull  int
	Closed     int
}

// Room owns the membership set for one room id. Members are non-owning references.
type Room struct {
	id      string
	metrics *metrics.RelayMetrics

	mu      sync.RWMutex
	members map[domain.ConnectionID]*Connection
	retired bool
}

func newRoom(id string, relayMetrics *metrics.RelayMetrics) *Room {
	return &Room{
		id:      id,
		metrics: relayMetrics,
		members: make(map[domain.ConnectionID]*Connection),
	}
}

func (r *Room) ID() string { return r.id }

// Join adds conn to the room. Joining twice is a no-op.
func (r *Room) Join(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired {
		return errRoomRetired
	}
	if _, exists := r.members[conn.ID()]; exists {
		return nil
	}
	r.members[conn.ID()] = conn
	return nil
}

// Leave removes conn if present and reports whether the room is now empty.
func (r *Room) Leave(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if member, exists := r.members[conn.ID()]; exists && member == conn {
		delete(r.members, conn.ID())
	}
	return len(r.members) == 0
}

func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) has(id domain.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.members[id]
	return exists
}

func (r *Room) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Connection, 0, len(r.members))
	for _, conn := range r.members {
		members = append(members, conn)
	}
	return members
}

// Broadcast enqueues msg to every member present at call time except senderID.
// Per-recipient failures are counted, never returned, and never stop the fan-out.
func (r *Room) Broadcast(senderID domain.ConnectionID, msg []byte) BroadcastResult {
	var result BroadcastResult

	for _, conn := range r.snapshot() {
		if conn.ID() == senderID {
			continue
		}
		result.Recipients++

		err := conn.Enqueue(msg)
		switch {
		case err == nil:
			result.Delivered++
			r.recordDelivery(metrics.DeliveryEnqueued)
		case errors.Is(err, domain.ErrQueueFull):
			result.QueueFull++
			r.recordDelivery(metrics.DeliveryQueueFull)
			slog.Debug("Recipient queue full, message dropped", "room_id", r.id, "connection_id", conn.ID().String())
		default:
			result.Closed++
			r.recordDelivery(metrics.DeliveryClosed)
			slog.Debug("Recipient closed, message dropped", "room_id", r.id, "connection_id", conn.ID().String())
		}
	}

	if r.metrics != nil {
		r.metrics.FanoutSize.Observe(float64(result.Recipients))
	}
	return result
}

func (r *Room) recordDelivery(result string) {
	if r.metrics != nil {
		r.metrics.DeliveriesTotal.WithLabelValues(result).Inc()
	}
}
