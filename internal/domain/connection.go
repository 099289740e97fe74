package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionID identifies one client session. Assigned by the transport when the socket is accepted.
type ConnectionID = uuid.UUID

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() ConnectionID {
	return uuid.New()
}

// ConnectionState is the lifecycle position of a connection inside the relay.
//
//	Connecting → Joined → Closing → Closed
//
// Closed is terminal.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateJoined
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason explains why a connection left the relay.
type CloseReason string

const (
	CloseReasonClient       CloseReason = "client_closed"
	CloseReasonSlowConsumer CloseReason = "slow_consumer"
	CloseReasonProtocol     CloseReason = "protocol_violation"
	CloseReasonRejected     CloseReason = "rejected"
	CloseReasonShutdown     CloseReason = "shutdown"
)

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	ID          ConnectionID    `json:"id"`
	RoomID      string          `json:"room_id"`
	State       ConnectionState `json:"-"`
	ConnectedAt time.Time       `json:"connected_at"`
}
