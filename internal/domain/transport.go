package domain

import "context"

// Transport is implemented by the network layer. The relay calls Deliver from one
// goroutine per connection, so implementations never see concurrent Deliver calls
// for the same id.
type Transport interface {
	// Deliver writes payload to the client's socket. An error means the socket is
	// gone; the transport reports that back through the relay's close event.
	Deliver(ctx context.Context, id ConnectionID, payload []byte) error

	// Disconnect drops the socket after the relay evicted the connection.
	Disconnect(id ConnectionID, reason CloseReason)
}

// Relay is the event surface the transport drives.
type Relay interface {
	OnConnectionEstablished(ctx context.Context, id ConnectionID, roomID string) error
	OnTextMessage(ctx context.Context, id ConnectionID, payload []byte) error
	OnConnectionClosed(ctx context.Context, id ConnectionID)

	// CloseConnection tears a connection down on the transport's initiative,
	// e.g. after a protocol violation.
	CloseConnection(ctx context.Context, id ConnectionID, reason CloseReason)
}
