// Package relay implements the connection registry and broadcast core.
//
// Registry maps room ids to Rooms, Rooms hold member Connections and fan messages out over a
// membership snapshot, and Core drives each Connection through Connecting → Joined → Closing → Closed.
// Enqueue never blocks: a full per-connection queue drops the message for that recipient only.
// One pump goroutine per connection drains its queue into the transport.
package relay
