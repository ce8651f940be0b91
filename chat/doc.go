// Package chat routes chat messages between the connections a single process
// holds open, and between processes via the rooms relay channels.
//
// Layers & Roles
//
//	Registry -> per-process connection <-> room bookkeeping (lock striped)
//	Engine   -> liveness checks, join/leave, local broadcast, relay publish
//	Conn     -> transport-owned handle the engine delivers frames to
//
// # Message Paths
//
// A message that arrives from a client goes through HandleLocalMessage: the
// room's liveness is checked against the shared store, joins are recorded, the
// message is broadcast to every local connection in the room and then published
// on the room's relay channel. A message that arrives from the relay goes
// through HandleRelayedMessage, which only broadcasts locally. The two paths
// never share a code path that publishes, so a relayed message cannot bounce
// between processes.
//
// # Connection States
//
//	CONNECTED -> JOINED (JOIN for a live room)
//	JOINED    -> JOINED (JOIN for another room: leave then join)
//	JOINED    -> CONNECTED (client LEAVE)
//	any       -> CLOSED (disconnect, transport error, ROOM_EXPIRED)
//
// # Delivery
//
// Conn.Send must not block. Transports buffer per connection and report
// ErrSendBufferFull when a reader falls behind; that recipient misses the
// message and everyone else still gets it. Messages from one origin reach each
// recipient in the order they were sent. Nothing is promised across origins or
// across processes.
package chat
