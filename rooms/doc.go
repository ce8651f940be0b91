// Package rooms owns the lifecycle of ephemeral chat rooms. A room is a record
// in a shared, TTL-bearing store plus a set of participant connection IDs. The
// store's own expiry is the authority on whether a room is alive: a room whose
// record has vanished is expired, full stop.
//
// Layers & Roles
//
//	Host    -> shared key/value + set + pub/sub service (memoryhost, redishost)
//	Manager -> create / fetch / destroy rooms, participant bookkeeping, relay channels
//
// # Host Interface
//
// Host abstracts the handful of primitives the Manager needs:
//   - Get / Set / SetNX / TTL / Expire / Delete : room records with expiry
//   - SetAdd / SetRemove / SetSize             : participant sets
//   - SetRemoveAndReap                          : atomic "last one out deletes the room"
//   - Publish / Subscribe                       : cross-process relay channels
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis backed implementation for horizontal scale
//
// # Lifetimes
//
// CreateRoom clamps the requested lifetime into the active LifetimePolicy
// (1 to 60 minutes, 10 by default). Joining or leaving rewrites the cached
// participant count with the record's remaining TTL, so activity never extends a
// room's life.
//
// Example:
//
//	mgr, _ := rooms.NewManager(memoryhost.New())
//	room, _ := mgr.CreateRoom(ctx, nil) // 10 minutes
//	_ = mgr.AddParticipant(ctx, room.ID, connID)
package rooms
