// Package redishost implements rooms.Host on Redis so that any number of chat
// server processes can share room state and relay messages to each other.
//
// Design Notes
//   - Room records: plain string keys written with SET PX / SET NX PX
//   - Participant sets: SADD / SREM / SCARD, TTL applied with PEXPIRE
//   - Last-participant cleanup: one Lua script removes the member and, when the
//     set is left empty, deletes the set and the room record atomically
//   - Relay: PUBLISH on per-room channels, one PSUBSCRIBE per process
//
// Trade-offs
//
//	Pros: TTL expiry is enforced by Redis itself; relay needs no extra broker
//	Cons: pub/sub is fire-and-forget, so a process that is briefly
//	      disconnected misses messages published meanwhile
//
// Keys touched by the reap script must hash to the same cluster slot; the
// rooms.Manager key layout uses hash tags for that.
//
// Example:
//
//	host, _ := redishost.New(redishost.Config{Addr: "localhost:6379"})
//	defer host.Close()
//	mgr, _ := rooms.NewManager(host)
package redishost
