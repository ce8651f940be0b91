package chat

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Registry tracks which room each local connection is joined to and, per room,
// the set of local connections. It is purely in-process. Both directions are
// lock striped so traffic for unrelated rooms never contends on one mutex.
//
// Calls concerning the same connection must not race with each other; the
// transport serializes them on the connection's read loop.
type Registry struct {
	rooms    [shardCount]roomShard
	sessions [shardCount]sessionShard
}

type roomShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // room -> conn id -> conn
}

type session struct {
	roomID string
	name   string
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]session // conn id -> session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range shardCount {
		r.rooms[i].conns = make(map[string]map[string]Conn)
		r.sessions[i].sessions = make(map[string]session)
	}
	return r
}

func shardFor(key string) uint64 { return xxhash.Sum64String(key) % shardCount }

// Bind joins c to roomID under the display name name. A previous binding to a
// different room is replaced and returned.
func (r *Registry) Bind(roomID, name string, c Conn) (previous string, hadPrevious bool) {
	ss := &r.sessions[shardFor(c.ID())]
	ss.mu.Lock()
	prev, had := ss.sessions[c.ID()]
	ss.sessions[c.ID()] = session{roomID: roomID, name: name}
	ss.mu.Unlock()

	if had && prev.roomID != roomID {
		r.removeFromRoom(prev.roomID, c.ID())
	}

	rs := &r.rooms[shardFor(roomID)]
	rs.mu.Lock()
	set, ok := rs.conns[roomID]
	if !ok {
		set = make(map[string]Conn)
		rs.conns[roomID] = set
	}
	set[c.ID()] = c
	rs.mu.Unlock()

	if had {
		return prev.roomID, true
	}
	return "", false
}

// Unbind drops the connection's binding and returns the room and name it was
// bound under.
func (r *Registry) Unbind(connID string) (roomID, name string, ok bool) {
	ss := &r.sessions[shardFor(connID)]
	ss.mu.Lock()
	s, ok := ss.sessions[connID]
	delete(ss.sessions, connID)
	ss.mu.Unlock()
	if !ok {
		return "", "", false
	}
	r.removeFromRoom(s.roomID, connID)
	return s.roomID, s.name, true
}

func (r *Registry) removeFromRoom(roomID, connID string) {
	rs := &r.rooms[shardFor(roomID)]
	rs.mu.Lock()
	defer rs.mu.Unlock()
	set, ok := rs.conns[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(rs.conns, roomID)
	}
}

// RoomOf returns the room connID is joined to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	ss := &r.sessions[shardFor(connID)]
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.sessions[connID]
	return s.roomID, ok
}

// Members returns a snapshot of the local connections joined to roomID.
func (r *Registry) Members(roomID string) []Conn {
	rs := &r.rooms[shardFor(roomID)]
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	set := rs.conns[roomID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Rooms returns every room with at least one local connection.
func (r *Registry) Rooms() []string {
	var out []string
	for i := range shardCount {
		rs := &r.rooms[i]
		rs.mu.RLock()
		for id := range rs.conns {
			out = append(out, id)
		}
		rs.mu.RUnlock()
	}
	return out
}

// Len reports how many connections are bound across all rooms.
func (r *Registry) Len() int {
	n := 0
	for i := range shardCount {
		ss := &r.sessions[i]
		ss.mu.RLock()
		n += len(ss.sessions)
		ss.mu.RUnlock()
	}
	return n
}
