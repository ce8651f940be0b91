package chat

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
)

func memberIDs(r *Registry, roomID string) []string {
	var ids []string
	for _, c := range r.Members(roomID) {
		ids = append(ids, c.ID())
	}
	slices.Sort(ids)
	return ids
}

func TestRegistryBindUnbind(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")

	if _, had := r.Bind("x", "alice", a); had {
		t.Fatal("fresh bind reported a previous room")
	}
	r.Bind("x", "bob", b)

	if got := memberIDs(r, "x"); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("members of x = %v", got)
	}
	if room, ok := r.RoomOf("a"); !ok || room != "x" {
		t.Fatalf("RoomOf(a) = %q, %v", room, ok)
	}

	room, name, ok := r.Unbind("a")
	if !ok || room != "x" || name != "alice" {
		t.Fatalf("Unbind(a) = %q, %q, %v", room, name, ok)
	}
	if _, _, ok := r.Unbind("a"); ok {
		t.Fatal("second unbind reported a binding")
	}
	if _, ok := r.RoomOf("a"); ok {
		t.Fatal("unbound connection still has a room")
	}

	r.Unbind("b")
	if got := r.Rooms(); len(got) != 0 {
		t.Fatalf("empty room was not removed: %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", r.Len())
	}
}

func TestRegistryRebindMovesConnection(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("a")

	r.Bind("x", "alice", a)
	prev, had := r.Bind("y", "alice", a)
	if !had || prev != "x" {
		t.Fatalf("expected previous room x, got %q %v", prev, had)
	}
	if got := memberIDs(r, "x"); len(got) != 0 {
		t.Fatalf("connection left behind in x: %v", got)
	}
	if got := memberIDs(r, "y"); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("members of y = %v", got)
	}
	if got := r.Rooms(); !slices.Equal(got, []string{"y"}) {
		t.Fatalf("rooms = %v", got)
	}

	// Re-binding to the same room keeps a single entry.
	r.Bind("y", "alice", a)
	if got := memberIDs(r, "y"); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("members of y after rebind = %v", got)
	}
}

// The room index always equals the set of joined, not yet disconnected
// connections, whatever the sequence of joins and leaves.
func TestRegistryMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	roomsList := []string{"r1", "r2", "r3"}
	conns := make([]*fakeConn, 12)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
	}

	r := NewRegistry()
	model := map[string]string{} // conn -> room

	for step := range 2000 {
		c := conns[rng.IntN(len(conns))]
		if rng.IntN(3) == 0 {
			r.Unbind(c.ID())
			delete(model, c.ID())
		} else {
			room := roomsList[rng.IntN(len(roomsList))]
			r.Bind(room, c.ID(), c)
			model[c.ID()] = room
		}

		for _, room := range roomsList {
			var want []string
			for id, rm := range model {
				if rm == room {
					want = append(want, id)
				}
			}
			slices.Sort(want)
			if got := memberIDs(r, room); !slices.Equal(got, want) {
				t.Fatalf("step %d: members of %s = %v, want %v", step, room, got, want)
			}
		}
		if r.Len() != len(model) {
			t.Fatalf("step %d: Len() = %d, want %d", step, r.Len(), len(model))
		}
	}
}

func TestRegistryConcurrentConnections(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			for j := range 100 {
				r.Bind(fmt.Sprintf("room-%d", j%4), c.ID(), c)
				_ = r.Members("room-0")
				_ = r.Rooms()
			}
			if i%2 == 0 {
				r.Unbind(c.ID())
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, room := range r.Rooms() {
		total += len(r.Members(room))
	}
	if total != 32 || r.Len() != 32 {
		t.Fatalf("expected 32 bound connections, index has %d, sessions %d", total, r.Len())
	}
	// Every connection ended its loop on room-3.
	if got := len(r.Members("room-3")); got != 32 {
		t.Fatalf("expected 32 connections in room-3, got %d", got)
	}
}
