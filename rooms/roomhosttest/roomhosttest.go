package roomhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
)

// Harness is a host under test plus a way to move its notion of time forward.
type Harness struct {
	Host rooms.Host
	// Advance moves the host's clock so TTLs elapse without sleeping.
	Advance func(d time.Duration)
}

// HostFactory creates a fresh, empty host for one test.
type HostFactory func(t *testing.T) Harness

// RunRoomHostTests runs the complete Host test suite against the provided factory.
func RunRoomHostTests(t *testing.T, factory HostFactory) {
	t.Run("Keys_GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Keys_SetGetRoundTrip", func(t *testing.T) { testSetGetRoundTrip(t, factory) })
	t.Run("Keys_TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("Keys_SetNX", func(t *testing.T) { testSetNX(t, factory) })
	t.Run("Keys_ExpireAbsentIsNoop", func(t *testing.T) { testExpireAbsent(t, factory) })
	t.Run("Keys_DeleteMany", func(t *testing.T) { testDeleteMany(t, factory) })

	t.Run("Sets_AddRemoveSize", func(t *testing.T) { testSetAddRemoveSize(t, factory) })
	t.Run("Sets_Expire", func(t *testing.T) { testSetExpire(t, factory) })
	t.Run("Sets_RemoveAndReap", func(t *testing.T) { testRemoveAndReap(t, factory) })
	t.Run("Sets_RemoveAndReapAbsentMember", func(t *testing.T) { testRemoveAndReapAbsent(t, factory) })

	t.Run("PubSub_PatternDelivery", func(t *testing.T) { testPatternDelivery(t, factory) })
	t.Run("PubSub_OrderFromOnePublisher", func(t *testing.T) { testPublishOrder(t, factory) })
	t.Run("PubSub_FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("PubSub_CancellationStopsSubscription", func(t *testing.T) { testSubscribeCancellation(t, factory) })
	t.Run("PubSub_HandlerErrorStopsSubscription", func(t *testing.T) { testSubscribeHandlerError(t, factory) })
}

// --- Keys ---

func testGetMissing(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	v, ok, err := h.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || v != nil {
		t.Fatalf("expected miss, got ok=%v value=%q", ok, v)
	}
	if _, ok, err := h.TTL(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no ttl for missing key, got ok=%v err=%v", ok, err)
	}
}

func testSetGetRoundTrip(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	if err := h.Set(ctx, "k", []byte(`{"a":1}`), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := h.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"a":1}` {
		t.Fatalf("expected round-tripped value, got %q", v)
	}
	if _, ok, _ := h.TTL(ctx, "k"); ok {
		t.Fatalf("expected no ttl on key stored without expiry")
	}
}

func testTTLExpiry(t *testing.T, factory HostFactory) {
	hn := factory(t)
	h := hn.Host
	ctx := t.Context()

	if err := h.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	ttl, ok, err := h.TTL(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("ttl: ok=%v err=%v", ok, err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl in (0, 1m], got %s", ttl)
	}

	hn.Advance(30 * time.Second)
	if _, ok, _ := h.Get(ctx, "k"); !ok {
		t.Fatalf("key expired too early")
	}
	ttl, _, _ = h.TTL(ctx, "k")
	if ttl > 30*time.Second+time.Second {
		t.Fatalf("expected ttl to shrink to ~30s, got %s", ttl)
	}

	hn.Advance(31 * time.Second)
	if _, ok, err := h.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected key to have expired, ok=%v err=%v", ok, err)
	}
}

func testSetNX(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	ok, err := h.SetNX(ctx, "k", []byte("first"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, err = h.SetNX(ctx, "k", []byte("second"), time.Minute)
	if err != nil {
		t.Fatalf("second setnx: %v", err)
	}
	if ok {
		t.Fatalf("expected second setnx to be refused")
	}
	v, _, _ := h.Get(ctx, "k")
	if string(v) != "first" {
		t.Fatalf("expected first value to survive, got %q", v)
	}
}

func testExpireAbsent(t *testing.T, factory HostFactory) {
	hn := factory(t)
	h := hn.Host
	ctx := t.Context()

	if err := h.Expire(ctx, "nope", time.Minute); err != nil {
		t.Fatalf("expire absent: %v", err)
	}
	if _, ok, _ := h.Get(ctx, "nope"); ok {
		t.Fatalf("expire must not create keys")
	}

	if err := h.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := h.Expire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("expire: %v", err)
	}
	hn.Advance(11 * time.Second)
	if _, ok, _ := h.Get(ctx, "k"); ok {
		t.Fatalf("expected key to expire after Expire")
	}
}

func testDeleteMany(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	for _, k := range []string{"a", "b"} {
		if err := h.Set(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := h.SetAdd(ctx, "s", "m"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := h.Delete(ctx, "a", "b", "s", "never-existed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, ok, _ := h.Get(ctx, k); ok {
			t.Fatalf("expected %s deleted", k)
		}
	}
	if n, _ := h.SetSize(ctx, "s"); n != 0 {
		t.Fatalf("expected set deleted, size %d", n)
	}
	if err := h.Delete(ctx); err != nil {
		t.Fatalf("delete with no keys: %v", err)
	}
}

// --- Sets ---

func testSetAddRemoveSize(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	for _, m := range []string{"c1", "c2", "c2"} {
		if err := h.SetAdd(ctx, "s", m); err != nil {
			t.Fatalf("sadd %s: %v", m, err)
		}
	}
	if n, err := h.SetSize(ctx, "s"); err != nil || n != 2 {
		t.Fatalf("expected size 2, got %d err=%v", n, err)
	}
	if err := h.SetRemove(ctx, "s", "c1"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	if err := h.SetRemove(ctx, "s", "c1"); err != nil {
		t.Fatalf("srem twice: %v", err)
	}
	if n, _ := h.SetSize(ctx, "s"); n != 1 {
		t.Fatalf("expected size 1, got %d", n)
	}
	if n, err := h.SetSize(ctx, "missing-set"); err != nil || n != 0 {
		t.Fatalf("expected empty missing set, got %d err=%v", n, err)
	}
}

func testSetExpire(t *testing.T, factory HostFactory) {
	hn := factory(t)
	h := hn.Host
	ctx := t.Context()

	if err := h.SetAdd(ctx, "s", "c1"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := h.Expire(ctx, "s", time.Minute); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, ok, _ := h.TTL(ctx, "s"); !ok {
		t.Fatalf("expected ttl on set")
	}
	hn.Advance(2 * time.Minute)
	if n, _ := h.SetSize(ctx, "s"); n != 0 {
		t.Fatalf("expected set to expire, size %d", n)
	}
}

func testRemoveAndReap(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	if err := h.Set(ctx, "room", []byte("r"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	for _, m := range []string{"c1", "c2"} {
		if err := h.SetAdd(ctx, "users", m); err != nil {
			t.Fatalf("sadd: %v", err)
		}
	}

	n, err := h.SetRemoveAndReap(ctx, "users", "c1", "room")
	if err != nil {
		t.Fatalf("reap 1: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
	if _, ok, _ := h.Get(ctx, "room"); !ok {
		t.Fatalf("room must survive while members remain")
	}

	n, err = h.SetRemoveAndReap(ctx, "users", "c2", "room")
	if err != nil {
		t.Fatalf("reap 2: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 remaining, got %d", n)
	}
	if _, ok, _ := h.Get(ctx, "room"); ok {
		t.Fatalf("expected room to be reaped with the last member")
	}
}

func testRemoveAndReapAbsent(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx := t.Context()

	for i := range 2 {
		n, err := h.SetRemoveAndReap(ctx, "users", "ghost", "room")
		if err != nil {
			t.Fatalf("reap %d: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("expected 0 remaining, got %d", n)
		}
	}
}

// --- Pub/sub ---

type received struct {
	channel string
	payload string
}

// subscribe runs Subscribe in the background and gives it time to register.
func subscribe(t *testing.T, ctx context.Context, h rooms.Host, pattern string, handler rooms.MessageHandlerFunction) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, pattern, handler) }()
	time.Sleep(100 * time.Millisecond)
	return done
}

func testPatternDelivery(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	got := make(chan received, 4)
	done := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		got <- received{channel, string(payload)}
		return nil
	})

	if err := h.Publish(ctx, "other:room:x", []byte("ignored")); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := h.Publish(ctx, "t:room:abc", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case r := <-got:
		if r.channel != "t:room:abc" || r.payload != "hello" {
			t.Fatalf("unexpected delivery %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	select {
	case r := <-got:
		t.Fatalf("unexpected extra delivery %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func testPublishOrder(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	const n = 50
	var mu sync.Mutex
	var payloads []string
	all := make(chan struct{})
	done := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(payload))
		if len(payloads) == n {
			close(all)
		}
		return nil
	})

	for i := range n {
		if err := h.Publish(ctx, "t:room:abc", []byte(fmt.Sprintf("m-%02d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive all messages")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, p := range payloads {
		if want := fmt.Sprintf("m-%02d", i); p != want {
			t.Fatalf("out of order at %d: got %s want %s", i, p, want)
		}
	}
}

func testFanOut(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	a := make(chan string, 1)
	b := make(chan string, 1)
	doneA := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		a <- string(payload)
		return nil
	})
	doneB := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		b <- string(payload)
		return nil
	})

	if err := h.Publish(ctx, "t:room:z", []byte("both")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]chan string{"a": a, "b": b} {
		select {
		case p := <-ch:
			if p != "both" {
				t.Fatalf("subscriber %s got %q", name, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
	cancel()
	<-doneA
	<-doneB
}

func testSubscribeCancellation(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithCancel(t.Context())

	done := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		return nil
	})
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop on cancellation")
	}
}

func testSubscribeHandlerError(t *testing.T, factory HostFactory) {
	h := factory(t).Host
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	done := subscribe(t, ctx, h, "t:room:*", func(ctx context.Context, channel string, payload []byte) error {
		return boom
	})
	if err := h.Publish(ctx, "t:room:a", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop on handler error")
	}
}
