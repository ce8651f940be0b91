package memoryhost

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
)

// ErrWrongType mirrors Redis' WRONGTYPE: a set operation against a plain value
// or the reverse.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

const subscriptionBuffer = 1024

// Host is an in-memory implementation of rooms.Host.
type Host struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	subMu sync.RWMutex
	subs  map[*subscription]struct{}

	sweepEvery time.Duration
	closed     atomic.Bool
	stopCh     chan struct{}
	closeOnce  sync.Once
}

type entry struct {
	value     []byte
	members   map[string]struct{} // non-nil for sets
	expiresAt time.Time           // zero means no expiry
}

func (e *entry) isSet() bool { return e.members != nil }

type delivery struct {
	channel string
	payload []byte
}

type subscription struct {
	pattern string
	ch      chan delivery
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// WithSweepInterval sets how often expired keys are purged in the background.
// Expired keys are invisible regardless; the sweep only reclaims memory.
func WithSweepInterval(d time.Duration) Option {
	return func(h *Host) { h.sweepEvery = d }
}

// New creates an empty Host. Call Close to stop its background sweep.
func New(opts ...Option) *Host {
	h := &Host{
		entries:    make(map[string]*entry),
		now:        time.Now,
		subs:       make(map[*subscription]struct{}),
		sweepEvery: time.Minute,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.sweepExpired()
	return h
}

// --- Keys ---

func (h *Host) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := h.check(ctx); err != nil {
		return nil, false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lookupLocked(key)
	if e == nil {
		return nil, false, nil
	}
	if e.isSet() {
		return nil, false, ErrWrongType
	}
	return append([]byte(nil), e.value...), true, nil
}

func (h *Host) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[key] = &entry{value: append([]byte(nil), value...), expiresAt: h.deadline(ttl)}
	return nil
}

func (h *Host) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := h.check(ctx); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lookupLocked(key) != nil {
		return false, nil
	}
	h.entries[key] = &entry{value: append([]byte(nil), value...), expiresAt: h.deadline(ttl)}
	return true, nil
}

func (h *Host) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := h.check(ctx); err != nil {
		return 0, false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lookupLocked(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(h.now()), true, nil
}

func (h *Host) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lookupLocked(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(h.entries, key)
		return nil
	}
	e.expiresAt = h.now().Add(ttl)
	return nil
}

func (h *Host) Delete(ctx context.Context, keys ...string) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		delete(h.entries, k)
	}
	return nil
}

// --- Sets ---

func (h *Host) SetAdd(ctx context.Context, key, member string) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lookupLocked(key)
	if e == nil {
		e = &entry{members: make(map[string]struct{})}
		h.entries[key] = e
	}
	if !e.isSet() {
		return ErrWrongType
	}
	e.members[member] = struct{}{}
	return nil
}

func (h *Host) SetRemove(ctx context.Context, key, member string) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.removeLocked(key, member)
	return err
}

func (h *Host) SetSize(ctx context.Context, key string) (int64, error) {
	if err := h.check(ctx); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.lookupLocked(key)
	if e == nil {
		return 0, nil
	}
	if !e.isSet() {
		return 0, ErrWrongType
	}
	return int64(len(e.members)), nil
}

func (h *Host) SetRemoveAndReap(ctx context.Context, key, member string, reap ...string) (int64, error) {
	if err := h.check(ctx); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	remaining, err := h.removeLocked(key, member)
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		delete(h.entries, key)
		for _, k := range reap {
			delete(h.entries, k)
		}
	}
	return remaining, nil
}

// removeLocked drops member and deletes the set once empty, like Redis does.
func (h *Host) removeLocked(key, member string) (int64, error) {
	e := h.lookupLocked(key)
	if e == nil {
		return 0, nil
	}
	if !e.isSet() {
		return 0, ErrWrongType
	}
	delete(e.members, member)
	if len(e.members) == 0 {
		delete(h.entries, key)
	}
	return int64(len(e.members)), nil
}

// --- Pub/sub ---

func (h *Host) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	d := delivery{channel: channel, payload: append([]byte(nil), payload...)}

	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for sub := range h.subs {
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		select {
		case sub.ch <- d:
		default:
			// Subscriber is not keeping up; at-most-once delivery allows the drop.
		}
	}
	return nil
}

func (h *Host) Subscribe(ctx context.Context, pattern string, handler rooms.MessageHandlerFunction) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	sub := &subscription{pattern: pattern, ch: make(chan delivery, subscriptionBuffer)}
	h.subMu.Lock()
	h.subs[sub] = struct{}{}
	h.subMu.Unlock()
	defer func() {
		h.subMu.Lock()
		delete(h.subs, sub)
		h.subMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopCh:
			return rooms.ErrHostClosed
		case d := <-sub.ch:
			if err := handler(ctx, d.channel, d.payload); err != nil {
				return err
			}
		}
	}
}

// --- Lifecycle ---

func (h *Host) Ping(ctx context.Context) error { return h.check(ctx) }

// Close stops the sweep and terminates active subscriptions.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	return nil
}

// --- Helpers ---

func (h *Host) check(ctx context.Context) error {
	if h.closed.Load() {
		return rooms.ErrHostClosed
	}
	return ctx.Err()
}

func (h *Host) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return h.now().Add(ttl)
}

// lookupLocked returns the live entry at key, evicting it if it has expired.
func (h *Host) lookupLocked(key string) *entry {
	e, ok := h.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !h.now().Before(e.expiresAt) {
		delete(h.entries, key)
		return nil
	}
	return e
}

func (h *Host) sweepExpired() {
	ticker := time.NewTicker(h.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.Lock()
			for key := range h.entries {
				h.lookupLocked(key)
			}
			h.mu.Unlock()
		}
	}
}

// Interface compliance
var _ rooms.Host = (*Host)(nil)
