package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRoomNotFound means the room expired or never existed. The two cases are
	// deliberately indistinguishable.
	ErrRoomNotFound = errors.New("room not found or expired")
	// ErrStoreUnavailable wraps every failure of the shared store. It is
	// retryable and must never be read as "room not found".
	ErrStoreUnavailable = errors.New("room store unavailable")
	// ErrIDSpaceExhausted is returned when repeated ID collisions prevent a room
	// from being created.
	ErrIDSpaceExhausted = errors.New("could not allocate a unique room id")
)

const (
	defaultKeyPrefix     = "room:"
	defaultChannelPrefix = "chat:room:"
	maxIDAttempts        = 5
	maxIDLength          = 64
)

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Manager creates, fetches and destroys rooms against a shared Host. It is
// stateless apart from its lifetime policy, so any number of processes may run
// one against the same Host.
type Manager struct {
	host          Host
	log           *slog.Logger
	keyPrefix     string
	channelPrefix string
	policy        atomic.Pointer[LifetimePolicy]
	now           func() time.Time
	newID         func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithKeyPrefix changes the prefix of the room record and participant set keys.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// WithChannelPrefix changes the prefix of per-room relay channels.
func WithChannelPrefix(prefix string) Option {
	return func(m *Manager) { m.channelPrefix = prefix }
}

// WithLifetimePolicy replaces DefaultLifetimePolicy.
func WithLifetimePolicy(p LifetimePolicy) Option {
	return func(m *Manager) { m.policy.Store(&p) }
}

// WithClock overrides time.Now. Mostly useful in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides room ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager builds a Manager over host.
func NewManager(host Host, opts ...Option) (*Manager, error) {
	if host == nil {
		return nil, errors.New("rooms: host is required")
	}
	m := &Manager{
		host:          host,
		log:           slog.New(slog.DiscardHandler),
		keyPrefix:     defaultKeyPrefix,
		channelPrefix: defaultChannelPrefix,
		now:           time.Now,
		newID:         shortID,
	}
	p := DefaultLifetimePolicy
	m.policy.Store(&p)
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Policy().Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// shortID is the first eight hex characters of a random UUID.
func shortID() string { return uuid.NewString()[:8] }

// Policy returns the lifetime policy currently in force.
func (m *Manager) Policy() LifetimePolicy { return *m.policy.Load() }

// SetPolicy swaps the lifetime policy for rooms created from now on. Existing
// rooms keep their expiry.
func (m *Manager) SetPolicy(p LifetimePolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.policy.Store(&p)
	m.log.Info("room lifetime policy updated",
		slog.Duration("min", p.Min), slog.Duration("max", p.Max), slog.Duration("default", p.Default))
	return nil
}

func (m *Manager) roomKey(id string) string  { return m.keyPrefix + "{" + id + "}" }
func (m *Manager) usersKey(id string) string { return m.keyPrefix + "users:{" + id + "}" }

// Channel is the relay channel of a room.
func (m *Manager) Channel(roomID string) string { return m.channelPrefix + roomID }

// CreateRoom stores a new room whose lifetime is the requested number of minutes
// clamped into the policy bounds; nil selects the policy default. The room
// record and its participant set both carry that lifetime as TTL.
func (m *Manager) CreateRoom(ctx context.Context, lifetimeMinutes *int) (Room, error) {
	lifetime := m.Policy().Clamp(lifetimeMinutes)

	for range maxIDAttempts {
		now := m.now()
		room := Room{ID: m.newID(), CreatedAt: now, ExpiresAt: now.Add(lifetime)}
		data, err := json.Marshal(room)
		if err != nil {
			return Room{}, fmt.Errorf("marshal room: %w", err)
		}

		created, err := m.host.SetNX(ctx, m.roomKey(room.ID), data, lifetime)
		if err != nil {
			return Room{}, storeError("create room", err)
		}
		if !created {
			m.log.DebugContext(ctx, "room id collision, retrying", slog.String("room_id", room.ID))
			continue
		}

		// The set key usually does not exist yet, in which case this is a no-op;
		// AddParticipant applies the TTL once the first member lands.
		if err := m.host.Expire(ctx, m.usersKey(room.ID), lifetime); err != nil {
			return Room{}, storeError("expire participant set", err)
		}

		m.log.InfoContext(ctx, "room created",
			slog.String("room_id", room.ID),
			slog.Duration("lifetime", lifetime),
			slog.Time("expires_at", room.ExpiresAt))
		return room, nil
	}

	return Room{}, ErrIDSpaceExhausted
}

// GetRoom fetches a room. A miss returns ErrRoomNotFound.
func (m *Manager) GetRoom(ctx context.Context, id string) (Room, error) {
	if !validID(id) {
		return Room{}, ErrRoomNotFound
	}
	data, ok, err := m.host.Get(ctx, m.roomKey(id))
	if err != nil {
		return Room{}, storeError("get room", err)
	}
	if !ok {
		m.log.DebugContext(ctx, "room not found, likely expired", slog.String("room_id", id))
		return Room{}, ErrRoomNotFound
	}
	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return Room{}, fmt.Errorf("decode room %s: %w", id, err)
	}
	return room, nil
}

// RoomExists reports whether the room is live.
func (m *Manager) RoomExists(ctx context.Context, id string) (bool, error) {
	_, err := m.GetRoom(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrRoomNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ActiveUsers returns the authoritative participant count of a room.
func (m *Manager) ActiveUsers(ctx context.Context, roomID string) (int, error) {
	n, err := m.host.SetSize(ctx, m.usersKey(roomID))
	if err != nil {
		return 0, storeError("participant count", err)
	}
	return int(n), nil
}

// AddParticipant adds connID to the room's participant set and refreshes the
// cached count without extending the room's lifetime.
func (m *Manager) AddParticipant(ctx context.Context, roomID, connID string) error {
	if !validID(roomID) {
		return ErrRoomNotFound
	}
	roomKey, usersKey := m.roomKey(roomID), m.usersKey(roomID)

	if err := m.host.SetAdd(ctx, usersKey, connID); err != nil {
		return storeError("add participant", err)
	}

	ttl, ok, err := m.host.TTL(ctx, roomKey)
	if err != nil {
		return storeError("room ttl", err)
	}
	if !ok {
		// The room expired or was destroyed after the caller's liveness check.
		// Undo the add so the set cannot outlive the room without a TTL.
		if err := m.host.SetRemove(ctx, usersKey, connID); err != nil {
			m.log.WarnContext(ctx, "failed to undo participant add", slog.String("room_id", roomID), slog.Any("err", err))
		}
		return ErrRoomNotFound
	}
	if err := m.host.Expire(ctx, usersKey, ttl); err != nil {
		return storeError("expire participant set", err)
	}

	count, err := m.refreshCount(ctx, roomID)
	if err != nil {
		return err
	}
	m.log.InfoContext(ctx, "participant joined",
		slog.String("room_id", roomID), slog.String("conn_id", connID), slog.Int("active_users", count))
	return nil
}

// RemoveParticipant removes connID from the room. When the room is left empty it
// is destroyed immediately rather than waiting out its TTL. Removing a
// participant that is already gone is not an error.
func (m *Manager) RemoveParticipant(ctx context.Context, roomID, connID string) error {
	if !validID(roomID) {
		return nil
	}
	remaining, err := m.host.SetRemoveAndReap(ctx, m.usersKey(roomID), connID, m.roomKey(roomID))
	if err != nil {
		return storeError("remove participant", err)
	}
	if remaining == 0 {
		m.log.InfoContext(ctx, "last participant left, room destroyed",
			slog.String("room_id", roomID), slog.String("conn_id", connID))
		return nil
	}

	count, err := m.refreshCount(ctx, roomID)
	if err != nil {
		return err
	}
	m.log.InfoContext(ctx, "participant left",
		slog.String("room_id", roomID), slog.String("conn_id", connID), slog.Int("active_users", count))
	return nil
}

// DestroyRoom deletes the room record and its participant set.
func (m *Manager) DestroyRoom(ctx context.Context, roomID string) error {
	if !validID(roomID) {
		return nil
	}
	if err := m.host.Delete(ctx, m.roomKey(roomID), m.usersKey(roomID)); err != nil {
		return storeError("destroy room", err)
	}
	m.log.InfoContext(ctx, "room destroyed", slog.String("room_id", roomID))
	return nil
}

// refreshCount rewrites the cached participant count on the room record while
// preserving the record's remaining TTL. The read-TTL-then-write sequence is not
// atomic; a concurrent destroy can resurrect the record until that TTL elapses.
func (m *Manager) refreshCount(ctx context.Context, roomID string) (int, error) {
	size, err := m.host.SetSize(ctx, m.usersKey(roomID))
	if err != nil {
		return 0, storeError("participant count", err)
	}

	room, err := m.GetRoom(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return int(size), nil
	}
	if err != nil {
		return 0, err
	}

	roomKey := m.roomKey(roomID)
	ttl, ok, err := m.host.TTL(ctx, roomKey)
	if err != nil {
		return 0, storeError("room ttl", err)
	}
	if !ok || ttl <= 0 {
		return int(size), nil
	}

	room.ActiveUsers = int(size)
	data, err := json.Marshal(room)
	if err != nil {
		return 0, fmt.Errorf("marshal room: %w", err)
	}
	if err := m.host.Set(ctx, roomKey, data, ttl); err != nil {
		return 0, storeError("update room", err)
	}
	return room.ActiveUsers, nil
}

// Publish sends payload on the room's relay channel.
func (m *Manager) Publish(ctx context.Context, roomID string, payload []byte) error {
	if err := m.host.Publish(ctx, m.Channel(roomID), payload); err != nil {
		return storeError("publish", err)
	}
	return nil
}

// Subscribe blocks, delivering every payload published on any room's relay
// channel, until ctx ends or handler fails.
func (m *Manager) Subscribe(ctx context.Context, handler func(ctx context.Context, roomID string, payload []byte) error) error {
	err := m.host.Subscribe(ctx, m.channelPrefix+"*", func(ctx context.Context, channel string, payload []byte) error {
		roomID, ok := strings.CutPrefix(channel, m.channelPrefix)
		if !ok {
			return nil
		}
		return handler(ctx, roomID, payload)
	})
	if err != nil && ctx.Err() == nil {
		return storeError("subscribe", err)
	}
	return err
}

// Ping checks the shared store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.host.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// validID accepts short tokens of letters, digits, '-' and '_'. Anything else
// cannot have been issued by CreateRoom and is treated as not found.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
