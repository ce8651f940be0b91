package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/google/uuid"
)

var (
	// ErrRoomExpired is returned when a message targets a room that has expired
	// or never existed. The origin has been sent ROOM_EXPIRED and closed.
	ErrRoomExpired = errors.New("room expired or does not exist")
	// ErrNotJoined is returned for CHAT or LEAVE from a connection that is not
	// joined to the message's room.
	ErrNotJoined = errors.New("connection is not joined to the room")
	// ErrClientType is returned when a client sends a server-only message type.
	ErrClientType = errors.New("message type may not be sent by clients")
)

const unavailableBody = "room service unavailable, retry"

// Rooms is the slice of rooms.Manager the engine depends on.
type Rooms interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	AddParticipant(ctx context.Context, roomID, connID string) error
	RemoveParticipant(ctx context.Context, roomID, connID string) error
	Publish(ctx context.Context, roomID string, payload []byte) error
	Subscribe(ctx context.Context, handler func(ctx context.Context, roomID string, payload []byte) error) error
}

var _ Rooms = (*rooms.Manager)(nil)

// Engine implements the per-process message routing. One Engine serves every
// connection of a process.
type Engine struct {
	rooms      Rooms
	registry   *Registry
	log        *slog.Logger
	nodeID     string
	now        func() time.Time
	sweepEvery time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithNodeID names this process on the relay. It must differ between processes
// sharing a store. A random ID is used by default.
func WithNodeID(id string) Option {
	return func(e *Engine) { e.nodeID = id }
}

// WithClock overrides time.Now for server-stamped timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSweepInterval sets how often RunExpirySweeper checks local rooms.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepEvery = d }
}

// NewEngine builds an Engine routing through registry.
func NewEngine(rms Rooms, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		rooms:      rms,
		registry:   registry,
		log:        slog.New(slog.DiscardHandler),
		nodeID:     uuid.NewString(),
		now:        time.Now,
		sweepEvery: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeID is the identity this engine publishes under.
func (e *Engine) NodeID() string { return e.nodeID }

// Registry exposes the engine's registry.
func (e *Engine) Registry() *Registry { return e.registry }

// HandleLocalMessage processes one frame received from c. The returned error
// describes why the frame was rejected, if it was; the connection has already
// been told. Only ErrRoomExpired closes the connection.
func (e *Engine) HandleLocalMessage(ctx context.Context, c Conn, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		e.reply(ctx, c, "", err.Error())
		return err
	}
	if msg.RoomID == "" {
		e.reply(ctx, c, "", "roomId is required")
		return fmt.Errorf("%w: missing roomId", ErrMalformedMessage)
	}
	if !msg.Type.ClientSendable() {
		e.reply(ctx, c, msg.RoomID, fmt.Sprintf("%s messages may not be sent by clients", msg.Type))
		return fmt.Errorf("%w: %s", ErrClientType, msg.Type)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now().UTC()
	}
	if msg.Sender == "" {
		msg.Sender = c.ID()
	}

	if msg.Type == TypeLeave {
		return e.clientLeave(ctx, c, msg.RoomID)
	}

	live, err := e.rooms.RoomExists(ctx, msg.RoomID)
	if err != nil {
		e.log.WarnContext(ctx, "room liveness check failed", slog.String("room_id", msg.RoomID), slog.Any("err", err))
		e.reply(ctx, c, msg.RoomID, unavailableBody)
		return err
	}
	if !live {
		e.expire(ctx, c, msg.RoomID)
		return ErrRoomExpired
	}

	switch msg.Type {
	case TypeJoin:
		if err := e.join(ctx, c, msg); err != nil {
			return err
		}
	case TypeChat:
		if roomID, ok := e.registry.RoomOf(c.ID()); !ok || roomID != msg.RoomID {
			e.reply(ctx, c, msg.RoomID, "join the room before sending messages")
			return ErrNotJoined
		}
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	e.broadcast(ctx, msg.RoomID, payload)
	e.publish(ctx, msg)
	return nil
}

// HandleRelayedMessage delivers a message received on a room's relay channel
// to local connections. It never publishes and never touches participant sets.
func (e *Engine) HandleRelayedMessage(ctx context.Context, roomID string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		e.log.WarnContext(ctx, "dropping undecodable relay payload", slog.String("room_id", roomID), slog.Any("err", err))
		return nil
	}
	if env.Origin == e.nodeID {
		return nil
	}
	if env.Message.RoomID != roomID {
		e.log.WarnContext(ctx, "dropping relay payload for mismatched room",
			slog.String("room_id", roomID), slog.String("message_room_id", env.Message.RoomID))
		return nil
	}
	frame, err := env.Message.Encode()
	if err != nil {
		e.log.WarnContext(ctx, "dropping relay payload", slog.String("room_id", roomID), slog.Any("err", err))
		return nil
	}
	e.broadcast(ctx, roomID, frame)
	return nil
}

// HandleDisconnect runs the leave path for a connection that has gone away.
// It is safe to call for connections that never joined.
func (e *Engine) HandleDisconnect(ctx context.Context, c Conn) {
	roomID, name, ok := e.registry.Unbind(c.ID())
	if !ok {
		return
	}
	e.leave(context.WithoutCancel(ctx), c.ID(), roomID, name)
}

func (e *Engine) join(ctx context.Context, c Conn, msg Message) error {
	if prev, ok := e.registry.RoomOf(c.ID()); ok && prev != msg.RoomID {
		if _, name, ok := e.registry.Unbind(c.ID()); ok {
			e.log.InfoContext(ctx, "switching rooms",
				slog.String("conn_id", c.ID()), slog.String("from_room_id", prev), slog.String("to_room_id", msg.RoomID))
			e.leave(ctx, c.ID(), prev, name)
		}
	}

	e.registry.Bind(msg.RoomID, msg.Sender, c)
	if err := e.rooms.AddParticipant(ctx, msg.RoomID, c.ID()); err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			e.registry.Unbind(c.ID())
			e.expire(ctx, c, msg.RoomID)
			return ErrRoomExpired
		}
		// The add may have reached the shared set before failing. Stay bound so
		// the disconnect path removes the participant again.
		e.log.WarnContext(ctx, "failed to record participant", slog.String("room_id", msg.RoomID), slog.Any("err", err))
		e.reply(ctx, c, msg.RoomID, unavailableBody)
		return err
	}
	return nil
}

func (e *Engine) clientLeave(ctx context.Context, c Conn, roomID string) error {
	if current, ok := e.registry.RoomOf(c.ID()); !ok || current != roomID {
		return ErrNotJoined
	}
	_, name, ok := e.registry.Unbind(c.ID())
	if !ok {
		return ErrNotJoined
	}
	e.leave(ctx, c.ID(), roomID, name)
	return nil
}

// leave removes an already unbound connection from the shared participant set
// and tells the room. Failures are logged; cleanup always runs to the end.
func (e *Engine) leave(ctx context.Context, connID, roomID, name string) {
	if err := e.rooms.RemoveParticipant(ctx, roomID, connID); err != nil {
		e.log.WarnContext(ctx, "failed to remove participant", slog.String("room_id", roomID), slog.String("conn_id", connID), slog.Any("err", err))
	}

	msg := leaveMessage(roomID, name, e.now().UTC())
	payload, err := msg.Encode()
	if err != nil {
		e.log.ErrorContext(ctx, "failed to encode leave message", slog.Any("err", err))
		return
	}
	e.broadcast(ctx, roomID, payload)
	e.publish(ctx, msg)
}

// expire tells c its room is gone and closes it.
func (e *Engine) expire(ctx context.Context, c Conn, roomID string) {
	e.log.InfoContext(ctx, "message for expired room", slog.String("room_id", roomID), slog.String("conn_id", c.ID()))
	e.sendTo(ctx, c, roomExpiredMessage(roomID, e.now().UTC()))
	if err := c.Close(); err != nil {
		e.log.DebugContext(ctx, "close after expiry failed", slog.String("conn_id", c.ID()), slog.Any("err", err))
	}
}

func (e *Engine) reply(ctx context.Context, c Conn, roomID, body string) {
	e.sendTo(ctx, c, systemMessage(roomID, body, e.now().UTC()))
}

func (e *Engine) sendTo(ctx context.Context, c Conn, msg Message) {
	payload, err := msg.Encode()
	if err != nil {
		e.log.ErrorContext(ctx, "failed to encode message", slog.Any("err", err))
		return
	}
	if err := c.Send(payload); err != nil {
		e.log.DebugContext(ctx, "send to origin failed", slog.String("conn_id", c.ID()), slog.Any("err", err))
	}
}

// broadcast hands payload to every open local connection in roomID. A failing
// recipient is skipped; it never delays the others.
func (e *Engine) broadcast(ctx context.Context, roomID string, payload []byte) int {
	delivered := 0
	for _, c := range e.registry.Members(roomID) {
		if c.Closed() {
			continue
		}
		if err := c.Send(payload); err != nil {
			if errors.Is(err, ErrConnClosed) {
				_ = c.Close()
			}
			e.log.DebugContext(ctx, "dropped message for recipient",
				slog.String("room_id", roomID), slog.String("conn_id", c.ID()), slog.Any("err", err))
			continue
		}
		delivered++
	}
	return delivered
}

// publish forwards msg to sibling processes. Failures are logged; local
// delivery has already happened.
func (e *Engine) publish(ctx context.Context, msg Message) {
	payload, err := json.Marshal(envelope{Origin: e.nodeID, Message: msg})
	if err != nil {
		e.log.ErrorContext(ctx, "failed to encode relay envelope", slog.Any("err", err))
		return
	}
	if err := e.rooms.Publish(ctx, msg.RoomID, payload); err != nil {
		e.log.WarnContext(ctx, "relay publish failed", slog.String("room_id", msg.RoomID), slog.Any("err", err))
	}
}
