package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RunRelay subscribes to every room's relay channel and feeds what arrives into
// HandleRelayedMessage. It blocks until ctx ends. A dropped subscription is
// re-established with backoff.
func (e *Engine) RunRelay(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	for {
		started := time.Now()
		err := e.rooms.Subscribe(ctx, e.HandleRelayedMessage)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			backoff = 100 * time.Millisecond
		}
		e.log.WarnContext(ctx, "relay subscription ended, resubscribing",
			slog.Any("err", err), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// RunExpirySweeper periodically checks the rooms local connections are joined
// to. Connections in a room that has expired get ROOM_EXPIRED and are closed;
// their transports then run the usual disconnect path. It blocks until ctx
// ends.
func (e *Engine) RunExpirySweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepExpired(ctx)
		}
	}
}

// SweepExpired runs one expiry pass and returns the number of rooms found
// expired.
func (e *Engine) SweepExpired(ctx context.Context) int {
	expired := 0
	for _, roomID := range e.registry.Rooms() {
		live, err := e.rooms.RoomExists(ctx, roomID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return expired
			}
			// Unknown is not expired.
			e.log.WarnContext(ctx, "expiry sweep could not check room", slog.String("room_id", roomID), slog.Any("err", err))
			continue
		}
		if live {
			continue
		}
		expired++
		members := e.registry.Members(roomID)
		e.log.InfoContext(ctx, "room expired, closing local connections",
			slog.String("room_id", roomID), slog.Int("connections", len(members)))
		for _, c := range members {
			e.expire(ctx, c, roomID)
		}
	}
	return expired
}
