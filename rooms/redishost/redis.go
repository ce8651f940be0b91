package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
}

type Host struct {
	client redis.UniversalClient
}

// New dials Redis and verifies it answers PING.
func New(cfg Config) (*Host, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Host{client: cl}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client redis.UniversalClient) *Host {
	return &Host{client: client}
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) Ping(ctx context.Context) error { return h.client.Ping(ctx).Err() }

// --- Keys ---

func (h *Host) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (h *Host) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return h.client.Set(ctx, key, value, positive(ttl)).Err()
}

func (h *Host) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return h.client.SetNX(ctx, key, value, positive(ttl)).Result()
}

func (h *Host) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := h.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// -2 (absent) and -1 (no expiry) come back as negative durations.
	if d <= 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (h *Host) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return h.client.Del(ctx, key).Err()
	}
	return h.client.PExpire(ctx, key, ttl).Err()
}

func (h *Host) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return h.client.Del(ctx, keys...).Err()
}

// --- Sets ---

func (h *Host) SetAdd(ctx context.Context, key, member string) error {
	return h.client.SAdd(ctx, key, member).Err()
}

func (h *Host) SetRemove(ctx context.Context, key, member string) error {
	return h.client.SRem(ctx, key, member).Err()
}

func (h *Host) SetSize(ctx context.Context, key string) (int64, error) {
	return h.client.SCard(ctx, key).Result()
}

var reapScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local remaining = redis.call('SCARD', KEYS[1])
if remaining == 0 then
  for i = 1, #KEYS do
    redis.call('DEL', KEYS[i])
  end
end
return remaining
`)

func (h *Host) SetRemoveAndReap(ctx context.Context, key, member string, reap ...string) (int64, error) {
	keys := append([]string{key}, reap...)
	return reapScript.Run(ctx, h.client, keys, member).Int64()
}

// --- Pub/sub ---

func (h *Host) Publish(ctx context.Context, channel string, payload []byte) error {
	return h.client.Publish(ctx, channel, payload).Err()
}

func (h *Host) Subscribe(ctx context.Context, pattern string, handler rooms.MessageHandlerFunction) error {
	ps := h.client.PSubscribe(ctx, pattern)
	defer func() { _ = ps.Close() }()

	// Wait for the subscription to be confirmed so publishes made after
	// Subscribe is running are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return rooms.ErrHostClosed
			}
			if err := handler(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				return err
			}
		}
	}
}

func positive(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Interface compliance
var _ rooms.Host = (*Host)(nil)
