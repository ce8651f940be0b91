package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/ephemeral-chat/rooms"
	"github.com/ggoodman/ephemeral-chat/rooms/redishost"
	"github.com/joeshaw/envdecode"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the process configuration, populated from the environment.
type Config struct {
	// Addr is the HTTP listen address. ENV: ADDR
	Addr string `env:"ADDR,default=:8080"`
	// RoomStore selects the shared store: "redis" or "memory". The memory store
	// only works for a single process. ENV: ROOM_STORE
	RoomStore string `env:"ROOM_STORE,default=redis"`
	Redis     redishost.Config
	// KeyPrefix prefixes every room key in the store. ENV: ROOM_KEY_PREFIX
	KeyPrefix string `env:"ROOM_KEY_PREFIX,default=room:"`

	MinMinutes     int `env:"ROOM_MIN_MINUTES,default=1"`
	MaxMinutes     int `env:"ROOM_MAX_MINUTES,default=60"`
	DefaultMinutes int `env:"ROOM_DEFAULT_MINUTES,default=10"`
	// PolicyFile, when set, is a YAML lifetime policy that overrides the
	// ROOM_*_MINUTES values and is reloaded on change. ENV: ROOM_POLICY_FILE
	PolicyFile string `env:"ROOM_POLICY_FILE"`

	// SendBuffer is the number of frames queued per WebSocket before messages
	// to it are dropped. ENV: WS_SEND_BUFFER
	SendBuffer   int           `env:"WS_SEND_BUFFER,default=256"`
	PingInterval time.Duration `env:"WS_PING_INTERVAL,default=54s"`
	ExpirySweep  time.Duration `env:"ROOM_EXPIRY_SWEEP,default=5s"`

	// AllowedOrigins is a semicolon separated CORS allow list. ENV: CORS_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	// NodeID names this process on the relay; random when empty. ENV: NODE_ID
	NodeID string `env:"NODE_ID"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.RoomStore {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: ROOM_STORE must be %q or %q, got %q", ErrInvalidConfig, StoreRedis, StoreMemory, c.RoomStore)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: WS_SEND_BUFFER must be positive", ErrInvalidConfig)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("%w: WS_PING_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.ExpirySweep <= 0 {
		return fmt.Errorf("%w: ROOM_EXPIRY_SWEEP must be positive", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: LOG_LEVEL: %w", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be json or text, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// Policy is the lifetime policy described by the ROOM_*_MINUTES variables.
func (c Config) Policy() rooms.LifetimePolicy {
	return rooms.LifetimePolicy{
		Min:     time.Duration(c.MinMinutes) * time.Minute,
		Max:     time.Duration(c.MaxMinutes) * time.Minute,
		Default: time.Duration(c.DefaultMinutes) * time.Minute,
	}
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
