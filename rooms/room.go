package rooms

import (
	"errors"
	"fmt"
	"time"
)

// Room is the shared record describing one ephemeral chat room.
type Room struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ActiveUsers int       `json:"activeUsers"`
}

// Lifetime is the clamped lifetime the room was created with.
func (r Room) Lifetime() time.Duration { return r.ExpiresAt.Sub(r.CreatedAt) }

// Expired reports whether now is past the room's expiry.
func (r Room) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// RemainingSeconds is the whole number of seconds left before expiry, never
// negative.
func (r Room) RemainingSeconds(now time.Time) int64 {
	d := r.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// LifetimePolicy bounds the lifetime a client may request for a new room.
type LifetimePolicy struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

// DefaultLifetimePolicy allows 1 to 60 minutes, 10 when unspecified.
var DefaultLifetimePolicy = LifetimePolicy{
	Min:     time.Minute,
	Max:     60 * time.Minute,
	Default: 10 * time.Minute,
}

// ErrInvalidPolicy is returned for lifetime bounds that are not ordered whole minutes.
var ErrInvalidPolicy = errors.New("invalid room lifetime policy")

// Validate checks Min <= Default <= Max and that all bounds are whole, positive
// minutes.
func (p LifetimePolicy) Validate() error {
	for _, d := range []time.Duration{p.Min, p.Max, p.Default} {
		if d < time.Minute || d%time.Minute != 0 {
			return fmt.Errorf("%w: %s is not a positive whole number of minutes", ErrInvalidPolicy, d)
		}
	}
	if p.Min > p.Max {
		return fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidPolicy, p.Min, p.Max)
	}
	if p.Default < p.Min || p.Default > p.Max {
		return fmt.Errorf("%w: default %s outside [%s, %s]", ErrInvalidPolicy, p.Default, p.Min, p.Max)
	}
	return nil
}

// Clamp resolves a requested lifetime in minutes. nil selects the default.
func (p LifetimePolicy) Clamp(requestedMinutes *int) time.Duration {
	if requestedMinutes == nil {
		return p.Default
	}
	// Compare in minutes so absurd requests cannot overflow a Duration.
	m := int64(*requestedMinutes)
	if lo := int64(p.Min / time.Minute); m < lo {
		m = lo
	}
	if hi := int64(p.Max / time.Minute); m > hi {
		m = hi
	}
	return time.Duration(m) * time.Minute
}
