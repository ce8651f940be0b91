package rooms

import (
	"context"
	"errors"
	"time"
)

// ErrHostClosed is returned by hosts that have been closed.
var ErrHostClosed = errors.New("room host closed")

// MessageHandlerFunction receives one payload published on a channel matched by a
// subscription. Returning an error terminates that subscription.
type MessageHandlerFunction func(ctx context.Context, channel string, payload []byte) error

// Host is the shared key/value + pub/sub service that room state lives in. All
// server processes behind a load balancer talk to the same Host, so everything
// stored here is visible cluster-wide. Implementations must be safe for
// concurrent use.
//
// Expiry semantics: a key written with a positive TTL disappears by itself once
// the TTL elapses. A key that has expired is indistinguishable from one that was
// never written.
type Host interface {
	// Get returns the value stored at key. ok is false when the key is absent or
	// expired; err is reserved for backend failures.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set writes value at key with the given TTL. A ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// TTL reports the remaining time to live. ok is false when the key is absent
	// or carries no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	// Expire sets a TTL on an existing key. It is a no-op for absent keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes the given keys. Absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Set primitives. An empty set does not exist as a key.
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetSize(ctx context.Context, key string) (int64, error)
	// SetRemoveAndReap removes member from the set at key and, in the same atomic
	// step, deletes key and every key in reap when the set is left empty. It
	// returns the number of members remaining.
	SetRemoveAndReap(ctx context.Context, key, member string, reap ...string) (remaining int64, err error)

	// Publish delivers payload to every subscription whose pattern matches
	// channel, across all processes sharing this host. Delivery is at most once
	// and nothing is retained for absent subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe blocks, invoking handler for each payload published on a channel
	// matching the glob pattern, until ctx ends or handler returns an error.
	// Payloads from a single publisher are delivered in publish order.
	Subscribe(ctx context.Context, pattern string, handler MessageHandlerFunction) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend connection.
	Close() error
}
