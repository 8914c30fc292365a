// Package faststore defines the fast ephemeral store boundary used for live
// coordination: checkpoint slots, TTL locks, and per-session pub/sub. The
// store may lose data on restart; the durable journal remains the source of
// truth.
package faststore

import (
	"context"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
)

// ErrNotFound indicates the requested key is absent or expired.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "key not found")

// Message is one pub/sub delivery. Delivery is best-effort at-most-once.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub stream for one channel.
type Subscription interface {
	// Messages yields broadcasts until Close or the subscribing context ends.
	Messages() <-chan Message
	// Close releases the subscription. Safe to call more than once.
	Close() error
}

// Store is the fast ephemeral store contract.
type Store interface {
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key with an optional TTL (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent, with a TTL.
	// Reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete atomically deletes key only if its stored value equals
	// value. The check and delete are a single indivisible store operation.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	// Delete removes key unconditionally. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Publish broadcasts payload on channel. Subscribers may miss it.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a live stream for channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping probes store liveness.
	Ping(ctx context.Context) error
	// Close releases client resources.
	Close() error
}
