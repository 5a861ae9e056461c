// Package store provides the shared backing store the orchestration core
// rides on: namespaced key-value, set, hash, and list operations with
// TTL-based expiry, atomic counters, and publish/subscribe channels.
//
// The orchestrator and launcher never use a Store directly; all access goes
// through the memory coordinator.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("store: closed")

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the channel the message was published on.
	Channel string
	// Payload is the published bytes.
	Payload []byte
}

// Store defines the backing-store contract for cross-process state.
//
// Consistency is last-writer-wins per key. Within one process,
// read-after-write of the same key is immediate. No multi-key transactional
// guarantee is provided.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// HSet stores field=value in the hash at key.
	HSet(ctx context.Context, key, field string, value []byte) error
	// HGet returns the value of field in the hash at key, or ErrNotFound.
	HGet(ctx context.Context, key, field string) ([]byte, error)
	// HGetAll returns every field of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HDel removes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) error

	// LPush prepends values to the list at key.
	LPush(ctx context.Context, key string, values ...[]byte) error
	// LRange returns list elements in [start, stop]; negative indices count
	// from the end, -1 being the last element.
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)
	// LTrim trims the list at key to [start, stop].
	LTrim(ctx context.Context, key string, start, stop int) error
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int, error)

	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets or replaces the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Publish sends payload to all subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of messages published on channel and a
	// cancel function that releases the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)

	// Close releases all resources and unblocks subscribers.
	Close() error
}
