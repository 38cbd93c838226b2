// Package lockstore abstracts the external expiring key/value store the
// lock engine runs on.
package lockstore

import (
	"context"
	"time"
)

// PTTL sentinels, mirroring the Redis PTTL contract.
const (
	// TTLNoExpiry means the key exists but carries no expiry.
	TTLNoExpiry int64 = -1
	// TTLNoKey means the key does not exist.
	TTLNoKey int64 = -2
)

// Store is the set of primitives the lock engine needs from an expiring KV
// store. Implementations must make PutIfAbsent atomic; the lock engine's
// correctness rests on it.
type Store interface {
	// PutIfAbsent writes value under key with the given TTL only if the key
	// does not exist. Returns true when the write won.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put overwrites key with value and resets its TTL.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PTTL returns the remaining TTL in milliseconds, TTLNoExpiry or
	// TTLNoKey.
	PTTL(ctx context.Context, key string) (int64, error)

	// Delete removes the key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
}
