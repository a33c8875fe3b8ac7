package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backing store.
var ErrNotFound = errors.New("key not found")

// Backend is the minimal persistence and messaging surface the replicated
// state store needs. The production implementation is Redis; tests share a
// single in-memory backend between several Store instances to simulate a
// cluster in one process.
type Backend interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key with an optional expiry (ttl <= 0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key only if it does not already exist. Returns true if
	// the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteIfEquals atomically removes key only when its current value
	// equals expected. Returns true if the key was removed.
	DeleteIfEquals(ctx context.Context, key string, expected []byte) (bool, error)

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Publish broadcasts payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers messages published to channel until stop is
	// called or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, stop func(), err error)

	// Close releases backend resources.
	Close() error
}
