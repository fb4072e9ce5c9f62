package session

import (
	"context"
	"errors"
	"time"
)

var ErrCASConflict = errors.New("context cache: concurrent update retries exhausted")

// UpdateFunc computes the next value from the current one. found is false
// when the key is absent or expired. It may be called more than once.
type UpdateFunc func(current string, found bool) (string, error)

// Cache is the key-value store holding serialized session context.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Update atomically replaces the value at key with fn's result and
	// resets its expiry to ttl.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Close() error
}
