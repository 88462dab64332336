// Package cache defines the shared key/value store that throttles coordinate
// through, together with an in-memory implementation and a Redis adapter.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a transient failure talking to the backing store.
// Every error returned by a Cache implementation matches it via errors.Is.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is the contract a throttle needs from its backing store.
// Implementations must be safe for concurrent use.
//
// Values are integers. A zero expireAt means the key never expires;
// otherwise the key disappears once the clock reaches expireAt.
type Cache interface {
	// Get returns the value stored at key and whether it was present.
	Get(ctx context.Context, key string) (int64, bool, error)

	// GetMulti is the batched form of Get. Missing keys are absent from the
	// returned map.
	GetMulti(ctx context.Context, keys []string) (map[string]int64, error)

	// Set unconditionally stores value at key.
	Set(ctx context.Context, key string, value int64, expireAt time.Time) error

	// Add stores value only if key does not exist. It reports whether the
	// key was created.
	Add(ctx context.Context, key string, value int64, expireAt time.Time) (bool, error)

	// Increment atomically adds delta to an existing key and returns the new
	// value. It never creates the key: ok is false when key is absent.
	Increment(ctx context.Context, key string, delta int64) (value int64, ok bool, err error)
}

// Error describes a failed cache operation.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets every *Error match ErrUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

func opError(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}
