package sharedstate

import (
	"context"
	"errors"
	"time"
)

// Store is the shared counting/signal service used by safeguards.
// Implementations must make IncrementWithExpiry an atomic increment-and-read;
// the ttl applies only when the key is created or has expired.
type Store interface {
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("sharedstate: empty key")

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
