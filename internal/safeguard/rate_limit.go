package safeguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/sharedstate"
)

// RateLimiter admits at most limit commands per target in a fixed window.
// The counter is bumped on every check, rejected or not.
type RateLimiter struct {
	store  sharedstate.Store
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a rate limiter.
func NewRateLimiter(store sharedstate.Store, limit int, window time.Duration) (*RateLimiter, error) {
	if store == nil {
		return nil, errors.New("safeguard: nil shared store")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("safeguard: invalid rate limit")
	}
	return &RateLimiter{store: store, limit: limit, window: window}, nil
}

// Name implements Guard.
func (r *RateLimiter) Name() string { return GuardRateLimit }

// Check implements Guard.
func (r *RateLimiter) Check(ctx context.Context, cmd commands.ControlCommand) (*commands.Rejection, error) {
	count, err := r.store.IncrementWithExpiry(ctx, RateLimitKey(cmd.TargetID), r.window)
	if err != nil {
		return nil, fmt.Errorf("safeguard: rate limit counter: %w", err)
	}
	if count > int64(r.limit) {
		return commands.Reject(commands.ReasonRateLimit,
			fmt.Sprintf("target %s exceeded %d commands per %s", cmd.TargetID, r.limit, r.window)), nil
	}
	return nil, nil
}

// RateLimitKey is the shared-store key counting commands for target.
func RateLimitKey(targetID string) string {
	return RateLimitKeyPrefix + targetID
}
