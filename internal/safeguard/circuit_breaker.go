package safeguard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/sharedstate"
)

// CircuitBreaker rejects everything while the published error rate exceeds threshold.
type CircuitBreaker struct {
	store     sharedstate.Store
	key       string
	threshold float64
	logger    *log.Logger
}

// NewCircuitBreaker constructs a breaker reading key from store.
func NewCircuitBreaker(store sharedstate.Store, cfg CircuitBreakerConfig, logger *log.Logger) (*CircuitBreaker, error) {
	if store == nil {
		return nil, errors.New("safeguard: nil shared store")
	}
	if logger == nil {
		logger = log.Default()
	}
	key := cfg.Key
	if key == "" {
		key = DefaultCircuitBreakerKey
	}
	return &CircuitBreaker{store: store, key: key, threshold: cfg.Threshold, logger: logger}, nil
}

// Name implements Guard.
func (b *CircuitBreaker) Name() string { return GuardCircuitBreaker }

// Check implements Guard. A missing or malformed signal leaves the breaker closed.
func (b *CircuitBreaker) Check(ctx context.Context, cmd commands.ControlCommand) (*commands.Rejection, error) {
	raw, ok, err := b.store.Get(ctx, b.key)
	if err != nil {
		return nil, fmt.Errorf("safeguard: read circuit breaker: %w", err)
	}
	if !ok {
		return nil, nil
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		b.logger.Printf("circuit breaker signal unparsable: key=%s value=%q", b.key, raw)
		return nil, nil
	}
	if rate > b.threshold {
		return commands.Reject(commands.ReasonCircuitBreaker,
			fmt.Sprintf("error rate %.3f above %.3f", rate, b.threshold)), nil
	}
	return nil, nil
}
