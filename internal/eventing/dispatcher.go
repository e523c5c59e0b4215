package eventing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"telemetry-control/internal/observability/metrics"
)

var errNilOutbox = errors.New("eventing: nil outbox")

// DefaultMaxAttempts bounds delivery attempts before a record is dead-lettered.
const DefaultMaxAttempts = 5

// Dispatcher relays outbox records to the in-process bus in sequence order.
type Dispatcher struct {
	bus         EventBus
	outbox      OutboxStore
	registry    *Registry
	dlq         DLQStore
	maxAttempts int
	logger      *log.Logger
	wake        chan struct{}
}

// EventBus is the minimal publish interface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	MarkDead(ctx context.Context, id string) error
}

// DLQStore records failures.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord represents a stored outbox entry.
type OutboxRecord struct {
	ID       string
	Sequence int64
	Attempts int
	Envelope Envelope
}

// DispatchResult captures the outcome of a dispatch run.
type DispatchResult struct {
	Requested int
	Claimed   int
	Sent      int
	Failed    int
	Skipped   int
	DLQ       int
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		outbox:      outbox,
		registry:    registry,
		dlq:         dlq,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.Default(),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch pulls pending outbox messages and delivers them. Once a record of a
// partition key fails, later records of that key in the batch are skipped so
// consumers never observe them out of order.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	result := DispatchResult{Requested: limit}
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0, 0)
		return result, nil
	}
	if limit <= 0 {
		limit = 50
		result.Requested = limit
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0, 0)
		return result, err
	}
	result.Claimed = len(records)
	if result.Claimed == 0 {
		metrics.ObserveOutboxDispatch(metrics.ResultSuccess, time.Since(start), 0, 0, 0, 0)
		return result, nil
	}

	var firstErr error
	blocked := make(map[string]bool)
	for _, record := range records {
		env := record.Envelope
		if blocked[env.PartitionKey] {
			result.Skipped++
			continue
		}

		payload, err := d.registry.DecodePayload(env)
		if err != nil {
			// Undecodable payloads never succeed; dead-letter immediately.
			blocked[env.PartitionKey] = true
			result.Failed++
			if dlqErr := d.deadLetter(ctx, record, err); dlqErr != nil {
				if firstErr == nil {
					firstErr = dlqErr
				}
			} else {
				result.DLQ++
			}
			continue
		}

		ctxWithEnv := WithEnvelope(ctx, env)
		if err := d.bus.Publish(ctxWithEnv, payload); err != nil {
			blocked[env.PartitionKey] = true
			result.Failed++
			dead, failErr := d.fail(ctx, record, err)
			if failErr != nil && firstErr == nil {
				firstErr = failErr
			}
			if dead {
				result.DLQ++
			}
			continue
		}

		if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
			blocked[env.PartitionKey] = true
			if firstErr == nil {
				firstErr = err
			}
			result.Failed++
			continue
		}
		result.Sent++
	}
	dispatchResult := metrics.ResultSuccess
	if firstErr != nil || result.Failed > 0 {
		dispatchResult = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(dispatchResult, time.Since(start), result.Sent, result.Failed, result.Skipped, result.DLQ)
	return result, firstErr
}

func (d *Dispatcher) fail(ctx context.Context, record OutboxRecord, cause error) (bool, error) {
	if record.Attempts+1 >= d.maxAttempts {
		if err := d.deadLetter(ctx, record, cause); err != nil {
			return false, err
		}
		return true, nil
	}
	d.logger.Printf("outbox delivery failed: event_id=%s key=%s attempt=%d err=%v",
		record.Envelope.EventID, record.Envelope.PartitionKey, record.Attempts+1, cause)
	return false, d.outbox.MarkFailed(ctx, record.ID)
}

func (d *Dispatcher) deadLetter(ctx context.Context, record OutboxRecord, cause error) error {
	d.logger.Printf("outbox dead-letter: event_id=%s key=%s attempts=%d err=%v",
		record.Envelope.EventID, record.Envelope.PartitionKey, record.Attempts+1, cause)
	if d.dlq != nil {
		if err := d.dlq.RecordFailure(ctx, record.Envelope, cause); err != nil {
			return fmt.Errorf("eventing: record dlq: %w", err)
		}
	}
	return d.outbox.MarkDead(ctx, record.ID)
}

// Notify wakes Run without waiting for the next tick.
func (d *Dispatcher) Notify() {
	if d == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches on every tick or notification until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, batch int) {
	if d == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		for {
			result, err := d.Dispatch(ctx, batch)
			if err != nil {
				d.logger.Printf("outbox dispatch error: %v", err)
				break
			}
			// Keep draining while full batches are delivered cleanly.
			if result.Claimed < result.Requested || result.Failed > 0 || ctx.Err() != nil {
				break
			}
		}
	}
}
