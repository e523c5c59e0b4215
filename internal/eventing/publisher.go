package eventing

import (
	"context"
	"log"
	"reflect"
	"time"

	"telemetry-control/internal/eventbus"
	"telemetry-control/internal/observability/metrics"
)

// Publisher writes events to the outbox.
type Publisher struct {
	outbox     OutboxWriter
	partitions int
	sub        Subscriber
	notify     func()
	logger     *log.Logger
}

// OutboxWriter inserts outbox records. Insert is idempotent on the envelope's
// event id and reports the stored record's sequence either way.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (OutboxRecord, error)
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(eventType string, handler eventbus.EventHandler)
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithPartitions sets the partition count used for envelope routing.
func WithPartitions(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.partitions = n
		}
	}
}

// WithSubscriber lets the publisher stand in for the bus when wiring consumers.
func WithSubscriber(sub Subscriber) PublisherOption {
	return func(p *Publisher) {
		p.sub = sub
	}
}

// WithNotify registers a callback run after every successful insert,
// typically Dispatcher.Notify.
func WithNotify(fn func()) PublisherOption {
	return func(p *Publisher) {
		p.notify = fn
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *log.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, opts ...PublisherOption) *Publisher {
	p := &Publisher{outbox: outbox, partitions: DefaultPartitions, logger: log.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes the event to outbox using metadata from ctx.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	_, err := p.PublishWithMeta(ctx, event, MetaFromContext(ctx))
	return err
}

// PublishWithMeta writes the event to outbox and returns the stored record.
func (p *Publisher) PublishWithMeta(ctx context.Context, event any, meta Meta) (OutboxRecord, error) {
	start := time.Now()
	if p == nil || p.outbox == nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return OutboxRecord{}, errNilOutbox
	}
	env, err := BuildEnvelope(event, meta, p.partitions)
	if err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return OutboxRecord{}, err
	}
	record, err := p.outbox.Insert(ctx, env)
	if err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return OutboxRecord{}, err
	}
	duration := time.Since(start)
	metrics.ObserveOutboxPublish(metrics.ResultSuccess, duration)
	if duration > 50*time.Millisecond {
		p.logger.Printf("outbox_publish duration_ms=%d event_type=%s topic=%s",
			duration.Milliseconds(),
			reflect.TypeOf(event).String(),
			env.Topic,
		)
	}
	if p.notify != nil {
		p.notify()
	}
	return record, nil
}

// Subscribe delegates to the underlying subscriber when available.
func (p *Publisher) Subscribe(eventType string, handler eventbus.EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
