package delivery

import (
	"context"
	"errors"
	"time"

	"telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/eventing"
)

// DefaultSendTimeout bounds one dispatch.
const DefaultSendTimeout = 10 * time.Second

// Receipt confirms a command was durably queued.
type Receipt struct {
	MessageID    string    `json:"message_id"`
	Topic        string    `json:"topic"`
	PartitionKey string    `json:"partition_key"`
	Partition    int       `json:"partition"`
	Sequence     int64     `json:"sequence"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Publisher writes an event with explicit routing metadata.
type Publisher interface {
	PublishWithMeta(ctx context.Context, event any, meta eventing.Meta) (eventing.OutboxRecord, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Channel publishes commands onto the control-commands topic, keyed by target
// so every target observes its commands in submission order.
type Channel struct {
	publisher Publisher
	topic     string
	timeout   time.Duration
	clock     Clock
}

// Option configures the channel.
type Option func(*Channel)

// WithTopic overrides the topic name.
func WithTopic(topic string) Option {
	return func(c *Channel) {
		if topic != "" {
			c.topic = topic
		}
	}
}

// WithTimeout overrides DefaultSendTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithClock overrides the dispatch timestamp source.
func WithClock(clock Clock) Option {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewChannel constructs a channel.
func NewChannel(publisher Publisher, opts ...Option) (*Channel, error) {
	if publisher == nil {
		return nil, errors.New("delivery: nil publisher")
	}
	c := &Channel{
		publisher: publisher,
		topic:     events.TopicControlCommands,
		timeout:   DefaultSendTimeout,
		clock:     systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dispatch queues cmd. The command id doubles as the message id, so a repeated
// dispatch of the same command yields the original receipt.
// Every failure is a *commands.DispatchError.
func (c *Channel) Dispatch(ctx context.Context, cmd commands.ControlCommand) (Receipt, error) {
	if cmd.CommandID == "" || cmd.TargetID == "" {
		return Receipt{}, &commands.DispatchError{CommandID: cmd.CommandID, Err: errors.New("delivery: command id and target required")}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dispatchedAt := c.clock.Now().UTC()
	message := events.CommandDispatched{Command: cmd, DispatchedAt: dispatchedAt}
	record, err := c.publisher.PublishWithMeta(ctx, message, eventing.Meta{
		EventID:       cmd.CommandID,
		Topic:         c.topic,
		PartitionKey:  cmd.TargetID,
		OccurredAt:    dispatchedAt,
		CorrelationID: correlationID(cmd),
	})
	if err != nil {
		return Receipt{}, &commands.DispatchError{CommandID: cmd.CommandID, Err: err}
	}
	return Receipt{
		MessageID:    record.Envelope.EventID,
		Topic:        record.Envelope.Topic,
		PartitionKey: record.Envelope.PartitionKey,
		Partition:    record.Envelope.Partition,
		Sequence:     record.Sequence,
		DispatchedAt: record.Envelope.OccurredAt,
	}, nil
}

func correlationID(cmd commands.ControlCommand) string {
	if cmd.IsRollback() {
		return cmd.CommandID[len(commands.RollbackIDPrefix):]
	}
	return cmd.CommandID
}
