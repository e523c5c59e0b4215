package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/eventing"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type slowPublisher struct{}

func (slowPublisher) PublishWithMeta(ctx context.Context, _ any, _ eventing.Meta) (eventing.OutboxRecord, error) {
	<-ctx.Done()
	return eventing.OutboxRecord{}, ctx.Err()
}

func TestChannel_DispatchReturnsReceipt(t *testing.T) {
	outbox := eventing.NewMemoryOutbox()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	channel, err := NewChannel(eventing.NewPublisher(outbox, eventing.WithPartitions(8)), WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	cmd := commands.ControlCommand{CommandID: "cmd-1", TargetID: "target-7", CommandType: commands.TypeRestart}

	receipt, err := channel.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.MessageID != "cmd-1" || receipt.Topic != events.TopicControlCommands || receipt.PartitionKey != "target-7" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.Partition != eventing.PartitionFor("target-7", 8) || !receipt.DispatchedAt.Equal(now) || receipt.Sequence != 1 {
		t.Fatalf("unexpected routing %+v", receipt)
	}

	again, err := channel.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if again.Sequence != receipt.Sequence || len(outbox.Envelopes()) != 1 {
		t.Fatalf("expected producer-side dedup, got %+v", again)
	}
}

func TestChannel_FailuresAreDispatchErrors(t *testing.T) {
	outbox := eventing.NewMemoryOutbox()
	outbox.FailInserts(errors.New("broker unavailable"))
	channel, _ := NewChannel(eventing.NewPublisher(outbox))

	_, err := channel.Dispatch(context.Background(), commands.ControlCommand{CommandID: "cmd-1", TargetID: "t"})
	var dispatchErr *commands.DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.CommandID != "cmd-1" {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if !errors.Is(err, commands.ErrDispatch) {
		t.Fatalf("expected ErrDispatch match")
	}

	_, err = channel.Dispatch(context.Background(), commands.ControlCommand{CommandID: "cmd-2"})
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("missing target should be a DispatchError, got %v", err)
	}
}

func TestChannel_SendIsBoundedByTimeout(t *testing.T) {
	channel, _ := NewChannel(slowPublisher{}, WithTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := channel.Dispatch(context.Background(), commands.ControlCommand{CommandID: "cmd-1", TargetID: "t"})
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, commands.ErrDispatch) {
		t.Fatalf("expected deadline dispatch error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("dispatch not bounded")
	}
}

func TestChannel_RollbackCorrelatesToOriginal(t *testing.T) {
	outbox := eventing.NewMemoryOutbox()
	channel, _ := NewChannel(eventing.NewPublisher(outbox))
	inverse := commands.Inverse(commands.ControlCommand{CommandID: "cmd-9", TargetID: "t", CommandType: commands.TypeScale})
	if _, err := channel.Dispatch(context.Background(), inverse); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	env := outbox.Envelopes()[0]
	if env.EventID != "rollback_cmd-9" || env.CorrelationID != "cmd-9" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
