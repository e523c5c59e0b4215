package eventing

import (
	"context"
	"errors"
	"testing"

	"telemetry-control/internal/eventbus"
)

type sampleEvent struct {
	Key string
	N   int
}

func newHarness(t *testing.T, opts ...DispatcherOption) (*MemoryOutbox, *MemoryDLQ, *eventbus.InMemoryBus, *Dispatcher, *Publisher) {
	t.Helper()
	outbox := NewMemoryOutbox()
	dlq := &MemoryDLQ{}
	bus := eventbus.NewInMemoryBus()
	registry := NewRegistry()
	registry.Register(sampleEvent{})
	dispatcher := NewDispatcher(bus, outbox, registry, dlq, opts...)
	publisher := NewPublisher(outbox, WithPartitions(4), WithNotify(dispatcher.Notify))
	return outbox, dlq, bus, dispatcher, publisher
}

func publishSample(t *testing.T, p *Publisher, key string, n int) {
	t.Helper()
	if _, err := p.PublishWithMeta(context.Background(), sampleEvent{Key: key, N: n}, Meta{Topic: "sample", PartitionKey: key}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestDispatcher_PreservesPerKeyOrderAcrossFailures(t *testing.T) {
	_, _, bus, dispatcher, publisher := newHarness(t)

	var delivered []sampleEvent
	failOnce := true
	bus.Subscribe(eventbus.EventTypeOf[sampleEvent](), func(ctx context.Context, event any) error {
		ev := event.(sampleEvent)
		if ev.Key == "a" && ev.N == 1 && failOnce {
			failOnce = false
			return errors.New("transient")
		}
		delivered = append(delivered, ev)
		return nil
	})

	publishSample(t, publisher, "a", 1)
	publishSample(t, publisher, "b", 1)
	publishSample(t, publisher, "a", 2)

	result, err := dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Sent != 1 || result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected first pass %+v", result)
	}
	if len(delivered) != 1 || delivered[0].Key != "b" {
		t.Fatalf("expected only b delivered, got %+v", delivered)
	}

	if _, err := dispatcher.Dispatch(context.Background(), 10); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %+v", delivered)
	}
	if delivered[1] != (sampleEvent{Key: "a", N: 1}) || delivered[2] != (sampleEvent{Key: "a", N: 2}) {
		t.Fatalf("key a out of order: %+v", delivered)
	}
}

func TestDispatcher_DeadLettersAfterMaxAttempts(t *testing.T) {
	outbox, dlq, bus, dispatcher, publisher := newHarness(t, WithMaxAttempts(2))
	bus.Subscribe(eventbus.EventTypeOf[sampleEvent](), func(context.Context, any) error {
		return errors.New("permanent")
	})
	publishSample(t, publisher, "a", 1)

	for i := 0; i < 2; i++ {
		if _, err := dispatcher.Dispatch(context.Background(), 10); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if dlq.Len() != 1 {
		t.Fatalf("expected one dead letter, got %d", dlq.Len())
	}
	env := outbox.Envelopes()[0]
	if status, _ := outbox.Status(env.EventID); status != OutboxStatusDead {
		t.Fatalf("expected dead status, got %s", status)
	}
	pending, _ := outbox.ListPending(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}
}

func TestDispatcher_UnknownTypeGoesToDLQ(t *testing.T) {
	outbox := NewMemoryOutbox()
	dlq := &MemoryDLQ{}
	dispatcher := NewDispatcher(eventbus.NewInMemoryBus(), outbox, NewRegistry(), dlq)
	publisher := NewPublisher(outbox)
	if _, err := publisher.PublishWithMeta(context.Background(), sampleEvent{Key: "x"}, Meta{PartitionKey: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	result, err := dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.DLQ != 1 || dlq.Len() != 1 {
		t.Fatalf("expected dead letter, got %+v", result)
	}
}

func TestPublisher_DuplicateEventIDKeepsFirstRecord(t *testing.T) {
	outbox := NewMemoryOutbox()
	publisher := NewPublisher(outbox)
	meta := Meta{EventID: "cmd_1", Topic: "sample", PartitionKey: "t1"}
	first, err := publisher.PublishWithMeta(context.Background(), sampleEvent{Key: "t1", N: 1}, meta)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := publisher.PublishWithMeta(context.Background(), sampleEvent{Key: "t1", N: 2}, meta)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if first.Sequence != second.Sequence {
		t.Fatalf("expected same sequence, got %d and %d", first.Sequence, second.Sequence)
	}
	if len(outbox.Envelopes()) != 1 {
		t.Fatalf("expected single envelope")
	}
}

func TestWrapHandler_SkipsProcessedEvents(t *testing.T) {
	store := NewMemoryProcessedStore()
	calls := 0
	handler := WrapHandler("consumer", func(context.Context, any) error {
		calls++
		return nil
	}, store)

	ctx := WithEnvelope(context.Background(), Envelope{EventID: "evt-1"})
	for i := 0; i < 3; i++ {
		if err := handler(ctx, sampleEvent{}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestPartitionFor_IsStablePerKey(t *testing.T) {
	for _, key := range []string{"target-1", "target-2", ""} {
		first := PartitionFor(key, 12)
		if first < 0 || first >= 12 {
			t.Fatalf("partition out of range: %d", first)
		}
		for i := 0; i < 10; i++ {
			if PartitionFor(key, 12) != first {
				t.Fatalf("partition for %q not stable", key)
			}
		}
	}
	if PartitionFor("x", 0) >= DefaultPartitions {
		t.Fatalf("default partitions not applied")
	}
}

func TestBuildEnvelope_Defaults(t *testing.T) {
	env, err := BuildEnvelope(sampleEvent{Key: "k"}, Meta{Topic: "sample"}, 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.EventID == "" || env.CorrelationID != env.EventID {
		t.Fatalf("expected generated ids, got %+v", env)
	}
	if env.PartitionKey != env.EventID || env.SchemaVersion != 1 || env.Topic != "sample" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.EventType != eventbus.EventTypeOf[sampleEvent]() {
		t.Fatalf("unexpected type %s", env.EventType)
	}
	if _, err := BuildEnvelope(nil, Meta{}, 1); err == nil {
		t.Fatalf("expected error for nil event")
	}
}
