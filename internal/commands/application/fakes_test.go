package application

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/commands/infrastructure/delivery"
	"telemetry-control/internal/eventing"
	"telemetry-control/internal/safeguard"
	"telemetry-control/internal/sharedstate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	timer := &fakeTimer{d: d, f: f}
	ft.mu.Lock()
	ft.timers = append(ft.timers, timer)
	ft.mu.Unlock()
	return timer
}

// FireAll runs every live timer, as the runtime would once they elapse.
func (ft *fakeTimers) FireAll() int {
	ft.mu.Lock()
	timers := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	fired := 0
	for _, timer := range timers {
		timer.mu.Lock()
		live := !timer.stopped && !timer.fired
		timer.fired = true
		timer.mu.Unlock()
		if live {
			fired++
			timer.f()
		}
	}
	return fired
}

// FireStopped runs timers even if stopped, as when Stop loses the race with the runtime.
func (ft *fakeTimers) FireStopped() {
	ft.mu.Lock()
	timers := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	for _, timer := range timers {
		timer.f()
	}
}

func (ft *fakeTimers) Last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

type stubGroups map[string]int

func (g stubGroups) CountByGroup(_ context.Context, groupID string) (int, error) {
	return g[groupID], nil
}

func (g stubGroups) CountFleet(context.Context) (int, error) {
	return 0, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	inner Dispatcher
	calls []commands.ControlCommand
	// delivered runs after a successful inner dispatch, before Dispatch returns.
	delivered func(cmd commands.ControlCommand)
}

func (d *countingDispatcher) Dispatch(ctx context.Context, cmd commands.ControlCommand) (delivery.Receipt, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cmd)
	delivered := d.delivered
	d.mu.Unlock()
	receipt, err := d.inner.Dispatch(ctx, cmd)
	if err == nil && delivered != nil {
		delivered(cmd)
	}
	return receipt, err
}

func (d *countingDispatcher) Count(commandID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, cmd := range d.calls {
		if cmd.CommandID == commandID {
			n++
		}
	}
	return n
}

type harness struct {
	service    *Service
	store      *audit.MemoryStore
	outbox     *eventing.MemoryOutbox
	shared     *sharedstate.Memory
	timers     *fakeTimers
	clock      *fakeClock
	dispatcher *countingDispatcher
}

func newHarness(t *testing.T, groups stubGroups) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	logger := log.New(io.Discard, "", 0)
	shared := sharedstate.NewMemory(clock)
	evaluator, err := safeguard.New(safeguard.DefaultConfig(), shared, groups, logger)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	store := audit.NewMemoryStore(clock)
	outbox := eventing.NewMemoryOutbox()
	channel, err := delivery.NewChannel(eventing.NewPublisher(outbox), delivery.WithClock(clock))
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	dispatcher := &countingDispatcher{inner: channel}
	timers := &fakeTimers{}
	service, err := NewService(store, evaluator, dispatcher,
		WithClock(clock),
		WithLogger(logger),
		WithAfterFunc(timers.AfterFunc),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(service.Close)
	return &harness{
		service:    service,
		store:      store,
		outbox:     outbox,
		shared:     shared,
		timers:     timers,
		clock:      clock,
		dispatcher: dispatcher,
	}
}

func (h *harness) eventIDs() []string {
	var ids []string
	for _, env := range h.outbox.Envelopes() {
		ids = append(ids, env.EventID)
	}
	return ids
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }
