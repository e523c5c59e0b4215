// Package notify alerts operators when commands are undone or fail.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	commandsevents "telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/observability/metrics"
)

// Notification events.
const (
	EventRolledBack = "rolled_back"
	EventFailed     = "failed"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Notifier turns lifecycle events into operator notices.
type Notifier struct {
	sender   Sender
	template *Template
	cooldown time.Duration
	clock    Clock
	logger   *log.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// Option configures the notifier.
type Option func(*Notifier)

// WithCooldown suppresses repeated notices for one target within d.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.cooldown = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a notifier.
func NewNotifier(sender Sender, tpl *Template, opts ...Option) (*Notifier, error) {
	if sender == nil {
		return nil, errors.New("notifier: nil sender")
	}
	if tpl == nil {
		var err error
		tpl, err = NewTemplate("")
		if err != nil {
			return nil, err
		}
	}
	n := &Notifier{
		sender:   sender,
		template: tpl,
		clock:    systemClock{},
		logger:   log.Default(),
		lastSent: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// HandleCommandRolledBack notifies on every rollback.
func (n *Notifier) HandleCommandRolledBack(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandRolledBack)
	if !ok {
		if ptr, ok := event.(*commandsevents.CommandRolledBack); ok && ptr != nil {
			evt = *ptr
		} else {
			return nil
		}
	}
	reason := ""
	if !evt.Delivered {
		reason = "inverse command not delivered"
	}
	return n.notify(ctx, TemplateData{
		Event:             EventRolledBack,
		EventLabel:        "Rolled Back",
		CommandID:         evt.CommandID,
		TargetID:          evt.TargetID,
		RollbackCommandID: evt.RollbackCommandID,
		Trigger:           evt.Trigger,
		Reason:            reason,
		Delivered:         evt.Delivered,
		OccurredAt:        evt.OccurredAt.UTC().Format(time.RFC3339),
	})
}

// HandleCommandStatusChanged notifies when a command ends FAILED.
func (n *Notifier) HandleCommandStatusChanged(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandStatusChanged)
	if !ok {
		if ptr, ok := event.(*commandsevents.CommandStatusChanged); ok && ptr != nil {
			evt = *ptr
		} else {
			return nil
		}
	}
	if evt.To != commands.StatusFailed {
		return nil
	}
	return n.notify(ctx, TemplateData{
		Event:      EventFailed,
		EventLabel: "Failed",
		CommandID:  evt.CommandID,
		TargetID:   evt.TargetID,
		Reason:     evt.Reason,
		OccurredAt: evt.OccurredAt.UTC().Format(time.RFC3339),
	})
}

func (n *Notifier) notify(ctx context.Context, data TemplateData) error {
	key := data.Event + ":" + data.TargetID
	now := n.clock.Now()
	if !n.reserve(key, now) {
		metrics.IncNotification(data.Event, metrics.ResultSuppressed)
		return nil
	}
	content, err := n.template.Render(data)
	if err != nil {
		metrics.IncNotification(data.Event, metrics.ResultError)
		n.logger.Printf("notify render error: command=%s err=%v", data.CommandID, err)
		return nil
	}
	if err := n.sender.Send(ctx, content); err != nil {
		n.release(key, now)
		metrics.IncNotification(data.Event, metrics.ResultError)
		return err
	}
	metrics.IncNotification(data.Event, metrics.ResultSuccess)
	return nil
}

func (n *Notifier) reserve(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) release(key string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastSent[key].Equal(at) {
		delete(n.lastSent, key)
	}
}
