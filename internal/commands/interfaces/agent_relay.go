package interfaces

import (
	"context"
	"errors"
	"log"
	"time"

	"telemetry-control/internal/agentclient"
	"telemetry-control/internal/audit"
	commandsevents "telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/observability/metrics"
)

// Delivery outcomes recorded by the relay.
const (
	DeliveryDelivered = "delivered"
	DeliveryExpired   = "expired"
	DeliveryRejected  = "rejected"
	DeliveryError     = "error"
)

// Sender delivers a command to its execution agent.
type Sender interface {
	SendCommand(ctx context.Context, cmd commands.ControlCommand) (agentclient.Response, error)
}

// StatusReporter records agent progress on the audit trail.
type StatusReporter interface {
	ReportStatus(ctx context.Context, commandID string, status commands.Status, reason string) (*audit.Record, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AgentRelay consumes dispatched commands, forwards them to the execution
// agents and feeds the answers back into the lifecycle.
type AgentRelay struct {
	sender   Sender
	reporter StatusReporter
	clock    Clock
	logger   *log.Logger
}

// NewAgentRelay constructs a relay.
func NewAgentRelay(sender Sender, reporter StatusReporter, clock Clock, logger *log.Logger) (*AgentRelay, error) {
	if sender == nil || reporter == nil {
		return nil, errors.New("agent relay: nil dependency")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AgentRelay{sender: sender, reporter: reporter, clock: clock, logger: logger}, nil
}

// HandleCommandDispatched handles CommandDispatched events.
//
// Transport failures are returned so the outbox retries the message; agent
// verdicts are final and never retried.
func (r *AgentRelay) HandleCommandDispatched(ctx context.Context, event any) error {
	evt, ok := event.(commandsevents.CommandDispatched)
	if !ok {
		if ptr, ok := event.(*commandsevents.CommandDispatched); ok && ptr != nil {
			evt = *ptr
		} else {
			return nil
		}
	}
	cmd := evt.Command

	if cmd.Expired(r.clock.Now()) {
		metrics.IncAgentDelivery(DeliveryExpired)
		r.logger.Printf("agent relay dropped expired command: command=%s target=%s expiry=%s",
			cmd.CommandID, cmd.TargetID, cmd.Expiry.Format(time.RFC3339))
		return nil
	}

	resp, err := r.sender.SendCommand(ctx, cmd)
	if errors.Is(err, agentclient.ErrUnknownTarget) {
		metrics.IncAgentDelivery(DeliveryRejected)
		r.logger.Printf("agent relay unknown target: command=%s target=%s", cmd.CommandID, cmd.TargetID)
		return r.report(ctx, cmd, "unknown target", commands.StatusExecuting, commands.StatusFailed)
	}
	if err != nil {
		metrics.IncAgentDelivery(DeliveryError)
		r.logger.Printf("agent relay send failed: command=%s target=%s err=%v", cmd.CommandID, cmd.TargetID, err)
		return err
	}
	metrics.IncAgentDelivery(DeliveryDelivered)

	switch resp.Status {
	case agentclient.StatusExecuting:
		return r.report(ctx, cmd, "", commands.StatusExecuting)
	case agentclient.StatusCompleted:
		return r.report(ctx, cmd, "", commands.StatusExecuting, commands.StatusCompleted)
	case agentclient.StatusFailed:
		message := resp.Error
		if message == "" {
			message = "agent reported failure"
		}
		return r.report(ctx, cmd, message, commands.StatusExecuting, commands.StatusFailed)
	}
	// accepted or unknown: stays PENDING until the agent reports back
	r.logger.Printf("agent relay pending: command=%s status=%s", cmd.CommandID, resp.Status)
	return nil
}

func (r *AgentRelay) report(ctx context.Context, cmd commands.ControlCommand, reason string, steps ...commands.Status) error {
	if cmd.IsRollback() {
		// inverse commands carry no audit record of their own
		return nil
	}
	for _, status := range steps {
		stepReason := ""
		if status.IsTerminal() {
			stepReason = reason
		}
		_, err := r.reporter.ReportStatus(ctx, cmd.CommandID, status, stepReason)
		switch {
		case err == nil:
		case errors.Is(err, commands.ErrInvalidTransition), errors.Is(err, commands.ErrNotFound):
			r.logger.Printf("agent relay status ignored: command=%s status=%s err=%v", cmd.CommandID, status, err)
			return nil
		default:
			return err
		}
	}
	return nil
}
