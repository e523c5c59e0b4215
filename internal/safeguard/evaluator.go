package safeguard

import (
	"context"
	"errors"
	"log"
	"time"

	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/observability/metrics"
	"telemetry-control/internal/sharedstate"
)

// Decision is the outcome of a safeguard evaluation.
type Decision struct {
	Admitted  bool
	Rejection *commands.Rejection
}

// Evaluator runs guards in order and stops at the first rejection.
type Evaluator struct {
	guards []Guard
	logger *log.Logger
}

// NewEvaluator constructs an evaluator over guards in evaluation order.
func NewEvaluator(logger *log.Logger, guards ...Guard) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	return &Evaluator{guards: guards, logger: logger}
}

// New builds the standard chain: rate limit, blast radius, circuit breaker.
func New(cfg Config, store sharedstate.Store, counter GroupCounter, logger *log.Logger) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rate, err := NewRateLimiter(store, cfg.RateLimit.Limit, cfg.RateLimit.Window())
	if err != nil {
		return nil, err
	}
	blast, err := NewBlastRadiusGuard(counter, cfg.BlastRadius)
	if err != nil {
		return nil, err
	}
	breaker, err := NewCircuitBreaker(store, cfg.CircuitBreaker, logger)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(logger, rate, blast, breaker), nil
}

// Evaluate checks cmd against every guard. Infrastructure failures are
// returned as errors and callers must not admit the command.
func (e *Evaluator) Evaluate(ctx context.Context, cmd commands.ControlCommand) (Decision, error) {
	if e == nil {
		return Decision{}, errors.New("safeguard: nil evaluator")
	}
	for _, guard := range e.guards {
		start := time.Now()
		rejection, err := guard.Check(ctx, cmd)
		if err != nil {
			e.logger.Printf("safeguard error: guard=%s command=%s err=%v", guard.Name(), cmd.CommandID, err)
			return Decision{}, err
		}
		metrics.IncSafeguardDecision(guard.Name(), rejection == nil)
		if rejection != nil {
			e.logger.Printf("safeguard rejected: guard=%s command=%s target=%s reason=%s detail=%q duration=%s",
				guard.Name(), cmd.CommandID, cmd.TargetID, rejection.Reason, rejection.Detail, time.Since(start))
			return Decision{Rejection: rejection}, nil
		}
	}
	return Decision{Admitted: true}, nil
}
