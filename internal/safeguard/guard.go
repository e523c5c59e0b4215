package safeguard

import (
	"context"

	commands "telemetry-control/internal/commands/domain"
)

// Guard checks one safety rule. A nil rejection admits the command;
// an error means the rule could not be evaluated.
type Guard interface {
	Name() string
	Check(ctx context.Context, cmd commands.ControlCommand) (*commands.Rejection, error)
}

// Guard names used in metrics.
const (
	GuardRateLimit      = "rate_limit"
	GuardBlastRadius    = "blast_radius"
	GuardCircuitBreaker = "circuit_breaker"
)
