package safeguard

import (
	"context"
	"errors"
	"fmt"
	"math"

	commands "telemetry-control/internal/commands/domain"
)

// GroupCounter resolves fleet membership.
type GroupCounter interface {
	CountByGroup(ctx context.Context, groupID string) (int, error)
	CountFleet(ctx context.Context) (int, error)
}

// BlastRadiusGuard rejects fleet-wide commands whose group is unknown or too large.
type BlastRadiusGuard struct {
	counter    GroupCounter
	maxTargets int
	ratio      float64
	groupParam string
	fleetWide  map[commands.CommandType]struct{}
}

// NewBlastRadiusGuard constructs the guard from cfg.
func NewBlastRadiusGuard(counter GroupCounter, cfg BlastRadiusConfig) (*BlastRadiusGuard, error) {
	if counter == nil {
		return nil, errors.New("safeguard: nil group counter")
	}
	if cfg.MaxTargets <= 0 {
		return nil, errors.New("safeguard: invalid max targets")
	}
	groupParam := cfg.GroupParameter
	if groupParam == "" {
		groupParam = DefaultGroupParameter
	}
	fleetWide := make(map[commands.CommandType]struct{}, len(cfg.FleetWideTypes))
	for _, t := range cfg.FleetWideTypes {
		fleetWide[commands.CommandType(t)] = struct{}{}
	}
	return &BlastRadiusGuard{
		counter:    counter,
		maxTargets: cfg.MaxTargets,
		ratio:      cfg.MaxFleetRatio,
		groupParam: groupParam,
		fleetWide:  fleetWide,
	}, nil
}

// Name implements Guard.
func (g *BlastRadiusGuard) Name() string { return GuardBlastRadius }

// Applies reports whether t is treated as fleet-wide.
func (g *BlastRadiusGuard) Applies(t commands.CommandType) bool {
	_, ok := g.fleetWide[t]
	return ok
}

// Check implements Guard.
func (g *BlastRadiusGuard) Check(ctx context.Context, cmd commands.ControlCommand) (*commands.Rejection, error) {
	if !g.Applies(cmd.CommandType) {
		return nil, nil
	}
	groupID := cmd.Parameters[g.groupParam]
	if groupID == "" {
		return commands.Reject(commands.ReasonBlastRadius, "unknown blast radius: no target group"), nil
	}
	members, err := g.counter.CountByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("safeguard: count group %s: %w", groupID, err)
	}
	if members <= 0 {
		return commands.Reject(commands.ReasonBlastRadius,
			fmt.Sprintf("unknown blast radius: group %s has no members", groupID)), nil
	}
	threshold, err := g.Threshold(ctx)
	if err != nil {
		return nil, err
	}
	if members > threshold {
		return commands.Reject(commands.ReasonBlastRadius,
			fmt.Sprintf("group %s affects %d targets, limit %d", groupID, members, threshold)), nil
	}
	return nil, nil
}

// Threshold returns the effective member limit: the absolute cap, lowered to
// floor(ratio x fleet), never below one, when the fleet size is known.
func (g *BlastRadiusGuard) Threshold(ctx context.Context) (int, error) {
	threshold := g.maxTargets
	if g.ratio <= 0 {
		return threshold, nil
	}
	fleet, err := g.counter.CountFleet(ctx)
	if err != nil {
		return 0, fmt.Errorf("safeguard: count fleet: %w", err)
	}
	if fleet <= 0 {
		return threshold, nil
	}
	byRatio := max(int(math.Floor(g.ratio*float64(fleet))), 1)
	if byRatio < threshold {
		threshold = byRatio
	}
	return threshold, nil
}
