package commands

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies the action a command performs on a target.
type CommandType string

const (
	TypeThrottle      CommandType = "THROTTLE"
	TypeScale         CommandType = "SCALE"
	TypeRestart       CommandType = "RESTART"
	TypeConfigUpdate  CommandType = "CONFIG_UPDATE"
	TypeEmergencyStop CommandType = "EMERGENCY_STOP"

	// Inverse-only types produced by rollback.
	TypeUnthrottle   CommandType = "UNTHROTTLE"
	TypeDescale      CommandType = "DESCALE"
	TypeNoop         CommandType = "NOOP"
	TypeConfigRevert CommandType = "CONFIG_REVERT"
	TypeResume       CommandType = "RESUME"
	TypeRollback     CommandType = "ROLLBACK"
)

// Priority is stored with a command but does not affect delivery order.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// NormalizePriority validates a priority string, defaulting empty to NORMAL.
func NormalizePriority(value string) (Priority, bool) {
	if value == "" {
		return PriorityNormal, true
	}
	switch Priority(strings.ToUpper(value)) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(strings.ToUpper(value)), true
	default:
		return "", false
	}
}

// Defaults applied to a rollback config supplied without values.
const (
	DefaultRollbackTimeoutSeconds = 300
	RollbackIDPrefix              = "rollback_"
)

// RollbackConfig controls automatic undo of a command.
type RollbackConfig struct {
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	PreviousState  map[string]string `json:"previous_state"`
}

// Timeout returns the rollback window as a duration.
func (c RollbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ControlCommand is the unit of work sent to a target.
type ControlCommand struct {
	CommandID      string            `json:"command_id"`
	TargetID       string            `json:"target_id"`
	CommandType    CommandType       `json:"command_type"`
	Parameters     map[string]string `json:"parameters"`
	Priority       Priority          `json:"priority"`
	Expiry         *time.Time        `json:"expiry,omitempty"`
	RollbackConfig *RollbackConfig   `json:"rollback_config,omitempty"`
	DryRun         bool              `json:"dry_run"`
}

// RollbackEnabled reports whether the command arms an auto-rollback window.
func (c ControlCommand) RollbackEnabled() bool {
	return c.RollbackConfig != nil && c.RollbackConfig.Enabled
}

// Expired reports whether the command must no longer be applied at now.
func (c ControlCommand) Expired(now time.Time) bool {
	return c.Expiry != nil && !c.Expiry.IsZero() && !now.Before(*c.Expiry)
}

// IsRollback reports whether the command id was derived by Inverse.
func (c ControlCommand) IsRollback() bool {
	return strings.HasPrefix(c.CommandID, RollbackIDPrefix)
}

// NewCommandID returns a time-ordered, collision-free command id.
func NewCommandID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "cmd_" + uuid.NewString()
	}
	return "cmd_" + id.String()
}

// CloneParameters returns a copy of params that is never nil.
func CloneParameters(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for key, value := range params {
		out[key] = value
	}
	return out
}
