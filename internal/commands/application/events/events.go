package events

import (
	"time"

	commands "telemetry-control/internal/commands/domain"
)

// Topics.
const (
	TopicControlCommands  = "control-commands"
	TopicCommandLifecycle = "command-lifecycle"
)

// CommandDispatched is the message delivered to execution agents.
type CommandDispatched struct {
	Command      commands.ControlCommand `json:"command"`
	DispatchedAt time.Time               `json:"dispatched_at"`
}

// CommandStatusChanged is emitted after every audited status transition.
type CommandStatusChanged struct {
	CommandID  string          `json:"command_id"`
	TargetID   string          `json:"target_id"`
	From       commands.Status `json:"from"`
	To         commands.Status `json:"to"`
	Reason     string          `json:"reason"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CommandRolledBack is emitted when a command was undone.
type CommandRolledBack struct {
	CommandID         string    `json:"command_id"`
	RollbackCommandID string    `json:"rollback_command_id"`
	TargetID          string    `json:"target_id"`
	Trigger           string    `json:"trigger"`
	Delivered         bool      `json:"delivered"`
	OccurredAt        time.Time `json:"occurred_at"`
}
