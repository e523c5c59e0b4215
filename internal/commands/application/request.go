package application

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/commands/infrastructure/delivery"
)

// SubmitRequest is an operator's command submission.
type SubmitRequest struct {
	CommandID      string            `json:"command_id" validate:"omitempty,max=128"`
	TargetID       string            `json:"target_id" validate:"required,max=256"`
	CommandType    string            `json:"command_type" validate:"required,max=64"`
	Parameters     map[string]string `json:"parameters"`
	Priority       string            `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH CRITICAL low normal high critical"`
	Expiry         *time.Time        `json:"expiry"`
	RollbackConfig *RollbackRequest  `json:"rollback_config"`
	DryRun         bool              `json:"dry_run"`

	RequestedBy string `json:"-"`
	SourceIP    string `json:"-"`
}

// RollbackRequest carries optional rollback settings; omitted values take defaults.
type RollbackRequest struct {
	Enabled        *bool             `json:"enabled"`
	TimeoutSeconds *int              `json:"timeout_seconds" validate:"omitempty,gte=0,lte=86400"`
	PreviousState  map[string]string `json:"previous_state"`
}

// SubmitResponse is returned for an audited command.
type SubmitResponse struct {
	CommandID string            `json:"command_id"`
	Status    commands.Status   `json:"status"`
	DryRun    bool              `json:"dry_run"`
	Message   string            `json:"message"`
	Receipt   *delivery.Receipt `json:"receipt,omitempty"`
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	CommandID         string          `json:"command_id"`
	RollbackCommandID string          `json:"rollback_command_id"`
	Status            commands.Status `json:"status"`
	DispatchError     string          `json:"dispatch_error,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// toCommand validates req and applies defaults.
func toCommand(req SubmitRequest) (commands.ControlCommand, error) {
	if err := validate.Struct(req); err != nil {
		return commands.ControlCommand{}, commands.Reject(commands.ReasonInvalid, describeValidation(err))
	}
	if strings.HasPrefix(req.CommandID, commands.RollbackIDPrefix) {
		return commands.ControlCommand{}, commands.Reject(commands.ReasonInvalid,
			fmt.Sprintf("command_id prefix %q is reserved", commands.RollbackIDPrefix))
	}
	priority, ok := commands.NormalizePriority(req.Priority)
	if !ok {
		return commands.ControlCommand{}, commands.Reject(commands.ReasonInvalid, "priority must be LOW, NORMAL, HIGH or CRITICAL")
	}

	commandID := req.CommandID
	if commandID == "" {
		commandID = commands.NewCommandID()
	}
	cmd := commands.ControlCommand{
		CommandID:   commandID,
		TargetID:    strings.TrimSpace(req.TargetID),
		CommandType: commands.CommandType(strings.ToUpper(strings.TrimSpace(req.CommandType))),
		Parameters:  commands.CloneParameters(req.Parameters),
		Priority:    priority,
		DryRun:      req.DryRun,
	}
	if cmd.TargetID == "" || cmd.CommandType == "" {
		return commands.ControlCommand{}, commands.Reject(commands.ReasonInvalid, "target_id and command_type required")
	}
	if req.Expiry != nil && !req.Expiry.IsZero() {
		expiry := req.Expiry.UTC()
		cmd.Expiry = &expiry
	}
	if req.RollbackConfig != nil {
		cfg := commands.RollbackConfig{
			Enabled:        true,
			TimeoutSeconds: commands.DefaultRollbackTimeoutSeconds,
			PreviousState:  commands.CloneParameters(req.RollbackConfig.PreviousState),
		}
		if req.RollbackConfig.Enabled != nil {
			cfg.Enabled = *req.RollbackConfig.Enabled
		}
		if req.RollbackConfig.TimeoutSeconds != nil {
			cfg.TimeoutSeconds = *req.RollbackConfig.TimeoutSeconds
		}
		cmd.RollbackConfig = &cfg
	}
	return cmd, nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := jsonName(fe.Namespace())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, field+" must be one of "+fe.Param())
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

var jsonNames = map[string]string{
	"CommandID":      "command_id",
	"TargetID":       "target_id",
	"CommandType":    "command_type",
	"Priority":       "priority",
	"RollbackConfig": "rollback_config",
	"TimeoutSeconds": "timeout_seconds",
}

func jsonName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		if name, ok := jsonNames[part]; ok {
			parts[i] = name
		}
	}
	return strings.Join(parts, ".")
}
