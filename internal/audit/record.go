package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	commands "telemetry-control/internal/commands/domain"
)

// Record is the audit trail entry of one command.
type Record struct {
	CommandID         string
	TargetID          string
	CommandType       commands.CommandType
	Parameters        map[string]string
	Priority          commands.Priority
	Expiry            *time.Time
	RollbackConfig    *commands.RollbackConfig
	DryRun            bool
	Status            commands.Status
	RequestedBy       string
	SourceIP          string
	PayloadDigest     string
	RollbackCommandID string
	StatusReason      string
	DispatchedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewRecord builds the PENDING record for an admitted command.
func NewRecord(cmd commands.ControlCommand, requestedBy, sourceIP string) *Record {
	var rollback *commands.RollbackConfig
	if cmd.RollbackConfig != nil {
		cfg := *cmd.RollbackConfig
		cfg.PreviousState = commands.CloneParameters(cfg.PreviousState)
		rollback = &cfg
	}
	var expiry *time.Time
	if cmd.Expiry != nil {
		value := cmd.Expiry.UTC()
		expiry = &value
	}
	params := commands.CloneParameters(cmd.Parameters)
	return &Record{
		CommandID:      cmd.CommandID,
		TargetID:       cmd.TargetID,
		CommandType:    cmd.CommandType,
		Parameters:     params,
		Priority:       cmd.Priority,
		Expiry:         expiry,
		RollbackConfig: rollback,
		DryRun:         cmd.DryRun,
		Status:         commands.StatusPending,
		RequestedBy:    requestedBy,
		SourceIP:       sourceIP,
		PayloadDigest:  DigestParameters(params),
	}
}

// Command reconstructs the command the record was created from.
func (r Record) Command() commands.ControlCommand {
	cmd := commands.ControlCommand{
		CommandID:   r.CommandID,
		TargetID:    r.TargetID,
		CommandType: r.CommandType,
		Parameters:  commands.CloneParameters(r.Parameters),
		Priority:    r.Priority,
		Expiry:      r.Expiry,
		DryRun:      r.DryRun,
	}
	if r.RollbackConfig != nil {
		cfg := *r.RollbackConfig
		cfg.PreviousState = commands.CloneParameters(cfg.PreviousState)
		cmd.RollbackConfig = &cfg
	}
	return cmd
}

// RollbackEnabled reports whether the record arms an auto-rollback window.
func (r Record) RollbackEnabled() bool {
	return r.RollbackConfig != nil && r.RollbackConfig.Enabled
}

// RollbackDeadline returns when the auto-rollback window closes.
func (r Record) RollbackDeadline() time.Time {
	if r.RollbackConfig == nil {
		return r.CreatedAt
	}
	return r.CreatedAt.Add(r.RollbackConfig.Timeout())
}

// Clone returns a deep copy.
func (r Record) Clone() *Record {
	out := r
	out.Parameters = commands.CloneParameters(r.Parameters)
	if r.RollbackConfig != nil {
		cfg := *r.RollbackConfig
		cfg.PreviousState = commands.CloneParameters(cfg.PreviousState)
		out.RollbackConfig = &cfg
	}
	if r.Expiry != nil {
		value := *r.Expiry
		out.Expiry = &value
	}
	if r.DispatchedAt != nil {
		value := *r.DispatchedAt
		out.DispatchedAt = &value
	}
	return &out
}

// Store persists audit records.
//
// UpdateStatus applies next only when the stored status is one of expected.
// On ErrInvalidTransition it also returns the stored record so callers can
// resolve a lost race against the current status.
//
// ListOutstandingRollbacks only returns records stamped by MarkDispatched.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, commandID string) (*Record, error)
	UpdateStatus(ctx context.Context, commandID string, expected []commands.Status, next commands.Status, reason string) (*Record, error)
	MarkDispatched(ctx context.Context, commandID string, at time.Time) error
	ListOutstandingRollbacks(ctx context.Context) ([]Record, error)
	ListByStatus(ctx context.Context, status commands.Status, limit int) ([]Record, error)
	ListStale(ctx context.Context, status commands.Status, before time.Time, limit int) ([]Record, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DigestParameters computes a SHA256 hex digest of the canonical JSON of params.
// encoding/json sorts map keys, so equal maps yield equal digests.
func DigestParameters(params map[string]string) string {
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func containsStatus(list []commands.Status, status commands.Status) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}
