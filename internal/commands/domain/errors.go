package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationRejected indicates a safeguard or validation rejected the command.
	ErrValidationRejected = errors.New("commands: validation rejected")
	// ErrDuplicateCommand indicates an audit record already exists for the command id.
	ErrDuplicateCommand = errors.New("commands: duplicate command")
	// ErrNotFound indicates no audit record exists for the command id.
	ErrNotFound = errors.New("commands: command not found")
	// ErrInvalidTransition indicates the stored status does not allow the requested transition.
	ErrInvalidTransition = errors.New("commands: invalid status transition")
	// ErrDispatch matches every *DispatchError.
	ErrDispatch = errors.New("commands: dispatch failed")
)

// Rejection reasons.
const (
	ReasonRateLimit      = "rate_limit"
	ReasonBlastRadius    = "blast_radius"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonInvalid        = "invalid"
	ReasonExpired        = "expired"
)

// Rejection describes why a command was not admitted.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("command rejected: %s", r.Reason)
	}
	return fmt.Sprintf("command rejected: %s: %s", r.Reason, r.Detail)
}

// Unwrap lets errors.Is match ErrValidationRejected.
func (r *Rejection) Unwrap() error {
	return ErrValidationRejected
}

// Reject builds a rejection error.
func Reject(reason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// DispatchError wraps a delivery channel failure for one command.
type DispatchError struct {
	CommandID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch command %s: %v", e.CommandID, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}
