package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"telemetry-control/internal/audit"
	commandsevents "telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/commands/infrastructure/delivery"
	"telemetry-control/internal/eventing"
	"telemetry-control/internal/observability/metrics"
	"telemetry-control/internal/safeguard"
)

// Rollback reasons recorded in the audit trail.
const (
	ReasonManual  = "manual"
	ReasonTimeout = "timeout"
)

const timerRollbackBudget = 30 * time.Second

// Evaluator decides whether a command may be admitted.
type Evaluator interface {
	Evaluate(ctx context.Context, cmd commands.ControlCommand) (safeguard.Decision, error)
}

// Dispatcher queues commands for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd commands.ControlCommand) (delivery.Receipt, error)
}

// EventPublisher emits lifecycle events.
type EventPublisher interface {
	PublishWithMeta(ctx context.Context, event any, meta eventing.Meta) (eventing.OutboxRecord, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service runs the command lifecycle: admission, audit, delivery and rollback.
type Service struct {
	store      audit.Store
	evaluator  Evaluator
	dispatcher Dispatcher
	events     EventPublisher
	scheduler  *Scheduler
	clock      Clock
	logger     *log.Logger
	tracer     trace.Tracer
	afterFunc  AfterFunc
	rollbacks  singleflight.Group
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAfterFunc replaces the timer source of the rollback scheduler.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Service) {
		s.afterFunc = fn
	}
}

// WithEvents enables lifecycle events.
func WithEvents(events EventPublisher) Option {
	return func(s *Service) {
		s.events = events
	}
}

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(store audit.Store, evaluator Evaluator, dispatcher Dispatcher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("commands: nil audit store")
	}
	if evaluator == nil {
		return nil, errors.New("commands: nil evaluator")
	}
	if dispatcher == nil {
		return nil, errors.New("commands: nil dispatcher")
	}
	s := &Service{
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		clock:      systemClock{},
		logger:     log.Default(),
		tracer:     otel.Tracer("telemetry-control/commands"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scheduler = NewScheduler(s.onTimerFired, s.afterFunc, s.logger)
	return s, nil
}

// Scheduler exposes the rollback scheduler.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Close disarms every rollback timer.
func (s *Service) Close() {
	s.scheduler.Stop()
}

// Submit admits, audits and dispatches a command.
//
// When delivery fails the command stays audited as PENDING and the returned
// response still carries its id alongside the *commands.DispatchError.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (resp *SubmitResponse, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "commands.submit")
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveCommandSubmit(result, time.Since(start))
		span.End()
	}()

	cmd, err := toCommand(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("command.id", cmd.CommandID),
		attribute.String("command.target", cmd.TargetID),
		attribute.String("command.type", string(cmd.CommandType)),
		attribute.Bool("command.dry_run", cmd.DryRun),
	)
	metrics.IncCommandSubmitted(string(cmd.CommandType))

	now := s.clock.Now()
	if cmd.Expired(now) {
		return nil, commands.Reject(commands.ReasonExpired, fmt.Sprintf("expiry %s is not after %s", cmd.Expiry.Format(time.RFC3339), now.Format(time.RFC3339)))
	}

	decision, err := s.evaluator.Evaluate(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("commands: evaluate safeguards: %w", err)
	}
	if !decision.Admitted {
		if decision.Rejection == nil {
			return nil, commands.Reject(commands.ReasonInvalid, "rejected without reason")
		}
		return nil, decision.Rejection
	}

	record := audit.NewRecord(cmd, req.RequestedBy, req.SourceIP)
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	metrics.IncCommandResult(string(commands.StatusPending))

	resp = &SubmitResponse{CommandID: cmd.CommandID, Status: commands.StatusPending, DryRun: cmd.DryRun}
	if cmd.DryRun {
		resp.Message = "dry run: command validated and audited, not dispatched"
		s.logger.Printf("command dry run: command=%s target=%s type=%s", cmd.CommandID, cmd.TargetID, cmd.CommandType)
		return resp, nil
	}

	// A terminal report can land before Dispatch returns; it must find the timer.
	if cmd.RollbackEnabled() {
		s.scheduler.Arm(cmd.CommandID, cmd.RollbackConfig.Timeout())
	}
	receipt, err := s.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		s.scheduler.Cancel(cmd.CommandID)
		s.logger.Printf("command dispatch failed: command=%s target=%s err=%v", cmd.CommandID, cmd.TargetID, err)
		resp.Message = "command audited but dispatch failed"
		return resp, err
	}
	resp.Receipt = &receipt
	resp.Message = "command dispatched"

	if err := s.store.MarkDispatched(ctx, cmd.CommandID, s.clock.Now()); err != nil {
		s.logger.Printf("command dispatch stamp failed: command=%s err=%v", cmd.CommandID, err)
	}
	s.logger.Printf("command dispatched: command=%s target=%s type=%s partition=%d seq=%d",
		cmd.CommandID, cmd.TargetID, cmd.CommandType, receipt.Partition, receipt.Sequence)
	return resp, nil
}

// GetStatus returns the audit record of commandID.
func (s *Service) GetStatus(ctx context.Context, commandID string) (*audit.Record, error) {
	return s.store.Get(ctx, commandID)
}

// Rollback undoes commandID by dispatching its inverse. Concurrent calls for
// the same id share one execution.
func (s *Service) Rollback(ctx context.Context, commandID, reason string) (*RollbackResult, error) {
	if reason == "" {
		reason = ReasonManual
	}
	trigger := metrics.TriggerManual
	if reason == ReasonTimeout {
		trigger = metrics.TriggerTimeout
	}
	value, err, _ := s.rollbacks.Do(commandID, func() (any, error) {
		return s.rollback(ctx, commandID, reason, trigger)
	})
	if err != nil {
		return nil, err
	}
	result := *value.(*RollbackResult)
	return &result, nil
}

func (s *Service) rollback(ctx context.Context, commandID, reason, trigger string) (result *RollbackResult, err error) {
	ctx, span := s.tracer.Start(ctx, "commands.rollback", trace.WithAttributes(
		attribute.String("command.id", commandID),
		attribute.String("rollback.trigger", trigger),
	))
	defer func() {
		outcome := metrics.ResultSuccess
		if err != nil {
			outcome = metrics.ResultError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.IncRollback(trigger, outcome)
		span.End()
	}()

	record, err := s.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if record.Status == commands.StatusRolledBack {
		s.scheduler.Cancel(commandID)
		return &RollbackResult{
			CommandID:         record.CommandID,
			RollbackCommandID: commands.RollbackCommandID(record.CommandID),
			Status:            record.Status,
		}, nil
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: command %s is %s", commands.ErrInvalidTransition, commandID, record.Status)
	}

	inverse := commands.Inverse(record.Command())
	var dispatchErr error
	if !record.DryRun {
		if _, dispatchErr = s.dispatcher.Dispatch(ctx, inverse); dispatchErr != nil {
			s.logger.Printf("rollback dispatch failed: command=%s rollback=%s err=%v", commandID, inverse.CommandID, dispatchErr)
			span.RecordError(dispatchErr)
		}
	}

	updated, err := s.store.UpdateStatus(ctx, commandID, commands.PredecessorsOf(commands.StatusRolledBack), commands.StatusRolledBack, reason)
	if err != nil {
		if errors.Is(err, commands.ErrInvalidTransition) && updated != nil && updated.Status == commands.StatusRolledBack {
			s.scheduler.Cancel(commandID)
			return resultOf(updated, dispatchErr), nil
		}
		if errors.Is(err, commands.ErrInvalidTransition) && updated != nil {
			s.logger.Printf("rollback lost race: command=%s status=%s rollback=%s", commandID, updated.Status, inverse.CommandID)
		}
		return nil, err
	}
	s.scheduler.Cancel(commandID)
	s.logger.Printf("command rolled back: command=%s rollback=%s reason=%s delivered=%t", commandID, inverse.CommandID, reason, dispatchErr == nil && !record.DryRun)
	metrics.IncCommandResult(string(commands.StatusRolledBack))
	s.emit(ctx, commandsevents.CommandRolledBack{
		CommandID:         commandID,
		RollbackCommandID: inverse.CommandID,
		TargetID:          record.TargetID,
		Trigger:           trigger,
		Delivered:         dispatchErr == nil && !record.DryRun,
		OccurredAt:        s.clock.Now().UTC(),
	}, record.TargetID)
	s.emitStatusChange(ctx, record, commands.StatusRolledBack, reason)
	return resultOf(updated, dispatchErr), nil
}

func resultOf(record *audit.Record, dispatchErr error) *RollbackResult {
	result := &RollbackResult{
		CommandID:         record.CommandID,
		RollbackCommandID: commands.RollbackCommandID(record.CommandID),
		Status:            record.Status,
	}
	if dispatchErr != nil {
		result.DispatchError = dispatchErr.Error()
	}
	return result
}

// ReportStatus records an execution agent's progress report.
func (s *Service) ReportStatus(ctx context.Context, commandID string, status commands.Status, reason string) (record *audit.Record, err error) {
	ctx, span := s.tracer.Start(ctx, "commands.report_status", trace.WithAttributes(
		attribute.String("command.id", commandID),
		attribute.String("command.status", string(status)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch status {
	case commands.StatusExecuting, commands.StatusCompleted, commands.StatusFailed:
	default:
		return nil, commands.Reject(commands.ReasonInvalid, fmt.Sprintf("agents may report EXECUTING, COMPLETED or FAILED, not %q", status))
	}

	previous, err := s.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateStatus(ctx, commandID, commands.PredecessorsOf(status), status, reason)
	if err != nil {
		if errors.Is(err, commands.ErrInvalidTransition) && updated != nil && updated.Status == status {
			// repeated report of the current status
			return updated, nil
		}
		return nil, err
	}
	if status.IsTerminal() {
		s.scheduler.Cancel(commandID)
	}
	metrics.IncCommandResult(string(status))
	s.logger.Printf("command status: command=%s from=%s to=%s reason=%q", commandID, previous.Status, status, reason)
	s.emitStatusChange(ctx, previous, status, reason)
	return updated, nil
}

// RecoverTimers re-arms rollback timers for outstanding commands, typically
// after a restart. Elapsed windows fire immediately.
func (s *Service) RecoverTimers(ctx context.Context) (int, error) {
	records, err := s.store.ListOutstandingRollbacks(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	for _, record := range records {
		remaining := record.RollbackDeadline().Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		s.scheduler.Arm(record.CommandID, remaining)
	}
	if len(records) > 0 {
		s.logger.Printf("rollback timers recovered: count=%d", len(records))
	}
	return len(records), nil
}

func (s *Service) onTimerFired(commandID string) {
	ctx, cancel := context.WithTimeout(context.Background(), timerRollbackBudget)
	defer cancel()

	record, err := s.store.Get(ctx, commandID)
	if err != nil {
		s.logger.Printf("rollback timer lookup failed: command=%s err=%v", commandID, err)
		return
	}
	if !record.Status.IsOutstanding() {
		s.logger.Printf("rollback timer skipped: command=%s status=%s", commandID, record.Status)
		return
	}
	result, err := s.Rollback(ctx, commandID, ReasonTimeout)
	if err != nil {
		s.logger.Printf("auto rollback failed: command=%s err=%v", commandID, err)
		return
	}
	s.logger.Printf("auto rollback done: command=%s rollback=%s", result.CommandID, result.RollbackCommandID)
}

func (s *Service) emitStatusChange(ctx context.Context, record *audit.Record, to commands.Status, reason string) {
	s.emit(ctx, commandsevents.CommandStatusChanged{
		CommandID:  record.CommandID,
		TargetID:   record.TargetID,
		From:       record.Status,
		To:         to,
		Reason:     reason,
		OccurredAt: s.clock.Now().UTC(),
	}, record.TargetID)
}

func (s *Service) emit(ctx context.Context, event any, key string) {
	if s.events == nil {
		return
	}
	meta := eventing.Meta{Topic: commandsevents.TopicCommandLifecycle, PartitionKey: key}
	if _, err := s.events.PublishWithMeta(ctx, event, meta); err != nil {
		s.logger.Printf("lifecycle event failed: type=%T key=%s err=%v", event, key, err)
	}
}
