// Package saga coordinates multi-step financial transactions with
// compensating rollback.
//
// A run executes an ordered list of sagaflow.Operations. Each operation
// commits locally; when one fails, the operations that already completed are
// compensated in strict reverse order. The guarantee is eventual consistency
// through compensation, not atomicity across steps.
//
// # Overview
//
// The package provides:
//   - Coordinator: runs a Plan and drives the Execution state machine
//   - Execution: the durable, never-deleted record of one run, with an
//     append-only event timeline
//   - Store: persistence (MemoryStore, PostgresStore, RedisStore, MongoStore)
//   - MetricsRecorder: OpenTelemetry metrics for runs, steps and compensations
//
// # Basic Usage
//
//	coordinator := saga.NewCoordinator(
//	    saga.WithStore(saga.NewPostgresStore(db)),
//	    saga.WithPlanValidator(operations.ValidatePlan),
//	)
//
//	exec, err := coordinator.Run(ctx, saga.Plan{
//	    Name:       "investment",
//	    Operations: ops,
//	    Metadata:   saga.Metadata{PaymentID: paymentID, UserID: userID},
//	})
//	if err != nil {
//	    // err.Error() is the first failure's message; compensation has
//	    // already run and exec.Status says how it went.
//	}
//
// # Compensation Behavior
//
// When a step fails:
//  1. The run stops executing forward and the record moves to failed
//  2. Completed steps (index < steps_completed) are compensated in reverse
//  3. A failing compensation is logged and the sweep continues
//  4. The record ends compensated, or compensation_failed with
//     NeedsAttention set
//
// A run that fails at its first step stays failed: nothing was committed.
//
// # State Persistence
//
// The record is written after every transition, so a crash mid-run leaves an
// inspectable partial record. Writes are retried on transient store errors and
// guarded by an optimistic Version. A run whose write hits a version conflict
// has been taken over (typically by the recovery sweep marking it stale) and
// stops with ErrSuperseded.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/finvest/sagaflow"
)

// ErrSuperseded is returned when another actor (the recovery sweep or an
// admin) wrote the saga record while a run or compensation held it. The
// holder stops: the record now belongs to whoever wrote it.
var ErrSuperseded = errors.New("saga record superseded")

// FailedError is returned by Run when a step failed. Its message is the
// first failure's message, which is what the triggering caller shows.
type FailedError struct {
	SagaID string
	Step   string
	Reason string
	Kind   sagaflow.FailureKind
	// Status is the status the run ended in (failed, compensated or
	// compensation_failed).
	Status Status
	Err    error
}

func (e *FailedError) Error() string {
	return e.Reason
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	store           Store
	logger          *slog.Logger
	metrics         *MetricsRecorder
	stepTimeout     time.Duration
	persistAttempts uint
	persistDelay    time.Duration
	validators      []PlanValidator
	now             func() time.Time
}

// WithStore sets the execution store. The default is a MemoryStore.
func WithStore(store Store) Option {
	return func(o *coordinatorOptions) {
		if store != nil {
			o.store = store
		}
	}
}

// WithLogger sets a custom logger.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *coordinatorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *coordinatorOptions) {
		o.metrics = recorder
	}
}

// WithStepTimeout bounds each Execute and Compensate call. Zero (the
// default) means no timeout. Operations must honour ctx for this to have
// effect.
func WithStepTimeout(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		if d >= 0 {
			o.stepTimeout = d
		}
	}
}

// WithPersistAttempts sets how many times a record write is attempted
// before the error is logged and the run continues.
func WithPersistAttempts(attempts uint, delay time.Duration) Option {
	return func(o *coordinatorOptions) {
		if attempts > 0 {
			o.persistAttempts = attempts
		}
		if delay >= 0 {
			o.persistDelay = delay
		}
	}
}

// WithPlanValidator adds a validator run on every plan before it starts.
func WithPlanValidator(v PlanValidator) Option {
	return func(o *coordinatorOptions) {
		if v != nil {
			o.validators = append(o.validators, v)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *coordinatorOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Coordinator runs saga plans.
//
// A Coordinator holds no per-run state: concurrent runs for different users
// are independent and share nothing but the store.
type Coordinator struct {
	store           Store
	logger          *slog.Logger
	metrics         *MetricsRecorder
	tracer          trace.Tracer
	stepTimeout     time.Duration
	persistAttempts uint
	persistDelay    time.Duration
	validators      []PlanValidator
	now             func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	o := &coordinatorOptions{
		logger:          slog.Default(),
		persistAttempts: 3,
		persistDelay:    50 * time.Millisecond,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}

	return &Coordinator{
		store:           o.store,
		logger:          o.logger.With("component", "saga.coordinator"),
		metrics:         o.metrics,
		tracer:          otel.Tracer("sagaflow/saga"),
		stepTimeout:     o.stepTimeout,
		persistAttempts: o.persistAttempts,
		persistDelay:    o.persistDelay,
		validators:      o.validators,
		now:             o.now,
	}
}

// Store returns the execution store.
func (c *Coordinator) Store() Store {
	return c.store
}

// Run executes the plan and returns the final execution record.
//
// Execution proceeds as follows:
//  1. Validate the plan and persist a processing record
//  2. Execute each operation in order, persisting after each success
//  3. On success: mark completed
//  4. On the first failure (failed Result, returned error or panic): mark
//     failed, then compensate the completed operations in reverse order
//
// The returned error is nil on completion, a *FailedError when a step failed,
// ErrSuperseded when another actor took the record over mid-run, and a plain
// error when the plan is invalid or the record cannot be created. After a
// takeover no further step is executed or compensated.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (*Execution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for _, v := range c.validators {
		if err := v(plan); err != nil {
			if errors.Is(err, ErrInvalidPlan) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
		}
	}

	id := plan.ID
	if id == "" {
		id = NewID()
	}
	sc := plan.Context
	if sc == nil {
		sc = sagaflow.NewContext()
	}
	sagaflow.Set(sc, sagaflow.SagaID, id)

	start := c.now()
	exec := newExecution(id, plan, start)
	if err := c.store.Create(context.WithoutCancel(ctx), exec); err != nil {
		return nil, fmt.Errorf("create saga record: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("saga.%s", plan.Name),
		trace.WithAttributes(
			attribute.String("saga.id", id),
			attribute.String("saga.name", plan.Name),
			attribute.Int("saga.steps", len(plan.Operations))))
	defer span.End()

	c.metrics.RecordSagaStart(ctx, plan.Name)
	log := c.logger.With("saga_id", id, "saga", plan.Name)
	log.Info("saga started", "steps", exec.StepsTotal, "retry_of", plan.RetryOf)

	for i, op := range plan.Operations {
		name := op.Name()
		log.Debug("executing step", "step", name, "step_index", i)

		res, err := c.executeStep(ctx, op, sc, i)
		c.metrics.RecordStepExecution(ctx, name, err == nil && res.IsSuccess())

		if err != nil || res.IsFailure() {
			reason, kind, cause := classifyFailure(res, err)
			if err != nil {
				log.Error("step raised unrecoverable error", "step", name, "step_index", i, "error", err)
			} else {
				log.Warn("step failed", "step", name, "step_index", i, "reason", reason, "kind", kind)
			}

			now := c.now()
			_ = exec.fail(name, reason, kind, StatusFailed, now)
			exec.record(Event{At: now, Type: EventStepFailed, Step: name, StepIndex: i, Message: reason})
			c.checkpoint(exec, sc, log)
			if err := c.save(ctx, exec); err != nil {
				return c.abandon(ctx, span, exec, start, log, err)
			}

			if exec.StepsCompleted > 0 {
				if _, err := c.compensate(ctx, exec, plan.Operations[:exec.StepsCompleted], sc, ""); err != nil {
					return c.abandon(ctx, span, exec, start, log, err)
				}
			} else {
				log.Info("no completed steps to compensate")
			}

			span.SetStatus(codes.Error, reason)
			span.SetAttributes(attribute.String("saga.status", string(exec.Status)))
			c.metrics.RecordSagaEnd(ctx, plan.Name, exec.Status, c.now().Sub(start))
			return exec, &FailedError{
				SagaID: id,
				Step:   name,
				Reason: reason,
				Kind:   kind,
				Status: exec.Status,
				Err:    cause,
			}
		}

		now := c.now()
		exec.StepsCompleted++
		exec.Metadata.Steps[name] = StepAudit{
			Index:       i,
			Message:     res.Message(),
			Output:      res.Data(),
			CompletedAt: now,
		}
		exec.record(Event{At: now, Type: EventStepCompleted, Step: name, StepIndex: i, Message: res.Message()})
		c.checkpoint(exec, sc, log)
		if err := c.save(ctx, exec); err != nil {
			return c.abandon(ctx, span, exec, start, log, err)
		}

		log.Debug("step completed", "step", name, "step_index", i)
	}

	now := c.now()
	_ = exec.transition(StatusCompleted, now)
	exec.record(Event{At: now, Type: EventCompleted})
	if err := c.save(ctx, exec); err != nil {
		return c.abandon(ctx, span, exec, start, log, err)
	}

	span.SetAttributes(attribute.String("saga.status", string(exec.Status)))
	c.metrics.RecordSagaEnd(ctx, plan.Name, exec.Status, now.Sub(start))
	log.Info("saga completed", "steps", exec.StepsTotal)
	return exec, nil
}

// abandon ends a run that lost its record to another actor.
func (c *Coordinator) abandon(ctx context.Context, span trace.Span, exec *Execution, start time.Time, log *slog.Logger, err error) (*Execution, error) {
	log.Warn("saga record taken over, run stopped", "steps_completed", exec.StepsCompleted, "error", err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("saga.superseded", true))
	c.metrics.RecordSagaEnd(ctx, exec.Name, exec.Status, c.now().Sub(start))
	return exec, err
}

// classifyFailure maps a failed step outcome to its message, kind and cause.
func classifyFailure(res sagaflow.Result, err error) (string, sagaflow.FailureKind, error) {
	if err != nil {
		switch {
		case sagaflow.IsComplianceBlocked(err):
			return err.Error(), sagaflow.FailureComplianceBlocked, err
		case sagaflow.IsInsufficientInventory(err):
			return err.Error(), sagaflow.FailureInventoryDepleted, err
		default:
			return err.Error(), sagaflow.FailureUnrecoverable, sagaflow.Unrecoverable(err)
		}
	}

	reason := res.Message()
	if reason == "" {
		reason = "operation failed"
	}
	if blocked, _ := res.Get("compliance_blocked", false).(bool); blocked {
		return reason, sagaflow.FailureComplianceBlocked, sagaflow.ErrComplianceBlocked
	}
	if depleted, _ := res.Get("inventory_depleted", false).(bool); depleted {
		return reason, sagaflow.FailureInventoryDepleted, sagaflow.ErrInsufficientInventory
	}
	return reason, sagaflow.FailureOperation, sagaflow.ErrOperationFailed
}

// executeStep calls Execute, converting a panic into an unrecoverable error.
func (c *Coordinator) executeStep(ctx context.Context, op sagaflow.Operation, sc *sagaflow.Context, index int) (res sagaflow.Result, err error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("saga.step.%s", op.Name()),
		trace.WithAttributes(attribute.Int("saga.step_index", index)))
	defer span.End()

	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			res = sagaflow.Result{}
			err = &sagaflow.PanicError{Operation: op.Name(), Value: r}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if res.IsFailure() {
			span.SetStatus(codes.Error, res.Message())
		}
	}()

	return op.Execute(ctx, sc)
}

// compensateStep calls Compensate, converting a panic into an error.
func (c *Coordinator) compensateStep(ctx context.Context, op sagaflow.Operation, sc *sagaflow.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("saga.compensate.%s", op.Name()))
	defer span.End()

	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %w", sagaflow.ErrCompensationFailed, &sagaflow.PanicError{Operation: op.Name(), Value: r})
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return op.Compensate(ctx, sc)
}

// compensate runs compensations for completed (the operations with index
// below steps_completed) in reverse order. Steps whose compensation is
// already recorded are skipped. Failures are logged and never stop the sweep.
// It returns the number of failed compensations, and ErrSuperseded when the
// record was taken over.
func (c *Coordinator) compensate(ctx context.Context, exec *Execution, completed []sagaflow.Operation, sc *sagaflow.Context, actor string) (int, error) {
	log := c.logger.With("saga_id", exec.ID, "saga", exec.Name)

	now := c.now()
	exec.CompensationAttempts++
	exec.record(Event{
		At:      now,
		Type:    EventCompensationStarted,
		Message: fmt.Sprintf("attempt %d, %d steps", exec.CompensationAttempts, len(completed)),
		Actor:   actor,
	})
	if err := c.save(ctx, exec); err != nil {
		return 0, err
	}

	log.Info("starting compensation", "steps_to_compensate", len(completed), "attempt", exec.CompensationAttempts)
	return c.compensateSteps(ctx, exec, completed, sc, actor, log)
}

func (c *Coordinator) compensateSteps(ctx context.Context, exec *Execution, completed []sagaflow.Operation, sc *sagaflow.Context, actor string, log *slog.Logger) (int, error) {
	failures := 0
	for i := len(completed) - 1; i >= 0; i-- {
		op := completed[i]
		name := op.Name()

		audit := exec.Metadata.Steps[name]
		if audit.CompensatedAt != nil {
			log.Info("step already compensated, skipping", "step", name, "step_index", i)
			exec.record(Event{At: c.now(), Type: EventCompensationSkipped, Step: name, StepIndex: i, Actor: actor})
			continue
		}

		log.Info("compensating step", "step", name, "step_index", i)
		err := c.compensateStep(ctx, op, sc)
		c.metrics.RecordCompensation(ctx, name, err == nil)

		now := c.now()
		if err != nil {
			failures++
			log.Error("compensation failed", "step", name, "step_index", i, "error", err)
			exec.record(Event{At: now, Type: EventCompensationFailed, Step: name, StepIndex: i, Message: err.Error(), Actor: actor})
		} else {
			audit.CompensatedAt = &now
			if exec.Metadata.Steps == nil {
				exec.Metadata.Steps = make(map[string]StepAudit)
			}
			exec.Metadata.Steps[name] = audit
			exec.record(Event{At: now, Type: EventStepCompensated, Step: name, StepIndex: i, Actor: actor})
		}
		c.checkpoint(exec, sc, log)
		if err := c.save(ctx, exec); err != nil {
			return failures, err
		}
	}

	now := c.now()
	if failures == 0 {
		_ = exec.transition(StatusCompensated, now)
		exec.record(Event{At: now, Type: EventCompensated, Actor: actor})
		log.Info("compensation completed")
	} else {
		if exec.Status == StatusFailed {
			_ = exec.transition(StatusCompensationFailed, now)
		}
		exec.NeedsAttention = true
		exec.record(Event{
			At:      now,
			Type:    EventCompensationFailed,
			Message: fmt.Sprintf("%d compensation(s) failed", failures),
			Actor:   actor,
		})
		log.Error("compensation incomplete", "failures", failures, "status", exec.Status)
	}
	return failures, c.save(ctx, exec)
}

// checkpoint stores the context snapshot on the record. A context that cannot
// be serialised keeps the previous checkpoint.
func (c *Coordinator) checkpoint(exec *Execution, sc *sagaflow.Context, log *slog.Logger) {
	snap, err := sc.Snapshot()
	if err != nil {
		log.Warn("failed to checkpoint saga context", "error", err)
		return
	}
	exec.Metadata.Checkpoint = snap
}

// save persists exec and reports a lost record as ErrSuperseded. Other store
// errors are logged by persist and tolerated: the next write carries the
// same state.
func (c *Coordinator) save(ctx context.Context, exec *Execution) error {
	err := c.persist(ctx, exec)
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrSuperseded, exec.ID, err)
	}
	return nil
}

// persist writes the record, retrying transient store errors. Writes are
// detached from ctx cancellation so an abandoned request still leaves an
// accurate record. Errors are logged and returned.
func (c *Coordinator) persist(ctx context.Context, exec *Execution) error {
	ctx = context.WithoutCancel(ctx)
	exec.UpdatedAt = c.now()

	err := retry.Do(
		func() error {
			return c.store.Update(ctx, exec)
		},
		retry.Context(ctx),
		retry.Attempts(c.persistAttempts),
		retry.Delay(c.persistDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNotFound)
		}),
	)
	if err != nil {
		c.logger.Error("failed to persist saga state",
			"saga_id", exec.ID,
			"status", exec.Status,
			"error", err)
	}
	return err
}
