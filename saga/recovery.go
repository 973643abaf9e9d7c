package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/finvest/sagaflow"
)

// Recovery entry points used by the management surface. Unlike Run, every
// write here must succeed: a version conflict means another actor changed the
// record and the action is abandoned.

// Compensate re-invokes compensation for a saga in failed,
// compensation_failed or requires_manual_resolution.
//
// ops must be the saga's operations in plan order, rebuilt from its
// metadata. The first StepsCompleted are compensated in reverse, preceded by
// the in-doubt step of a stale saga; steps whose compensation is already
// recorded are skipped. The context is restored from the record's checkpoint.
//
// A saga with no completed or in-doubt step has nothing to reverse and is
// rejected with ErrInvalidTransition.
//
// Returns the updated record. Compensation failures are not errors: they are
// reflected in the returned status.
func (c *Coordinator) Compensate(ctx context.Context, exec *Execution, ops []sagaflow.Operation, actor string) (*Execution, error) {
	switch exec.Status {
	case StatusFailed, StatusCompensationFailed, StatusRequiresManualResolution:
	default:
		return nil, fmt.Errorf("%w: cannot compensate saga in status %s", ErrInvalidTransition, exec.Status)
	}

	targets, err := compensableOperations(exec, ops)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: saga %s has no completed steps to compensate", ErrInvalidTransition, exec.ID)
	}

	log := c.logger.With("saga_id", exec.ID, "saga", exec.Name)
	sc := sagaflow.RestoreContext(exec.Metadata.Checkpoint)
	sagaflow.Set(sc, sagaflow.SagaID, exec.ID)

	now := c.now()
	exec.CompensationAttempts++
	exec.record(Event{
		At:      now,
		Type:    EventCompensationStarted,
		Message: fmt.Sprintf("attempt %d, %d steps", exec.CompensationAttempts, len(targets)),
		Actor:   actor,
	})
	if err := c.persist(ctx, exec); err != nil {
		return nil, fmt.Errorf("claim saga %s for compensation: %w", exec.ID, err)
	}

	log.Info("force compensation started",
		"actor", actor,
		"pending", strings.Join(exec.PendingCompensation(), ","),
		"attempt", exec.CompensationAttempts)
	if _, err := c.compensateSteps(ctx, exec, targets, sc, actor, log); err != nil {
		return nil, err
	}
	return exec, nil
}

// compensableOperations matches ops against the record and returns the
// completed ones, followed by the in-doubt step when there is one.
func compensableOperations(exec *Execution, ops []sagaflow.Operation) ([]sagaflow.Operation, error) {
	n := exec.compensable()
	if len(ops) < n {
		return nil, fmt.Errorf("%w: saga %s needs %d steps compensated, plan has %d",
			ErrInvalidPlan, exec.ID, n, len(ops))
	}
	for i := 0; i < n; i++ {
		if i >= len(exec.StepNames) || ops[i].Name() != exec.StepNames[i] {
			return nil, fmt.Errorf("%w: step %d of saga %s is %q, plan has %q",
				ErrInvalidPlan, i, exec.ID, stepName(exec, i), ops[i].Name())
		}
	}
	return ops[:n], nil
}

func stepName(exec *Execution, i int) string {
	if i >= 0 && i < len(exec.StepNames) {
		return exec.StepNames[i]
	}
	return ""
}

// MarkStale fails a processing saga that stopped making progress. The step
// that was running (or the last step) becomes the failure step.
//
// The running step may have committed its side effect before the process
// died, so it is marked in doubt and compensated along with the completed
// steps. Persisting the mark bumps the record version, which stops the
// original run if it is still alive.
func (c *Coordinator) MarkStale(ctx context.Context, exec *Execution, staleAfter time.Duration, actor string) error {
	now := c.now()
	if !exec.Stale(now, staleAfter) {
		return fmt.Errorf("%w: saga %s is not stale", ErrInvalidTransition, exec.ID)
	}

	step := stepName(exec, min(exec.StepsCompleted, len(exec.StepNames)-1))
	reason := fmt.Sprintf("stale: no progress since %s", exec.UpdatedAt.UTC().Format(time.RFC3339))
	if err := exec.fail(step, reason, sagaflow.FailureStale, StatusFailed, now); err != nil {
		return err
	}
	if exec.StepsCompleted < len(exec.StepNames) {
		if exec.Metadata.Steps == nil {
			exec.Metadata.Steps = make(map[string]StepAudit)
		}
		exec.Metadata.Steps[step] = StepAudit{Index: exec.StepsCompleted, InDoubt: true}
	}
	exec.record(Event{At: now, Type: EventStepFailed, Step: step, StepIndex: exec.StepsCompleted, Message: reason, Actor: actor})
	if err := c.persist(ctx, exec); err != nil {
		return fmt.Errorf("mark saga %s stale: %w", exec.ID, err)
	}

	c.logger.Warn("stale saga marked failed", "saga_id", exec.ID, "step", step, "actor", actor)
	return nil
}

// Escalate moves a saga to requires_manual_resolution.
func (c *Coordinator) Escalate(ctx context.Context, exec *Execution, reason, actor string) error {
	now := c.now()
	if err := exec.transition(StatusRequiresManualResolution, now); err != nil {
		return err
	}
	if exec.FailureStep == "" && exec.FailureReason == "" {
		exec.FailureReason = reason
	}
	exec.record(Event{At: now, Type: EventEscalated, Message: reason, Actor: actor})
	if err := c.persist(ctx, exec); err != nil {
		return fmt.Errorf("escalate saga %s: %w", exec.ID, err)
	}

	c.logger.Warn("saga escalated to manual resolution", "saga_id", exec.ID, "reason", reason, "actor", actor)
	return nil
}

// Resolve closes a saga with a human resolution. Allowed from failed,
// compensation_failed and requires_manual_resolution.
func (c *Coordinator) Resolve(ctx context.Context, exec *Execution, res Resolution, actor string) error {
	now := c.now()
	if err := exec.transition(StatusManuallyResolved, now); err != nil {
		return err
	}
	exec.Resolution = &res
	exec.ResolvedBy = actor
	exec.ResolvedAt = &now
	exec.record(Event{At: now, Type: EventResolved, Message: res.ActionTaken, Actor: actor})
	if err := c.persist(ctx, exec); err != nil {
		return fmt.Errorf("resolve saga %s: %w", exec.ID, err)
	}

	c.logger.Info("saga manually resolved", "saga_id", exec.ID, "action", res.ActionTaken, "resolved_by", actor)
	return nil
}
