// Package management is the administrative surface over saga records:
// dashboard stats, listing and detail, retry, force-compensation, manual
// resolution and the recovery sweep.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finvest/sagaflow/saga"
)

var (
	// ErrNotRecoverable is returned when a saga is not in a state the
	// requested action can start from.
	ErrNotRecoverable = errors.New("saga not recoverable")

	// ErrResolutionIncomplete is returned when a manual resolution lacks the
	// action taken or the notes.
	ErrResolutionIncomplete = errors.New("resolution requires action_taken and resolution_notes")
)

// Builder rebuilds a saga's plan from its record. The plan's operations must
// be in the recorded order.
type Builder interface {
	Build(exec *saga.Execution) (saga.Plan, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(exec *saga.Execution) (saga.Plan, error)

// Build calls f.
func (f BuilderFunc) Build(exec *saga.Execution) (saga.Plan, error) { return f(exec) }

// Stats are the dashboard counts.
type Stats struct {
	Total          int64                 `json:"total"`
	ByStatus       map[saga.Status]int64 `json:"by_status"`
	NeedsAttention int64                 `json:"needs_attention"`
}

// Manager runs administrative actions against a coordinator and its store.
//
// Example:
//
//	m := management.NewManager(coord).
//	    WithBuilder(operations.PlanName, operations.InvestmentBuilder{Deps: deps})
//
//	next, err := m.Retry(ctx, sagaID, "ops@finvest")
type Manager struct {
	coord    *saga.Coordinator
	store    saga.Store
	builders map[string]Builder
	payments PaymentLookup
	logger   *slog.Logger
}

// NewManager creates a manager over coord and its store.
func NewManager(coord *saga.Coordinator) *Manager {
	return &Manager{
		coord:    coord,
		store:    coord.Store(),
		builders: make(map[string]Builder),
		logger:   slog.Default().With("component", "saga.management"),
	}
}

// WithBuilder registers the plan builder for sagas named name.
func (m *Manager) WithBuilder(name string, b Builder) *Manager {
	m.builders[name] = b
	return m
}

// WithPayments sets the payment lookup served by Payment.
func (m *Manager) WithPayments(p PaymentLookup) *Manager {
	m.payments = p
	return m
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Stats returns counts by status and the size of the attention queue.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	stats := &Stats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}

	attention := true
	queue, err := m.store.List(ctx, saga.Filter{NeedsAttention: &attention})
	if err != nil {
		return nil, fmt.Errorf("list attention queue: %w", err)
	}
	stats.NeedsAttention = int64(len(queue))
	return stats, nil
}

// List returns sagas matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter saga.Filter) ([]*saga.Execution, error) {
	return m.store.List(ctx, filter)
}

// Get returns a saga with its timeline.
func (m *Manager) Get(ctx context.Context, id string) (*saga.Execution, error) {
	return m.store.Get(ctx, id)
}

// Retry starts a new saga that re-runs the plan of saga id. The original
// record is not modified; the new one points back at it through RetryOf.
//
// Only sagas that failed without leaving effects behind can be retried:
// compensated sagas, and failed sagas with nothing left to compensate. A saga
// with a retry already running or completed cannot be retried again.
//
// The new record is returned together with the run's error, which is a
// *saga.FailedError when the retry itself failed.
func (m *Manager) Retry(ctx context.Context, id, actor string) (*saga.Execution, error) {
	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.retryable(ctx, exec); err != nil {
		return nil, err
	}

	plan, err := m.plan(exec)
	if err != nil {
		return nil, err
	}
	plan.ID = ""
	plan.RetryOf = exec.ID
	plan.Context = nil

	m.logger.Info("retrying saga", "saga_id", exec.ID, "status", exec.Status, "actor", actor)
	next, err := m.coord.Run(ctx, plan)
	if next != nil {
		m.logger.Info("saga retry finished", "saga_id", exec.ID, "retry_id", next.ID, "status", next.Status)
	}
	return next, err
}

func (m *Manager) retryable(ctx context.Context, exec *saga.Execution) error {
	switch exec.Status {
	case saga.StatusCompensated:
	case saga.StatusFailed:
		if pending := exec.PendingCompensation(); len(pending) > 0 {
			return fmt.Errorf("%w: saga %s has uncompensated steps %s",
				ErrNotRecoverable, exec.ID, strings.Join(pending, ","))
		}
	default:
		return fmt.Errorf("%w: cannot retry saga %s in status %s", ErrNotRecoverable, exec.ID, exec.Status)
	}

	retries, err := m.store.List(ctx, saga.Filter{
		RetryOf: exec.ID,
		Status:  []saga.Status{saga.StatusProcessing, saga.StatusCompleted},
	})
	if err != nil {
		return fmt.Errorf("list retries: %w", err)
	}
	if len(retries) > 0 {
		return fmt.Errorf("%w: saga %s already retried as %s (%s)",
			ErrNotRecoverable, exec.ID, retries[0].ID, retries[0].Status)
	}
	return nil
}

// ForceCompensate re-invokes compensation on the completed steps of a saga in
// failed, compensation_failed or requires_manual_resolution. Steps whose
// compensation is already recorded are skipped.
func (m *Manager) ForceCompensate(ctx context.Context, id, actor string) (*saga.Execution, error) {
	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.compensate(ctx, exec, actor)
}

func (m *Manager) compensate(ctx context.Context, exec *saga.Execution, actor string) (*saga.Execution, error) {
	switch exec.Status {
	case saga.StatusFailed, saga.StatusCompensationFailed, saga.StatusRequiresManualResolution:
	default:
		return nil, fmt.Errorf("%w: cannot compensate saga %s in status %s", ErrNotRecoverable, exec.ID, exec.Status)
	}

	plan, err := m.plan(exec)
	if err != nil {
		return nil, err
	}
	out, err := m.coord.Compensate(ctx, exec, plan.Operations, actor)
	if errors.Is(err, saga.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %w", ErrNotRecoverable, err)
	}
	return out, err
}

// Resolve closes a saga by hand. Both ActionTaken and Notes are required.
func (m *Manager) Resolve(ctx context.Context, id string, res saga.Resolution, actor string) (*saga.Execution, error) {
	res.ActionTaken = strings.TrimSpace(res.ActionTaken)
	res.Notes = strings.TrimSpace(res.Notes)
	if res.ActionTaken == "" || res.Notes == "" {
		return nil, ErrResolutionIncomplete
	}

	exec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.coord.Resolve(ctx, exec, res, actor); err != nil {
		if errors.Is(err, saga.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", ErrNotRecoverable, err)
		}
		return nil, err
	}
	return exec, nil
}

func (m *Manager) plan(exec *saga.Execution) (saga.Plan, error) {
	b, ok := m.builders[exec.Name]
	if !ok {
		return saga.Plan{}, fmt.Errorf("%w: no plan builder for %q sagas", ErrNotRecoverable, exec.Name)
	}
	plan, err := b.Build(exec)
	if err != nil {
		return saga.Plan{}, fmt.Errorf("rebuild saga %s: %w", exec.ID, err)
	}
	return plan, nil
}

// failedRun reports whether err is a saga run failure rather than a problem
// starting the run.
func failedRun(err error) bool {
	var failed *saga.FailedError
	return errors.As(err, &failed)
}
