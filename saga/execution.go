package saga

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/finvest/sagaflow"
)

// Status represents saga execution status.
//
// State transitions:
//
//	processing ─→ completed
//	     │
//	     └─→ failed ─→ compensated
//	           │   └─→ compensation_failed ─→ requires_manual_resolution
//	           │                          └─→ compensated (force-compensate)
//	           └────────────────────────────→ manually_resolved
//
// A run that fails before any step completed stays failed: there is nothing
// to compensate. Stale processing runs are moved to failed (or escalated) by
// the recovery sweep.
type Status string

const (
	// StatusProcessing indicates the coordinator is executing steps.
	StatusProcessing Status = "processing"

	// StatusCompleted indicates all steps succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a step failed. Compensation follows when steps
	// had completed.
	StatusFailed Status = "failed"

	// StatusCompensated indicates every completed step was reversed.
	StatusCompensated Status = "compensated"

	// StatusCompensationFailed indicates at least one compensation failed.
	StatusCompensationFailed Status = "compensation_failed"

	// StatusRequiresManualResolution indicates automatic recovery gave up.
	StatusRequiresManualResolution Status = "requires_manual_resolution"

	// StatusManuallyResolved indicates a human closed the saga with notes.
	StatusManuallyResolved Status = "manually_resolved"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusProcessing,
		StatusCompleted,
		StatusFailed,
		StatusCompensated,
		StatusCompensationFailed,
		StatusRequiresManualResolution,
		StatusManuallyResolved,
	}
}

var transitions = map[Status][]Status{
	StatusProcessing:               {StatusCompleted, StatusFailed, StatusRequiresManualResolution},
	StatusFailed:                   {StatusCompensated, StatusCompensationFailed, StatusRequiresManualResolution, StatusManuallyResolved},
	StatusCompensationFailed:       {StatusCompensated, StatusRequiresManualResolution, StatusManuallyResolved},
	StatusRequiresManualResolution: {StatusCompensated, StatusManuallyResolved},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// CanTransitionTo reports whether the state machine allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// carriesFailure reports whether failure_step / failure_reason must be set.
func (s Status) carriesFailure() bool {
	switch s {
	case StatusFailed, StatusCompensationFailed, StatusRequiresManualResolution:
		return true
	}
	return false
}

// EventType names an entry of the execution timeline.
type EventType string

const (
	EventStarted             EventType = "started"
	EventStepCompleted       EventType = "step_completed"
	EventStepFailed          EventType = "step_failed"
	EventCompensationStarted EventType = "compensation_started"
	EventStepCompensated     EventType = "step_compensated"
	EventCompensationSkipped EventType = "compensation_skipped"
	EventCompensationFailed  EventType = "compensation_failed"
	EventCompleted           EventType = "completed"
	EventCompensated         EventType = "compensated"
	EventEscalated           EventType = "escalated"
	EventRetried             EventType = "retried"
	EventResolved            EventType = "resolved"
)

// Event is one append-only timeline entry.
type Event struct {
	At        time.Time `json:"at" bson:"at" msgpack:"at"`
	Type      EventType `json:"type" bson:"type" msgpack:"type"`
	Step      string    `json:"step,omitempty" bson:"step,omitempty" msgpack:"step,omitempty"`
	StepIndex int       `json:"step_index,omitempty" bson:"step_index,omitempty" msgpack:"step_index,omitempty"`
	Message   string    `json:"message,omitempty" bson:"message,omitempty" msgpack:"message,omitempty"`
	Actor     string    `json:"actor,omitempty" bson:"actor,omitempty" msgpack:"actor,omitempty"`
}

// StepAudit is the audit entry kept under metadata.steps.<operation name>.
type StepAudit struct {
	Index         int            `json:"index" bson:"index" msgpack:"index"`
	Message       string         `json:"message,omitempty" bson:"message,omitempty" msgpack:"message,omitempty"`
	Output        map[string]any `json:"output,omitempty" bson:"output,omitempty" msgpack:"output,omitempty"`
	CompletedAt   time.Time      `json:"completed_at" bson:"completed_at" msgpack:"completed_at"`
	CompensatedAt *time.Time     `json:"compensated_at,omitempty" bson:"compensated_at,omitempty" msgpack:"compensated_at,omitempty"`
	// InDoubt marks the step that was running when the saga went stale. It
	// may have committed, so recovery compensates it with the completed ones.
	InDoubt bool `json:"in_doubt,omitempty" bson:"in_doubt,omitempty" msgpack:"in_doubt,omitempty"`
}

// FailureRecord keeps the most recent failure after the saga leaves a
// failure status, so the detail view can still explain what happened.
type FailureRecord struct {
	Step   string               `json:"step" bson:"step" msgpack:"step"`
	Reason string               `json:"reason" bson:"reason" msgpack:"reason"`
	Kind   sagaflow.FailureKind `json:"kind" bson:"kind" msgpack:"kind"`
	At     time.Time            `json:"at" bson:"at" msgpack:"at"`
}

// Metadata is the business correlation and audit data of a run.
type Metadata struct {
	PaymentID      string            `json:"payment_id,omitempty" bson:"payment_id,omitempty" msgpack:"payment_id,omitempty"`
	UserID         string            `json:"user_id,omitempty" bson:"user_id,omitempty" msgpack:"user_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty" bson:"subscription_id,omitempty" msgpack:"subscription_id,omitempty"`
	Amount         sagaflow.Amount   `json:"amount,omitempty" bson:"amount,omitempty" msgpack:"amount,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty" msgpack:"attributes,omitempty"`

	Steps   map[string]StepAudit `json:"steps,omitempty" bson:"steps,omitempty" msgpack:"steps,omitempty"`
	Failure *FailureRecord       `json:"failure,omitempty" bson:"failure,omitempty" msgpack:"failure,omitempty"`

	// Checkpoint is the serialised saga context after the last step, used
	// to rebuild compensation inputs for force-compensate.
	Checkpoint map[string]json.RawMessage `json:"checkpoint,omitempty" bson:"checkpoint,omitempty" msgpack:"checkpoint,omitempty"`
}

// Resolution is the record of a manual resolution.
type Resolution struct {
	ActionTaken string         `json:"action_taken" bson:"action_taken" msgpack:"action_taken"`
	Notes       string         `json:"resolution_notes" bson:"resolution_notes" msgpack:"resolution_notes"`
	Data        map[string]any `json:"data,omitempty" bson:"data,omitempty" msgpack:"data,omitempty"`
}

// Execution is the durable record of one coordinator run.
//
// Executions are never deleted: together with Events they form a permanent
// audit trail. A retry creates a new Execution with RetryOf pointing at the
// original.
type Execution struct {
	ID     string // saga_id, unique
	Name   string // saga definition name (e.g. "investment")
	Status Status

	StepNames      []string // plan order
	StepsCompleted int
	StepsTotal     int

	FailureStep   string
	FailureReason string

	NeedsAttention       bool
	CompensationAttempts int

	Metadata Metadata

	Resolution *Resolution
	ResolvedBy string
	ResolvedAt *time.Time

	RetryOf string
	Events  []Event

	InitiatedAt   time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	CompensatedAt *time.Time
	UpdatedAt     time.Time

	// Version is incremented by every store update (optimistic locking).
	Version int64
}

// newExecution builds the processing record for a plan.
func newExecution(id string, plan Plan, now time.Time) *Execution {
	names := plan.StepNames()
	md := plan.Metadata
	md.Attributes = maps.Clone(md.Attributes)
	md.Steps = make(map[string]StepAudit, len(names))
	md.Failure = nil
	md.Checkpoint = nil

	e := &Execution{
		ID:          id,
		Name:        plan.Name,
		Status:      StatusProcessing,
		StepNames:   names,
		StepsTotal:  len(names),
		Metadata:    md,
		RetryOf:     plan.RetryOf,
		InitiatedAt: now,
		UpdatedAt:   now,
	}
	e.record(Event{At: now, Type: EventStarted, Message: fmt.Sprintf("%d steps", len(names))})
	if plan.RetryOf != "" {
		e.record(Event{At: now, Type: EventRetried, Message: "retry of " + plan.RetryOf})
	}
	return e
}

// transition moves the execution to a new status and maintains the derived
// fields (timestamps, failure fields, attention flag).
func (e *Execution) transition(to Status, now time.Time) error {
	if !e.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to

	switch to {
	case StatusCompleted:
		e.CompletedAt = &now
	case StatusFailed:
		e.FailedAt = &now
	case StatusCompensated:
		e.CompensatedAt = &now
	case StatusManuallyResolved:
		e.CompletedAt = &now
	}

	if !to.carriesFailure() {
		e.FailureStep = ""
		e.FailureReason = ""
	}

	switch to {
	case StatusCompensationFailed, StatusRequiresManualResolution:
		e.NeedsAttention = true
	case StatusCompensated, StatusManuallyResolved, StatusCompleted:
		e.NeedsAttention = false
	}

	e.UpdatedAt = now
	return nil
}

// fail records a step failure and moves to failed (or requires_manual_resolution
// when escalate is set).
func (e *Execution) fail(step string, reason string, kind sagaflow.FailureKind, to Status, now time.Time) error {
	if err := e.transition(to, now); err != nil {
		return err
	}
	if e.FailedAt == nil {
		e.FailedAt = &now
	}
	e.FailureStep = step
	e.FailureReason = reason
	e.Metadata.Failure = &FailureRecord{Step: step, Reason: reason, Kind: kind, At: now}
	return nil
}

func (e *Execution) record(ev Event) {
	e.Events = append(e.Events, ev)
}

// CompletedSteps returns the names of the steps that completed, in order.
func (e *Execution) CompletedSteps() []string {
	n := min(max(e.StepsCompleted, 0), len(e.StepNames))
	return slices.Clone(e.StepNames[:n])
}

// InDoubtStep returns the step that was running when the saga went stale,
// or "" when there is none.
func (e *Execution) InDoubtStep() string {
	i := e.StepsCompleted
	if i < 0 || i >= len(e.StepNames) {
		return ""
	}
	if a, ok := e.Metadata.Steps[e.StepNames[i]]; ok && a.InDoubt {
		return e.StepNames[i]
	}
	return ""
}

// compensable is the number of leading steps compensation covers: the
// completed ones plus the in-doubt step, if any.
func (e *Execution) compensable() int {
	n := min(max(e.StepsCompleted, 0), len(e.StepNames))
	if e.InDoubtStep() != "" {
		n++
	}
	return n
}

// PendingCompensation returns the completed and in-doubt steps without a
// recorded compensation, in reverse order.
func (e *Execution) PendingCompensation() []string {
	var out []string
	steps := e.StepNames[:e.compensable()]
	for i := len(steps) - 1; i >= 0; i-- {
		if a, ok := e.Metadata.Steps[steps[i]]; ok && a.CompensatedAt != nil {
			continue
		}
		out = append(out, steps[i])
	}
	return out
}

// FailureKind returns the kind of the most recent failure, if any.
func (e *Execution) FailureKind() sagaflow.FailureKind {
	if e.Metadata.Failure == nil {
		return ""
	}
	return e.Metadata.Failure.Kind
}

// Stale reports whether a processing run has not been updated within threshold.
func (e *Execution) Stale(now time.Time, threshold time.Duration) bool {
	return e.Status == StatusProcessing && now.Sub(e.UpdatedAt) > threshold
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.StepNames = slices.Clone(e.StepNames)
	c.Events = slices.Clone(e.Events)
	c.Metadata.Attributes = maps.Clone(e.Metadata.Attributes)
	c.Metadata.Checkpoint = maps.Clone(e.Metadata.Checkpoint)
	if e.Metadata.Steps != nil {
		c.Metadata.Steps = make(map[string]StepAudit, len(e.Metadata.Steps))
		for k, v := range e.Metadata.Steps {
			v.Output = maps.Clone(v.Output)
			c.Metadata.Steps[k] = v
		}
	}
	if e.Metadata.Failure != nil {
		f := *e.Metadata.Failure
		c.Metadata.Failure = &f
	}
	if e.Resolution != nil {
		r := *e.Resolution
		r.Data = maps.Clone(e.Resolution.Data)
		c.Resolution = &r
	}
	return &c
}

// validate checks the record invariants. Stores call it before writing.
func (e *Execution) validate() error {
	if e.ID == "" {
		return fmt.Errorf("saga id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.StepsCompleted < 0 || e.StepsCompleted > e.StepsTotal {
		return fmt.Errorf("steps_completed %d outside [0, %d]", e.StepsCompleted, e.StepsTotal)
	}
	if e.Status.carriesFailure() != (e.FailureStep != "" || e.FailureReason != "") {
		return fmt.Errorf("failure details inconsistent with status %s", e.Status)
	}
	return nil
}
