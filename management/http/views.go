package http

import (
	"context"
	"time"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/saga"
)

type actorKey struct{}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

type errorResponse struct {
	Error string `json:"error"`
}

type listResponse struct {
	Sagas []summary `json:"sagas"`
	Count int       `json:"count"`
}

// summary is a list row.
type summary struct {
	ID             string          `json:"saga_id"`
	Name           string          `json:"name"`
	Status         saga.Status     `json:"status"`
	StepsCompleted int             `json:"steps_completed"`
	StepsTotal     int             `json:"steps_total"`
	FailureStep    string          `json:"failure_step,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	NeedsAttention bool            `json:"needs_attention"`
	PaymentID      string          `json:"payment_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Amount         sagaflow.Amount `json:"amount,omitempty"`
	RetryOf        string          `json:"retry_of,omitempty"`
	InitiatedAt    time.Time       `json:"initiated_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// detail is the full record with its timeline.
type detail struct {
	summary
	StepNames            []string                  `json:"step_names"`
	CompletedSteps       []string                  `json:"completed_steps"`
	PendingCompensation  []string                  `json:"pending_compensation,omitempty"`
	CompensationAttempts int                       `json:"compensation_attempts"`
	FailureKind          sagaflow.FailureKind      `json:"failure_kind,omitempty"`
	Steps                map[string]saga.StepAudit `json:"steps,omitempty"`
	Attributes           map[string]string         `json:"attributes,omitempty"`
	SubscriptionID       string                    `json:"subscription_id,omitempty"`
	Resolution           *saga.Resolution          `json:"resolution,omitempty"`
	ResolvedBy           string                    `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time                `json:"resolved_at,omitempty"`
	CompletedAt          *time.Time                `json:"completed_at,omitempty"`
	FailedAt             *time.Time                `json:"failed_at,omitempty"`
	CompensatedAt        *time.Time                `json:"compensated_at,omitempty"`
	Timeline             []saga.Event              `json:"timeline"`
	Version              int64                     `json:"version"`
}

func toSummary(e *saga.Execution) summary {
	return summary{
		ID:             e.ID,
		Name:           e.Name,
		Status:         e.Status,
		StepsCompleted: e.StepsCompleted,
		StepsTotal:     e.StepsTotal,
		FailureStep:    e.FailureStep,
		FailureReason:  e.FailureReason,
		NeedsAttention: e.NeedsAttention,
		PaymentID:      e.Metadata.PaymentID,
		UserID:         e.Metadata.UserID,
		Amount:         e.Metadata.Amount,
		RetryOf:        e.RetryOf,
		InitiatedAt:    e.InitiatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func toDetail(e *saga.Execution) detail {
	return detail{
		summary:              toSummary(e),
		StepNames:            e.StepNames,
		CompletedSteps:       e.CompletedSteps(),
		PendingCompensation:  e.PendingCompensation(),
		CompensationAttempts: e.CompensationAttempts,
		FailureKind:          e.FailureKind(),
		Steps:                e.Metadata.Steps,
		Attributes:           e.Metadata.Attributes,
		SubscriptionID:       e.Metadata.SubscriptionID,
		Resolution:           e.Resolution,
		ResolvedBy:           e.ResolvedBy,
		ResolvedAt:           e.ResolvedAt,
		CompletedAt:          e.CompletedAt,
		FailedAt:             e.FailedAt,
		CompensatedAt:        e.CompensatedAt,
		Timeline:             e.Events,
		Version:              e.Version,
	}
}
