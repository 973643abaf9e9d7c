package operations

import (
	"context"
	"fmt"

	"github.com/finvest/sagaflow"
)

// VerifyCompliance gates a money movement on the user's compliance state.
// It has no side effect and so nothing to compensate.
type VerifyCompliance struct {
	base
	gate   ComplianceGate
	userID string
	opType OperationType
	amount sagaflow.Amount
}

// NewVerifyCompliance creates the compliance gate step.
func NewVerifyCompliance(gate ComplianceGate, userID string, opType OperationType, amount sagaflow.Amount, opts ...Option) *VerifyCompliance {
	return &VerifyCompliance{
		base:   newBase(KindVerifyCompliance, opts),
		gate:   gate,
		userID: userID,
		opType: opType,
		amount: amount,
	}
}

// Execute asks the gate for the rule matching the operation type.
func (s *VerifyCompliance) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	var (
		d   ComplianceDecision
		err error
	)
	switch s.opType {
	case OpInvest:
		d, err = s.gate.CanInvest(ctx, s.userID, s.amount)
	case OpWithdraw:
		d, err = s.gate.CanWithdraw(ctx, s.userID, s.amount)
	case OpReceiveFunds:
		d, err = s.gate.CanReceiveFunds(ctx, s.userID, s.amount)
	default:
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("unsupported operation type %s", s.opType))
	}
	if err != nil {
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("compliance check: %w", err))
	}
	sagaflow.Set(sc, KeyComplianceDecision, d)

	if !d.Allowed {
		if err := s.gate.LogComplianceBlock(ctx, s.userID, s.opType, d); err != nil {
			s.log(sc).WarnContext(ctx, "failed to log compliance block", "error", err)
		}
		return sagaflow.Failure(fmt.Sprintf("compliance blocked: %s", d.Reason), map[string]any{
			"compliance_blocked": true,
			"operation_type":     s.opType.String(),
			"reason":             d.Reason,
			"requirements":       d.Requirements,
		}), nil
	}

	return sagaflow.Success("compliance verified", map[string]any{
		"operation_type": s.opType.String(),
		"amount":         int64(s.amount),
	}), nil
}

// Compensate does nothing: the gate has no side effect.
func (s *VerifyCompliance) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	return s.noop(ctx, sc, "compliance check has no side effect")
}
