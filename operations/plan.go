package operations

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/saga"
)

// PlanName is the saga name of investment plans.
const PlanName = "investment"

// Attribute keys stored in saga metadata so a plan can be rebuilt.
const (
	AttrInvestmentID  = "investment_id"
	AttrProductID     = "product_id"
	AttrCampaignID    = "campaign_id"
	AttrReferralCode  = "referral_code"
	AttrOperationType = "operation_type"
)

// ErrInvalidOrder is returned when steps break the ordering rules.
var ErrInvalidOrder = errors.New("invalid step order")

// ValidateOrder enforces the ordering rules for financial sagas:
//   - compliance runs first
//   - each kind appears at most once
//   - a campaign liability or wallet credit comes after the benefit
//     calculation that sizes it
func ValidateOrder(kinds []Kind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidOrder)
	}
	if kinds[0] != KindVerifyCompliance {
		return fmt.Errorf("%w: %s must run first, got %s", ErrInvalidOrder, KindVerifyCompliance, kinds[0])
	}

	seen := make(map[Kind]int, len(kinds))
	for i, k := range kinds {
		if k < KindVerifyCompliance || k > KindCreditUserWallet {
			return fmt.Errorf("%w: %s", ErrUnknownKind, k)
		}
		if j, dup := seen[k]; dup {
			return fmt.Errorf("%w: %s appears at %d and %d", ErrInvalidOrder, k, j, i)
		}
		seen[k] = i

		switch k {
		case KindRecordCampaignLiability, KindCreditUserWallet:
			if _, ok := seen[KindCalculateCampaignBenefit]; !ok {
				return fmt.Errorf("%w: %s requires %s earlier", ErrInvalidOrder, k, KindCalculateCampaignBenefit)
			}
		}
	}
	return nil
}

// ValidatePlan is a saga.PlanValidator for investment plans. Plans with
// another name pass through.
func ValidatePlan(p saga.Plan) error {
	if p.Name != PlanName {
		return nil
	}
	kinds := make([]Kind, len(p.Operations))
	for i, op := range p.Operations {
		step, ok := op.(Step)
		if !ok {
			return fmt.Errorf("%w: operation %q is not an investment step", ErrInvalidOrder, op.Name())
		}
		kinds[i] = step.Kind()
	}
	return ValidateOrder(kinds)
}

// Dependencies are the collaborators the steps drive.
type Dependencies struct {
	Compliance ComplianceGate
	Benefits   BenefitEngine
	Ledger     Ledger
	Inventory  Inventory
	Wallet     Wallet
	Logger     *slog.Logger

	// StepOptions are applied to every step built.
	StepOptions []Option
}

// Step builds the step of the given kind for inv.
func (d Dependencies) Step(kind Kind, inv *Investment, opType OperationType) (Step, error) {
	opts := append([]Option{WithLogger(d.Logger)}, d.StepOptions...)
	switch kind {
	case KindVerifyCompliance:
		if d.Compliance == nil {
			return nil, fmt.Errorf("%s: compliance gate not configured", kind)
		}
		return NewVerifyCompliance(d.Compliance, inv.UserID, opType, inv.Amount, opts...), nil
	case KindCalculateCampaignBenefit:
		if d.Benefits == nil {
			return nil, fmt.Errorf("%s: benefit engine not configured", kind)
		}
		return NewCalculateCampaignBenefit(d.Benefits, inv, opts...), nil
	case KindRecordCampaignLiability:
		if d.Ledger == nil {
			return nil, fmt.Errorf("%s: ledger not configured", kind)
		}
		return NewRecordCampaignLiability(d.Ledger, inv, opts...), nil
	case KindAllocateShares:
		if d.Inventory == nil {
			return nil, fmt.Errorf("%s: inventory not configured", kind)
		}
		return NewAllocateShares(d.Inventory, inv, opts...), nil
	case KindCreditUserWallet:
		if d.Wallet == nil {
			return nil, fmt.Errorf("%s: wallet not configured", kind)
		}
		return NewCreditUserWallet(d.Wallet, inv, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// NewInvestmentPlan builds an investment saga for inv. The steps run in the
// given order, or Kinds() when none is given.
func NewInvestmentPlan(deps Dependencies, inv *Investment, order ...Kind) (saga.Plan, error) {
	return NewPlan(deps, inv, OpInvest, order...)
}

// NewPlan is NewInvestmentPlan with the compliance check guarding opType
// instead of an investment. The operation type is recorded so the plan
// rebuilds with the same check.
func NewPlan(deps Dependencies, inv *Investment, opType OperationType, order ...Kind) (saga.Plan, error) {
	if _, err := ParseOperationType(opType.String()); err != nil {
		return saga.Plan{}, err
	}
	if len(order) == 0 {
		order = Kinds()
	}
	if err := ValidateOrder(order); err != nil {
		return saga.Plan{}, err
	}

	ops := make([]sagaflow.Operation, len(order))
	for i, k := range order {
		step, err := deps.Step(k, inv, opType)
		if err != nil {
			return saga.Plan{}, err
		}
		ops[i] = step
	}

	return saga.Plan{
		Name:       PlanName,
		Operations: ops,
		Metadata: saga.Metadata{
			PaymentID:      inv.PaymentID,
			UserID:         inv.UserID,
			SubscriptionID: inv.SubscriptionID,
			Amount:         inv.Amount,
			Attributes: map[string]string{
				AttrInvestmentID:  inv.ID,
				AttrProductID:     inv.ProductID,
				AttrCampaignID:    inv.CampaignID,
				AttrReferralCode:  inv.ReferralCode,
				AttrOperationType: opType.String(),
			},
		},
	}, nil
}

// InvestmentBuilder rebuilds investment plans from execution records, for
// retry and force-compensation.
type InvestmentBuilder struct {
	Deps Dependencies
}

// Build reconstructs the investment and its steps, in the recorded order,
// from exec's metadata. Benefit fields start empty so a retry recomputes
// them. Records without an operation type are investments.
func (b InvestmentBuilder) Build(exec *saga.Execution) (saga.Plan, error) {
	if exec.Name != PlanName {
		return saga.Plan{}, fmt.Errorf("%w: cannot rebuild %q saga", saga.ErrInvalidPlan, exec.Name)
	}
	attrs := exec.Metadata.Attributes
	inv := &Investment{
		ID:             attrs[AttrInvestmentID],
		UserID:         exec.Metadata.UserID,
		ProductID:      attrs[AttrProductID],
		PaymentID:      exec.Metadata.PaymentID,
		SubscriptionID: exec.Metadata.SubscriptionID,
		CampaignID:     attrs[AttrCampaignID],
		ReferralCode:   attrs[AttrReferralCode],
		Amount:         exec.Metadata.Amount,
	}
	if inv.ID == "" {
		return saga.Plan{}, fmt.Errorf("%w: saga %s has no %s attribute", saga.ErrInvalidPlan, exec.ID, AttrInvestmentID)
	}

	opType := OpInvest
	if name := attrs[AttrOperationType]; name != "" {
		t, err := ParseOperationType(name)
		if err != nil {
			return saga.Plan{}, fmt.Errorf("%w: %w", saga.ErrInvalidPlan, err)
		}
		opType = t
	}

	kinds := make([]Kind, len(exec.StepNames))
	for i, name := range exec.StepNames {
		k, err := ParseKind(name)
		if err != nil {
			return saga.Plan{}, fmt.Errorf("%w: %w", saga.ErrInvalidPlan, err)
		}
		kinds[i] = k
	}

	plan, err := NewPlan(b.Deps, inv, opType, kinds...)
	if err != nil {
		return saga.Plan{}, fmt.Errorf("%w: %w", saga.ErrInvalidPlan, err)
	}
	return plan, nil
}
