package operations

import (
	"context"
	"fmt"

	"github.com/finvest/sagaflow"
)

// CalculateCampaignBenefit is the single authority for benefit precedence.
// It writes the decision onto the investment and into the context.
type CalculateCampaignBenefit struct {
	base
	engine BenefitEngine
	inv    *Investment
}

// NewCalculateCampaignBenefit creates the benefit step.
func NewCalculateCampaignBenefit(engine BenefitEngine, inv *Investment, opts ...Option) *CalculateCampaignBenefit {
	return &CalculateCampaignBenefit{
		base:   newBase(KindCalculateCampaignBenefit, opts),
		engine: engine,
		inv:    inv,
	}
}

func (s *CalculateCampaignBenefit) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	d, err := s.engine.CalculateApplicableBenefit(ctx, s.inv.UserID, *s.inv)
	if err != nil {
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("calculate benefit: %w", err))
	}
	if d.Amount < 0 || d.Amount > d.OriginalAmount || d.FinalAmount != d.OriginalAmount-d.Amount {
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("inconsistent benefit decision: original %s, benefit %s, final %s",
			d.OriginalAmount, d.Amount, d.FinalAmount))
	}

	s.inv.applyBenefit(d)
	sagaflow.Set(sc, KeyBenefitDecision, d)

	return sagaflow.Success(fmt.Sprintf("benefit %s applied", d.Type), map[string]any{
		"benefit_type":       string(d.Type),
		"benefit_amount":     int64(d.Amount),
		"final_amount":       int64(d.FinalAmount),
		"original_amount":    int64(d.OriginalAmount),
		"eligibility_reason": d.EligibilityReason,
		"campaign_id":        d.CampaignID,
	}), nil
}

// Compensate does nothing. The decision is derived data; reverting the
// investment itself belongs to whoever owns that record.
func (s *CalculateCampaignBenefit) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	return s.noop(ctx, sc, "benefit calculation has no side effect")
}
