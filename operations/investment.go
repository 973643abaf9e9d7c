package operations

import (
	"github.com/finvest/sagaflow"
)

// Investment is the entity an investment saga moves money for.
//
// The benefit step fills FinalAmount, BenefitType and BenefitAmount; later
// steps read them. Until then FinalAmount is zero and Payable falls back to
// Amount.
type Investment struct {
	ID             string
	UserID         string
	ProductID      string
	PaymentID      string
	SubscriptionID string
	CampaignID     string
	ReferralCode   string
	Amount         sagaflow.Amount
	FinalAmount    sagaflow.Amount
	BenefitType    BenefitType
	BenefitAmount  sagaflow.Amount
}

// Payable is the amount after benefits.
func (inv *Investment) Payable() sagaflow.Amount {
	if inv.BenefitType == "" {
		return inv.Amount
	}
	return inv.FinalAmount
}

func (inv *Investment) applyBenefit(d BenefitDecision) {
	inv.FinalAmount = d.FinalAmount
	inv.BenefitType = d.Type
	inv.BenefitAmount = d.Amount
}

// parent is the reference allocations and ledger rows point at.
func (inv *Investment) parent() Reference {
	return Reference{Type: "investment", ID: inv.ID}
}
