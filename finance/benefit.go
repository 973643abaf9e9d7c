package finance

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
)

// Campaign is a promotional discount.
type Campaign struct {
	ID              string
	ProductIDs      []string // empty: every product
	DiscountPercent float64
	MaxDiscount     sagaflow.Amount // zero: uncapped
	MinAmount       sagaflow.Amount
	StartsAt        time.Time
	EndsAt          time.Time // zero: open ended
}

// Referral is a referral code and the discount it grants the referee.
type Referral struct {
	Code            string
	ReferrerID      string
	DiscountPercent float64
	MaxDiscount     sagaflow.Amount
}

// CatalogBenefitEngine decides benefits from registered campaigns and
// referral codes.
type CatalogBenefitEngine struct {
	mu        sync.RWMutex
	campaigns map[string]Campaign
	referrals map[string]Referral
	now       Clock
}

// NewCatalogBenefitEngine creates an engine with no campaigns.
func NewCatalogBenefitEngine() *CatalogBenefitEngine {
	return &CatalogBenefitEngine{
		campaigns: make(map[string]Campaign),
		referrals: make(map[string]Referral),
		now:       time.Now,
	}
}

// AddCampaign registers a campaign.
func (e *CatalogBenefitEngine) AddCampaign(c Campaign) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.campaigns[c.ID] = c
}

// AddReferral registers a referral code.
func (e *CatalogBenefitEngine) AddReferral(r Referral) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referrals[r.Code] = r
}

// CalculateApplicableBenefit applies the first eligible of: the
// investment's campaign, its referral code, nothing.
func (e *CatalogBenefitEngine) CalculateApplicableBenefit(ctx context.Context, userID string, inv operations.Investment) (operations.BenefitDecision, error) {
	if inv.Amount <= 0 {
		return operations.BenefitDecision{}, ErrInvalidAmount
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var reasons []string

	if inv.CampaignID != "" {
		c, ok := e.campaigns[inv.CampaignID]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("campaign %s not found", inv.CampaignID))
		default:
			if why := e.ineligible(c, inv); why != "" {
				reasons = append(reasons, fmt.Sprintf("campaign %s: %s", c.ID, why))
			} else {
				benefit := discount(inv.Amount, c.DiscountPercent, c.MaxDiscount)
				d := decision(operations.BenefitPromotional, inv.Amount, benefit,
					fmt.Sprintf("campaign %s: %.2f%% discount", c.ID, c.DiscountPercent))
				d.CampaignID = c.ID
				return d, nil
			}
		}
	}

	if inv.ReferralCode != "" {
		r, ok := e.referrals[inv.ReferralCode]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("referral code %s not found", inv.ReferralCode))
		case r.ReferrerID == userID:
			reasons = append(reasons, "self referral")
		default:
			benefit := discount(inv.Amount, r.DiscountPercent, r.MaxDiscount)
			d := decision(operations.BenefitReferral, inv.Amount, benefit,
				fmt.Sprintf("referral %s: %.2f%% discount", r.Code, r.DiscountPercent))
			d.ReferralCode = r.Code
			return d, nil
		}
	}

	reason := "no campaign or referral"
	if len(reasons) > 0 {
		reason = fmt.Sprintf("no eligible benefit (%s)", strings.Join(reasons, "; "))
	}
	return decision(operations.BenefitNone, inv.Amount, 0, reason), nil
}

func (e *CatalogBenefitEngine) ineligible(c Campaign, inv operations.Investment) string {
	now := e.now()
	switch {
	case now.Before(c.StartsAt):
		return "not started"
	case !c.EndsAt.IsZero() && !now.Before(c.EndsAt):
		return "ended"
	case inv.Amount < c.MinAmount:
		return fmt.Sprintf("amount below minimum %s", c.MinAmount)
	case len(c.ProductIDs) > 0 && !slices.Contains(c.ProductIDs, inv.ProductID):
		return fmt.Sprintf("product %s not covered", inv.ProductID)
	}
	return ""
}

func discount(amount sagaflow.Amount, pct float64, maxDiscount sagaflow.Amount) sagaflow.Amount {
	d := amount.Percent(pct)
	if maxDiscount > 0 && d > maxDiscount {
		d = maxDiscount
	}
	return min(max(d, 0), amount)
}

func decision(t operations.BenefitType, original, benefit sagaflow.Amount, reason string) operations.BenefitDecision {
	return operations.BenefitDecision{
		Type:              t,
		Amount:            benefit,
		FinalAmount:       original - benefit,
		OriginalAmount:    original,
		EligibilityReason: reason,
	}
}

// Compile-time check
var _ operations.BenefitEngine = (*CatalogBenefitEngine)(nil)
