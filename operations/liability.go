package operations

import (
	"context"
	"fmt"

	"github.com/finvest/sagaflow"
)

// RecordCampaignLiability books a non-zero campaign discount as a double
// entry: debit expenses, credit liabilities.
type RecordCampaignLiability struct {
	base
	ledger Ledger
	inv    *Investment
}

// NewRecordCampaignLiability creates the liability step.
func NewRecordCampaignLiability(ledger Ledger, inv *Investment, opts ...Option) *RecordCampaignLiability {
	return &RecordCampaignLiability{
		base:   newBase(KindRecordCampaignLiability, opts),
		ledger: ledger,
		inv:    inv,
	}
}

func (s *RecordCampaignLiability) decision(sc *sagaflow.Context) BenefitDecision {
	if d, ok := sagaflow.Get(sc, KeyBenefitDecision); ok {
		return d
	}
	return BenefitDecision{
		Type:        s.inv.BenefitType,
		Amount:      s.inv.BenefitAmount,
		FinalAmount: s.inv.FinalAmount,
		CampaignID:  s.inv.CampaignID,
	}
}

func (s *RecordCampaignLiability) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	d := s.decision(sc)
	if d.Amount == 0 {
		return sagaflow.Success("no discount to record", map[string]any{"skipped": true}), nil
	}

	entries, err := s.ledger.RecordCampaignDiscount(ctx, CampaignDiscount{
		Amount:         d.Amount,
		CampaignID:     d.CampaignID,
		InvestmentID:   s.inv.ID,
		Description:    fmt.Sprintf("%s benefit for investment %s", d.Type, s.inv.ID),
		IdempotencyKey: idempotencyKey(sc, s.inv, s.kind, "record"),
	})
	if err != nil {
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("record campaign discount: %w", err))
	}
	sagaflow.Set(sc, KeyLiabilityEntries, entries)

	return sagaflow.Success(fmt.Sprintf("campaign liability of %s recorded", d.Amount), map[string]any{
		"amount":    int64(d.Amount),
		"entry_ids": entryIDs(entries),
	}), nil
}

// Compensate books the offsetting pair (debit liabilities, credit expenses).
// The original entries stay. An in-doubt step's pair is looked up by its
// idempotency key, as in CreditUserWallet.Compensate.
func (s *RecordCampaignLiability) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	if _, done := sagaflow.Get(sc, KeyLiabilityReversal); done {
		return s.noop(ctx, sc, "liability already reversed")
	}
	entries, ok := sagaflow.Get(sc, KeyLiabilityEntries)
	if !ok {
		key := idempotencyKey(sc, s.inv, s.kind, "record")
		if key == "" {
			return s.noop(ctx, sc, "no liability entries recorded")
		}
		found, booked, err := s.ledger.Fence(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: look up campaign liability: %w", sagaflow.ErrCompensationFailed, err)
		}
		if booked {
			s.log(sc).WarnContext(ctx, "found liability of an in-doubt step", "entry_ids", entryIDs(found))
			sagaflow.Set(sc, KeyLiabilityEntries, found)
		}
		entries = found
	}
	if len(entries) == 0 {
		return s.noop(ctx, sc, "no liability entries recorded")
	}

	reversal, err := s.ledger.CreateDoubleEntry(ctx, DoubleEntry{
		Debit:          AccountLiabilities,
		Credit:         AccountExpenses,
		Amount:         entries[0].Amount,
		Reference:      Reference{Type: "campaign_discount_reversal", ID: s.inv.ID},
		Description:    fmt.Sprintf("reversal of %s", entries[0].ID),
		IdempotencyKey: idempotencyKey(sc, s.inv, s.kind, "reverse"),
	})
	if err != nil {
		return fmt.Errorf("%w: reverse campaign liability: %w", sagaflow.ErrCompensationFailed, err)
	}
	sagaflow.Set(sc, KeyLiabilityReversal, reversal)

	s.log(sc).InfoContext(ctx, "campaign liability reversed", "amount", entries[0].Amount.String(), "entry_ids", entryIDs(reversal))
	return nil
}

func entryIDs(entries []LedgerEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
