package operations

import (
	"fmt"

	"github.com/finvest/sagaflow"
)

// Context keys written by the steps. Compensations read them back, possibly
// from a restored checkpoint.
var (
	KeyComplianceDecision = sagaflow.NewKey[ComplianceDecision]("compliance.decision")
	KeyBenefitDecision    = sagaflow.NewKey[BenefitDecision]("benefit.decision")
	KeyLiabilityEntries   = sagaflow.NewKey[[]LedgerEntry]("liability.entries")
	KeyLiabilityReversal  = sagaflow.NewKey[[]LedgerEntry]("liability.reversal")
	KeyAllocations        = sagaflow.NewKey[[]Allocation]("inventory.allocations")
	KeyAllocationReversal = sagaflow.NewKey[[]Allocation]("inventory.reversal")
	KeyWalletTransaction  = sagaflow.NewKey[WalletTransaction]("wallet.transaction")
	KeyWalletReversal     = sagaflow.NewKey[WalletTransaction]("wallet.reversal")
)

// idempotencyKey names a side effect by the investment it moves money for
// and the saga attempt that makes it.
//
// Re-invoking a step within the same attempt returns the recorded effect,
// and recovery finds an in-doubt step's effect (or fences the key) under the
// same name. A retry is a new attempt: it only starts once every effect of
// the previous attempt was reversed, so it books fresh ones.
func idempotencyKey(sc *sagaflow.Context, inv *Investment, kind Kind, action string) string {
	id, ok := sagaflow.Get(sc, sagaflow.SagaID)
	if !ok || id == "" {
		return ""
	}
	return fmt.Sprintf("investment:%s:saga:%s:%s:%s", inv.ID, id, kind, action)
}
