// Package operations implements the steps of a financial saga.
//
// Each step closes over its business inputs and the collaborator it drives.
// The collaborators are ports declared here; package finance provides
// in-memory and PostgreSQL implementations.
//
//	deps := operations.Dependencies{
//	    Compliance: gate,
//	    Benefits:   engine,
//	    Ledger:     ledger,
//	    Inventory:  inventory,
//	    Wallet:     wallet,
//	}
//	plan, err := operations.NewInvestmentPlan(deps, inv)
//	exec, err := coordinator.Run(ctx, plan)
package operations

import (
	"context"
	"time"

	"github.com/finvest/sagaflow"
)

// Reference points a ledger row or allocation at the entity that caused it.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// AllocationRequest asks the inventory for Amount worth of a product.
type AllocationRequest struct {
	UserID    string
	ProductID string
	Amount    sagaflow.Amount
	// Parent identifies the owning entity. Allocating again for a parent
	// with live allocations returns those allocations unchanged.
	Parent Reference
	Reason string
	// AllowFractional permits partial units of a lot. When false each lot
	// contributes only whole multiples of its unit price.
	AllowFractional bool
}

// Allocation is one slice of one inventory lot assigned to a user.
type Allocation struct {
	ID         string          `json:"id"`
	LotID      string          `json:"lot_id"`
	UserID     string          `json:"user_id"`
	ProductID  string          `json:"product_id"`
	Amount     sagaflow.Amount `json:"amount"`
	Parent     Reference       `json:"parent"`
	CreatedAt  time.Time       `json:"created_at"`
	ReversedAt *time.Time      `json:"reversed_at,omitempty"`
}

// Inventory allocates product inventory from purchase lots in FIFO order.
type Inventory interface {
	// Allocate returns *sagaflow.InsufficientInventoryError when the lots
	// cannot cover the request; nothing is written in that case.
	Allocate(ctx context.Context, req AllocationRequest) ([]Allocation, error)

	// ReverseAllocation restores every live allocation of parent to its lot
	// and returns them. It returns none when there is nothing to reverse.
	ReverseAllocation(ctx context.Context, parent Reference, reason string) ([]Allocation, error)
}

// WalletReason tags a wallet ledger row.
type WalletReason string

const (
	ReasonDeposit         WalletReason = "deposit"
	ReasonPaymentReversal WalletReason = "payment_reversal"
	ReasonWithdrawal      WalletReason = "withdrawal"
)

// WalletRequest describes a credit or debit.
type WalletRequest struct {
	UserID      string
	Amount      sagaflow.Amount
	Reason      WalletReason
	Description string
	Reference   Reference
	// IdempotencyKey makes repeated requests return the first transaction.
	IdempotencyKey string
}

// WalletTransaction is a row of the wallet ledger.
type WalletTransaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Amount         sagaflow.Amount `json:"amount"` // signed: credits positive
	Reason         WalletReason    `json:"reason"`
	Description    string          `json:"description,omitempty"`
	Reference      Reference       `json:"reference"`
	BalanceAfter   sagaflow.Amount `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Wallet credits and debits user balances atomically.
type Wallet interface {
	Deposit(ctx context.Context, req WalletRequest) (WalletTransaction, error)
	Withdraw(ctx context.Context, req WalletRequest) (WalletTransaction, error)

	// Fence returns the transaction recorded under an idempotency key. When
	// there is none, the key is fenced and any later request carrying it
	// fails, so a step that was in flight when its saga went stale cannot
	// commit after recovery looked.
	Fence(ctx context.Context, key string) (WalletTransaction, bool, error)
}

// Account is a double-entry ledger account.
type Account string

const (
	AccountExpenses    Account = "expenses"
	AccountLiabilities Account = "liabilities"
)

// Side of a ledger entry.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// LedgerEntry is one immutable half of a double entry.
type LedgerEntry struct {
	ID          string          `json:"id"`
	Account     Account         `json:"account"`
	Side        Side            `json:"side"`
	Amount      sagaflow.Amount `json:"amount"`
	Reference   Reference       `json:"reference"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CampaignDiscount is the liability created by a campaign benefit.
type CampaignDiscount struct {
	Amount         sagaflow.Amount
	CampaignID     string
	InvestmentID   string
	Description    string
	IdempotencyKey string
}

// DoubleEntry moves Amount from the credit account to the debit account.
type DoubleEntry struct {
	Debit          Account
	Credit         Account
	Amount         sagaflow.Amount
	Reference      Reference
	Description    string
	IdempotencyKey string
}

// Ledger records double entries. Entries are never updated or deleted; a
// correction is a new offsetting pair.
type Ledger interface {
	// RecordCampaignDiscount books debit expenses / credit liabilities and
	// returns the pair.
	RecordCampaignDiscount(ctx context.Context, d CampaignDiscount) ([]LedgerEntry, error)

	CreateDoubleEntry(ctx context.Context, e DoubleEntry) ([]LedgerEntry, error)

	// Fence returns the pair booked under an idempotency key, or fences the
	// key when nothing was booked. See Wallet.Fence.
	Fence(ctx context.Context, key string) ([]LedgerEntry, bool, error)
}

// BenefitType is the kind of benefit applied to an investment.
type BenefitType string

const (
	BenefitPromotional BenefitType = "promotional"
	BenefitReferral    BenefitType = "referral"
	BenefitNone        BenefitType = "none"
)

// BenefitDecision is the outcome of benefit precedence for one investment.
type BenefitDecision struct {
	Type              BenefitType     `json:"benefit_type"`
	Amount            sagaflow.Amount `json:"benefit_amount"`
	FinalAmount       sagaflow.Amount `json:"final_amount"`
	OriginalAmount    sagaflow.Amount `json:"original_amount"`
	EligibilityReason string          `json:"eligibility_reason"`
	CampaignID        string          `json:"campaign_id,omitempty"`
	ReferralCode      string          `json:"referral_code,omitempty"`
}

// BenefitEngine decides which single benefit applies.
// Promotional beats referral beats none; benefits never stack.
type BenefitEngine interface {
	CalculateApplicableBenefit(ctx context.Context, userID string, inv Investment) (BenefitDecision, error)
}

// ComplianceDecision is a gate answer.
type ComplianceDecision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// ComplianceGate answers whether a user may move money.
type ComplianceGate interface {
	CanInvest(ctx context.Context, userID string, amount sagaflow.Amount) (ComplianceDecision, error)
	CanWithdraw(ctx context.Context, userID string, amount sagaflow.Amount) (ComplianceDecision, error)
	CanReceiveFunds(ctx context.Context, userID string, amount sagaflow.Amount) (ComplianceDecision, error)
	LogComplianceBlock(ctx context.Context, userID string, op OperationType, d ComplianceDecision) error
}
