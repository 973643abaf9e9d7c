package operations

import (
	"context"
	"fmt"

	"github.com/finvest/sagaflow"
)

// CreditUserWallet credits the payable amount to the investor's wallet.
type CreditUserWallet struct {
	base
	wallet Wallet
	inv    *Investment
}

// NewCreditUserWallet creates the wallet credit step.
func NewCreditUserWallet(wallet Wallet, inv *Investment, opts ...Option) *CreditUserWallet {
	return &CreditUserWallet{
		base:   newBase(KindCreditUserWallet, opts),
		wallet: wallet,
		inv:    inv,
	}
}

func (s *CreditUserWallet) amount(sc *sagaflow.Context) sagaflow.Amount {
	if d, ok := sagaflow.Get(sc, KeyBenefitDecision); ok {
		return d.FinalAmount
	}
	return s.inv.Payable()
}

func (s *CreditUserWallet) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	amount := s.amount(sc)
	tx, err := s.wallet.Deposit(ctx, WalletRequest{
		UserID:         s.inv.UserID,
		Amount:         amount,
		Reason:         ReasonDeposit,
		Description:    fmt.Sprintf("payment %s for investment %s", s.inv.PaymentID, s.inv.ID),
		Reference:      Reference{Type: "payment", ID: s.inv.PaymentID},
		IdempotencyKey: idempotencyKey(sc, s.inv, s.kind, "credit"),
	})
	if err != nil {
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("credit wallet: %w", err))
	}
	sagaflow.Set(sc, KeyWalletTransaction, tx)

	return sagaflow.Success(fmt.Sprintf("wallet credited %s", amount), map[string]any{
		"transaction_id": tx.ID,
		"amount":         int64(amount),
		"balance_after":  int64(tx.BalanceAfter),
	}), nil
}

// Compensate debits the credited amount back, referencing the original
// transaction. When the context holds no credit (the step was in flight when
// its saga went stale) the credit is looked up by its idempotency key, which
// also fences the key if nothing was credited.
func (s *CreditUserWallet) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	if _, done := sagaflow.Get(sc, KeyWalletReversal); done {
		return s.noop(ctx, sc, "wallet credit already reversed")
	}
	credit, ok := sagaflow.Get(sc, KeyWalletTransaction)
	if !ok || credit.ID == "" {
		key := idempotencyKey(sc, s.inv, s.kind, "credit")
		if key == "" {
			return s.noop(ctx, sc, "no wallet credit recorded")
		}
		found, committed, err := s.wallet.Fence(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: look up wallet credit: %w", sagaflow.ErrCompensationFailed, err)
		}
		if !committed {
			return s.noop(ctx, sc, "wallet credit never committed")
		}
		s.log(sc).WarnContext(ctx, "found wallet credit of an in-doubt step", "transaction_id", found.ID)
		credit = found
		sagaflow.Set(sc, KeyWalletTransaction, credit)
	}

	debit, err := s.wallet.Withdraw(ctx, WalletRequest{
		UserID:         credit.UserID,
		Amount:         credit.Amount,
		Reason:         ReasonPaymentReversal,
		Description:    fmt.Sprintf("reversal of wallet transaction %s", credit.ID),
		Reference:      Reference{Type: "wallet_transaction", ID: credit.ID},
		IdempotencyKey: idempotencyKey(sc, s.inv, s.kind, "reverse"),
	})
	if err != nil {
		return fmt.Errorf("%w: reverse wallet credit: %w", sagaflow.ErrCompensationFailed, err)
	}
	sagaflow.Set(sc, KeyWalletReversal, debit)

	s.log(sc).InfoContext(ctx, "wallet credit reversed", "transaction_id", debit.ID, "amount", credit.Amount.String())
	return nil
}
