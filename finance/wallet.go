package finance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
)

// MemoryWallet keeps balances and the wallet ledger in process.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[string]sagaflow.Amount
	txs      []operations.WalletTransaction
	byKey    map[string]int
	fenced   map[string]bool
	now      Clock
	logger   *slog.Logger
}

// NewMemoryWallet creates an empty wallet ledger.
func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		balances: make(map[string]sagaflow.Amount),
		byKey:    make(map[string]int),
		fenced:   make(map[string]bool),
		now:      time.Now,
		logger:   slog.Default().With("component", "finance.wallet"),
	}
}

// Deposit credits req.Amount.
func (w *MemoryWallet) Deposit(ctx context.Context, req operations.WalletRequest) (operations.WalletTransaction, error) {
	return w.apply(req, req.Amount)
}

// Withdraw debits req.Amount; it fails with ErrInsufficientFunds rather than
// overdrawing.
func (w *MemoryWallet) Withdraw(ctx context.Context, req operations.WalletRequest) (operations.WalletTransaction, error) {
	return w.apply(req, -req.Amount)
}

func (w *MemoryWallet) apply(req operations.WalletRequest, delta sagaflow.Amount) (operations.WalletTransaction, error) {
	if req.Amount <= 0 {
		return operations.WalletTransaction{}, ErrInvalidAmount
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if req.IdempotencyKey != "" {
		if i, ok := w.byKey[req.IdempotencyKey]; ok {
			return w.txs[i], nil
		}
		if w.fenced[req.IdempotencyKey] {
			return operations.WalletTransaction{}, fmt.Errorf("%w: %s", ErrKeyFenced, req.IdempotencyKey)
		}
	}

	balance := w.balances[req.UserID] + delta
	if balance < 0 {
		return operations.WalletTransaction{}, fmt.Errorf("%w: user %s has %s, debit %s",
			ErrInsufficientFunds, req.UserID, w.balances[req.UserID], req.Amount)
	}
	w.balances[req.UserID] = balance

	tx := operations.WalletTransaction{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Amount:         delta,
		Reason:         req.Reason,
		Description:    req.Description,
		Reference:      req.Reference,
		BalanceAfter:   balance,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      w.now(),
	}
	w.txs = append(w.txs, tx)
	if req.IdempotencyKey != "" {
		w.byKey[req.IdempotencyKey] = len(w.txs) - 1
	}

	w.logger.Info("wallet transaction", "user_id", req.UserID, "reason", req.Reason,
		"amount", delta.String(), "balance", balance.String())
	return tx, nil
}

// Fence returns the transaction recorded under key, fencing the key when
// there is none.
func (w *MemoryWallet) Fence(ctx context.Context, key string) (operations.WalletTransaction, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i, ok := w.byKey[key]; ok {
		return w.txs[i], true, nil
	}
	w.fenced[key] = true
	return operations.WalletTransaction{}, false, nil
}

// Balance returns a user's balance.
func (w *MemoryWallet) Balance(userID string) sagaflow.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

// Transactions returns a user's wallet ledger in order.
func (w *MemoryWallet) Transactions(userID string) []operations.WalletTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []operations.WalletTransaction
	for _, tx := range w.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out
}

// Compile-time check
var _ operations.Wallet = (*MemoryWallet)(nil)
