package finance

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
)

// MemoryLedger is an append-only double-entry ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []operations.LedgerEntry
	byKey   map[string][]operations.LedgerEntry
	fenced  map[string]bool
	now     Clock
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey:  make(map[string][]operations.LedgerEntry),
		fenced: make(map[string]bool),
		now:    time.Now,
	}
}

// RecordCampaignDiscount books debit expenses / credit liabilities.
func (l *MemoryLedger) RecordCampaignDiscount(ctx context.Context, d operations.CampaignDiscount) ([]operations.LedgerEntry, error) {
	return l.CreateDoubleEntry(ctx, operations.DoubleEntry{
		Debit:          operations.AccountExpenses,
		Credit:         operations.AccountLiabilities,
		Amount:         d.Amount,
		Reference:      operations.Reference{Type: "campaign_discount", ID: d.InvestmentID},
		Description:    d.Description,
		IdempotencyKey: d.IdempotencyKey,
	})
}

// CreateDoubleEntry appends a matched debit/credit pair.
func (l *MemoryLedger) CreateDoubleEntry(ctx context.Context, e operations.DoubleEntry) ([]operations.LedgerEntry, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.IdempotencyKey != "" {
		if pair, ok := l.byKey[e.IdempotencyKey]; ok {
			return slices.Clone(pair), nil
		}
		if l.fenced[e.IdempotencyKey] {
			return nil, fmt.Errorf("%w: %s", ErrKeyFenced, e.IdempotencyKey)
		}
	}

	now := l.now()
	pair := []operations.LedgerEntry{
		{ID: uuid.New().String(), Account: e.Debit, Side: operations.Debit, Amount: e.Amount,
			Reference: e.Reference, Description: e.Description, CreatedAt: now},
		{ID: uuid.New().String(), Account: e.Credit, Side: operations.Credit, Amount: e.Amount,
			Reference: e.Reference, Description: e.Description, CreatedAt: now},
	}
	l.entries = append(l.entries, pair...)
	if e.IdempotencyKey != "" {
		l.byKey[e.IdempotencyKey] = pair
	}
	return slices.Clone(pair), nil
}

// Fence returns the pair booked under key, fencing the key when there is
// none.
func (l *MemoryLedger) Fence(ctx context.Context, key string) ([]operations.LedgerEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pair, ok := l.byKey[key]; ok {
		return slices.Clone(pair), true, nil
	}
	l.fenced[key] = true
	return nil, false, nil
}

// Entries returns every entry in booking order.
func (l *MemoryLedger) Entries() []operations.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Balance returns debits minus credits for an account.
func (l *MemoryLedger) Balance(account operations.Account) sagaflow.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total sagaflow.Amount
	for _, e := range l.entries {
		if e.Account != account {
			continue
		}
		if e.Side == operations.Debit {
			total += e.Amount
		} else {
			total -= e.Amount
		}
	}
	return total
}

// Compile-time check
var _ operations.Ledger = (*MemoryLedger)(nil)
