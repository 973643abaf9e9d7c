package finance

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
)

// Lot is a purchase lot of a product.
type Lot struct {
	ID         string
	ProductID  string
	UnitPrice  sagaflow.Amount
	Total      sagaflow.Amount
	Remaining  sagaflow.Amount
	AcquiredAt time.Time
}

// MemoryInventory is an in-process FIFO inventory.
//
// A single mutex stands in for the row locks of PostgresInventory.
type MemoryInventory struct {
	mu          sync.Mutex
	lots        map[string][]*Lot // product -> lots, oldest first
	allocations []*operations.Allocation
	now         Clock
	logger      *slog.Logger
}

// NewMemoryInventory creates an empty inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		lots:   make(map[string][]*Lot),
		now:    time.Now,
		logger: slog.Default().With("component", "finance.inventory"),
	}
}

// AddLot adds a purchase lot. Remaining defaults to Total.
func (m *MemoryInventory) AddLot(lot Lot) error {
	if lot.Total <= 0 {
		return fmt.Errorf("lot %s: %w", lot.ID, ErrInvalidAmount)
	}
	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}
	if lot.Remaining == 0 {
		lot.Remaining = lot.Total
	}
	if lot.AcquiredAt.IsZero() {
		lot.AcquiredAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lots := append(m.lots[lot.ProductID], &lot)
	slices.SortStableFunc(lots, func(a, b *Lot) int {
		if c := a.AcquiredAt.Compare(b.AcquiredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	m.lots[lot.ProductID] = lots
	return nil
}

// Allocate assigns req.Amount from the oldest lots first.
func (m *MemoryInventory) Allocate(ctx context.Context, req operations.AllocationRequest) ([]operations.Allocation, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if live := m.live(req.Parent); len(live) > 0 {
		return copyAllocations(live), nil
	}

	lots := m.lots[req.ProductID]
	states := make([]lotState, len(lots))
	byID := make(map[string]*Lot, len(lots))
	for i, l := range lots {
		states[i] = lotState{ID: l.ID, UnitPrice: l.UnitPrice, Remaining: l.Remaining}
		byID[l.ID] = l
	}

	takes, got := planAllocation(states, req.Amount, req.AllowFractional)
	if got < req.Amount {
		return nil, &sagaflow.InsufficientInventoryError{
			ProductID: req.ProductID,
			Available: allocatable(states, req.AllowFractional),
			Requested: req.Amount,
		}
	}

	now := m.now()
	out := make([]operations.Allocation, 0, len(takes))
	for _, t := range takes {
		byID[t.LotID].Remaining -= t.Amount
		a := &operations.Allocation{
			ID:        uuid.New().String(),
			LotID:     t.LotID,
			UserID:    req.UserID,
			ProductID: req.ProductID,
			Amount:    t.Amount,
			Parent:    req.Parent,
			CreatedAt: now,
		}
		m.allocations = append(m.allocations, a)
		out = append(out, *a)
	}

	m.logger.Info("inventory allocated", "product_id", req.ProductID, "parent_id", req.Parent.ID,
		"amount", req.Amount.String(), "lots", len(takes))
	return out, nil
}

// ReverseAllocation restores the live allocations of parent.
func (m *MemoryInventory) ReverseAllocation(ctx context.Context, parent operations.Reference, reason string) ([]operations.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.live(parent)
	if len(live) == 0 {
		return nil, nil
	}

	now := m.now()
	for _, a := range live {
		for _, l := range m.lots[a.ProductID] {
			if l.ID == a.LotID {
				l.Remaining += a.Amount
				break
			}
		}
		a.ReversedAt = &now
	}

	m.logger.Info("allocation reversed", "parent_id", parent.ID, "reason", reason, "allocations", len(live))
	return copyAllocations(live), nil
}

// Remaining returns the unallocated value of a product.
func (m *MemoryInventory) Remaining(productID string) sagaflow.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total sagaflow.Amount
	for _, l := range m.lots[productID] {
		total += l.Remaining
	}
	return total
}

// Allocations returns every allocation ever made for parent, reversed ones
// included.
func (m *MemoryInventory) Allocations(parent operations.Reference) []operations.Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*operations.Allocation
	for _, a := range m.allocations {
		if a.Parent == parent {
			out = append(out, a)
		}
	}
	return copyAllocations(out)
}

func (m *MemoryInventory) live(parent operations.Reference) []*operations.Allocation {
	var out []*operations.Allocation
	for _, a := range m.allocations {
		if a.Parent == parent && a.ReversedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

func copyAllocations(in []*operations.Allocation) []operations.Allocation {
	out := make([]operations.Allocation, len(in))
	for i, a := range in {
		out[i] = *a
		if a.ReversedAt != nil {
			t := *a.ReversedAt
			out[i].ReversedAt = &t
		}
	}
	return out
}

// Compile-time check
var _ operations.Inventory = (*MemoryInventory)(nil)
