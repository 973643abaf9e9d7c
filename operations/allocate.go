package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/finvest/sagaflow"
)

// AllocateShares assigns product inventory to the investor.
type AllocateShares struct {
	base
	inventory Inventory
	inv       *Investment
}

// NewAllocateShares creates the allocation step.
func NewAllocateShares(inventory Inventory, inv *Investment, opts ...Option) *AllocateShares {
	return &AllocateShares{
		base:      newBase(KindAllocateShares, opts),
		inventory: inventory,
		inv:       inv,
	}
}

// Execute allocates the full investment amount. Depleted inventory is a
// business failure, not an error.
func (s *AllocateShares) Execute(ctx context.Context, sc *sagaflow.Context) (sagaflow.Result, error) {
	allocations, err := s.inventory.Allocate(ctx, AllocationRequest{
		UserID:          s.inv.UserID,
		ProductID:       s.inv.ProductID,
		Amount:          s.inv.Amount,
		Parent:          s.inv.parent(),
		Reason:          "investment",
		AllowFractional: s.opts.allowFractional,
	})
	if err != nil {
		var depleted *sagaflow.InsufficientInventoryError
		if errors.As(err, &depleted) {
			return sagaflow.Failure("inventory depleted", map[string]any{
				"inventory_depleted": true,
				"product_id":         s.inv.ProductID,
				"available":          int64(depleted.Available),
				"requested":          int64(depleted.Requested),
			}), nil
		}
		return sagaflow.Result{}, sagaflow.Unrecoverable(fmt.Errorf("allocate inventory: %w", err))
	}
	sagaflow.Set(sc, KeyAllocations, allocations)

	ids := make([]string, len(allocations))
	lots := make([]string, len(allocations))
	for i, a := range allocations {
		ids[i] = a.ID
		lots[i] = a.LotID
	}
	return sagaflow.Success(fmt.Sprintf("allocated %s across %d lots", s.inv.Amount, len(allocations)), map[string]any{
		"allocation_ids": ids,
		"lot_ids":        lots,
		"amount":         int64(s.inv.Amount),
	}), nil
}

// Compensate returns the allocations created by Execute to their lots.
// Allocations are owned by the investment, so an in-doubt step (no
// allocations in the context) is compensated by reversing whatever the
// investment holds.
func (s *AllocateShares) Compensate(ctx context.Context, sc *sagaflow.Context) error {
	if _, done := sagaflow.Get(sc, KeyAllocationReversal); done {
		return s.noop(ctx, sc, "allocations already reversed")
	}
	parent := s.inv.parent()
	if allocations, ok := sagaflow.Get(sc, KeyAllocations); ok && len(allocations) > 0 {
		parent = allocations[0].Parent
	}

	reversed, err := s.inventory.ReverseAllocation(ctx, parent, "saga_compensation")
	if err != nil {
		return fmt.Errorf("%w: reverse allocation: %w", sagaflow.ErrCompensationFailed, err)
	}
	if len(reversed) == 0 {
		return s.noop(ctx, sc, "no live allocations")
	}
	sagaflow.Set(sc, KeyAllocationReversal, reversed)

	s.log(sc).InfoContext(ctx, "allocations reversed", "count", len(reversed))
	return nil
}
