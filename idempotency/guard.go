package idempotency

import (
	"context"
	"fmt"
)

// Guard runs a handler at most once per key.
//
// Flow:
//  1. Derive the key from the input
//  2. Claim it; an unclaimable key returns ErrAlreadyProcessed
//  3. Run the handler
//  4. On success Complete the key, on error Release it so a redelivery can
//     try again
//
// If Complete fails after the handler succeeded the claim still expires, so a
// redelivery after the claim TTL may run the handler a second time. Handlers
// should be idempotent on their own where that matters.
//
// Example:
//
//	guard := idempotency.NewGuard(store,
//	    func(p Payment) string { return "payment:" + p.ID },
//	    startInvestment,
//	)
//	err := guard.Handle(ctx, payment)
type Guard[T any] struct {
	store   Store
	keyFunc func(T) string
	handler func(ctx context.Context, in T) error
}

// NewGuard wraps handler with claim/complete bookkeeping.
func NewGuard[T any](store Store, keyFunc func(T) string, handler func(ctx context.Context, in T) error) *Guard[T] {
	return &Guard[T]{store: store, keyFunc: keyFunc, handler: handler}
}

// Handle runs the handler unless the key was already handled.
func (g *Guard[T]) Handle(ctx context.Context, in T) error {
	key := g.keyFunc(in)

	claimed, err := g.store.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, key)
	}

	if err := g.handler(ctx, in); err != nil {
		if rerr := g.store.Release(context.WithoutCancel(ctx), key); rerr != nil {
			return fmt.Errorf("%w (release %s: %v)", err, key, rerr)
		}
		return err
	}

	if err := g.store.Complete(context.WithoutCancel(ctx), key); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}
