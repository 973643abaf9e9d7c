// Package idempotency tracks which keys have already been handled so that a
// redelivered message or a re-invoked step does not repeat its side effect.
//
// A key moves through two states. Claim marks it in progress for a short
// window so concurrent deliveries do not both proceed; Complete retains it for
// the longer retention period. Release drops a claim after a failure so a
// later delivery can try again.
//
//	claimed, err := store.Claim(ctx, "payment:"+paymentID)
//	if err != nil {
//	    return err
//	}
//	if !claimed {
//	    return nil // already handled or in flight elsewhere
//	}
//	if err := start(ctx); err != nil {
//	    _ = store.Release(ctx, "payment:"+paymentID)
//	    return err
//	}
//	return store.Complete(ctx, "payment:"+paymentID)
package idempotency

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultClaimTTL bounds how long an in-progress claim blocks other holders.
	DefaultClaimTTL = 5 * time.Minute

	// DefaultRetention is how long a completed key is remembered.
	DefaultRetention = 7 * 24 * time.Hour
)

// ErrAlreadyProcessed is returned by Guard when the key was handled before.
var ErrAlreadyProcessed = errors.New("already processed")

// Store tracks handled keys.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Claim atomically takes ownership of key. It returns false when the
	// key is completed or claimed by someone else and the claim is still
	// live.
	Claim(ctx context.Context, key string) (bool, error)

	// Complete marks key as handled for the store's retention period.
	Complete(ctx context.Context, key string) error

	// Release forgets key so it can be claimed again.
	Release(ctx context.Context, key string) error
}

type options struct {
	claimTTL  time.Duration
	retention time.Duration
}

// Option configures a store.
type Option func(*options)

// WithClaimTTL sets how long an uncompleted claim stays live.
func WithClaimTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimTTL = d
		}
	}
}

// WithRetention sets how long completed keys are remembered.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{claimTTL: DefaultClaimTTL, retention: DefaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
