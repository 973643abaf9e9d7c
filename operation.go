package sagaflow

import (
	"context"
	"fmt"
)

// Operation is one locally-committing step of a saga.
//
// Each operation closes over the business inputs it needs (user, investment,
// amounts, campaign) when it is constructed; the coordinator only ever calls
// these three methods.
//
// Rules every implementation must honour:
//   - Execute must be safe to re-invoke after a crash. Make the side effect
//     itself idempotent (unique ledger reference, allocation keyed by parent
//     entity) rather than relying on the coordinator.
//   - Execute reports expected failures through Failure(...). A non-nil error
//     means the condition was unrecoverable; the coordinator treats it like a
//     failed Result but logs it at error level.
//   - Compensate must not panic. A returned error is logged and marks the saga
//     compensation_failed; it never stops compensation of the other steps.
//   - Compensate is a logged no-op when the data needed to reverse the step is
//     missing from the context.
type Operation interface {
	// Name identifies the step in logs and in the audit record.
	Name() string

	// Execute performs the step.
	Execute(ctx context.Context, sc *Context) (Result, error)

	// Compensate semantically undoes a completed Execute.
	Compensate(ctx context.Context, sc *Context) error
}

// Amount is a monetary value in minor units (paise).
type Amount int64

// Rupees builds an Amount from whole rupees.
func Rupees(r int64) Amount {
	return Amount(r * 100)
}

// String formats the amount as rupees with two decimals.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s₹%d.%02d", sign, v/100, v%100)
}

// Percent returns pct percent of a, truncated to whole paise.
func (a Amount) Percent(pct float64) Amount {
	return Amount(float64(a) * pct / 100)
}
