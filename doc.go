// Package sagaflow contains the building blocks of the saga orchestration core
// used for multi-step financial transactions.
//
// A saga is an ordered list of Operations that each commit locally. When a
// step fails, the steps that already completed are compensated in strict
// reverse order. The guarantee is eventual consistency through compensation,
// not atomicity across steps.
//
// # Overview
//
// This package holds the leaf types shared by every other package:
//   - Result: the uniform outcome of Operation.Execute (Success / Failure)
//   - Context: the per-run data bag, with typed keys (Key, Get, Set)
//   - Operation: the execute / compensate / name contract
//   - Amount: money in minor units
//   - the failure taxonomy (ErrComplianceBlocked, ErrInsufficientInventory, ...)
//
// The coordinator and the persisted execution record live in package saga,
// the five financial operations in package operations, and the administrative
// recovery surface in package management.
//
// # Basic Usage
//
//	investment := &operations.Investment{ID: "inv-1", UserID: "u-1", ProductID: "p-1", Amount: sagaflow.Rupees(10000)}
//	plan, err := operations.NewInvestmentPlan(deps, investment, "pay-1")
//	if err != nil {
//	    return err
//	}
//
//	exec, err := coordinator.Run(ctx, plan)
//	if err != nil {
//	    // the user sees the first failure's message
//	    return err
//	}
//	log.Info("saga finished", "saga_id", exec.ID, "status", exec.Status)
//
// # Error Handling
//
// Expected business failures never surface as Go errors from Execute; they
// flow back as a failed Result. The coordinator is the single place that
// decides failure means compensate. Compensation failures are absorbed
// (logged, the sweep continues) and escalate the saga status instead of the
// call stack.
package sagaflow
