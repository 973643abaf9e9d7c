package sagaflow

import (
	"errors"
	"fmt"
	"strings"
)

// Failure sentinel errors.
// Collaborators return (possibly wrapped) instances of these so operations can
// turn them into a failed Result instead of an unrecoverable error.
// Use errors.Is() to check for them.
//
// Example usage:
//
//	if err := inventory.Allocate(ctx, req); err != nil {
//	    var depleted *sagaflow.InsufficientInventoryError
//	    if errors.As(err, &depleted) {
//	        return sagaflow.Failure("inventory depleted", map[string]any{
//	            "inventory_depleted": true,
//	            "available":          depleted.Available,
//	            "requested":          depleted.Requested,
//	        }), nil
//	    }
//	    return sagaflow.Result{}, sagaflow.Unrecoverable(err)
//	}
var (
	// ErrComplianceBlocked indicates the user's compliance state forbids the operation.
	ErrComplianceBlocked = errors.New("compliance blocked")

	// ErrInsufficientInventory indicates there are not enough available lots
	// to satisfy an allocation.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrOperationFailed is a generic business failure with a message.
	ErrOperationFailed = errors.New("operation failed")

	// ErrCompensationFailed indicates a compensation could not reverse its step.
	// It is logged and reflected in the saga status, never returned to the
	// caller that triggered the saga.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrUnrecoverable marks an error that is not an expected business outcome
	// (programming error, resource unreachable).
	ErrUnrecoverable = errors.New("unrecoverable error")
)

// FailureKind classifies why a saga failed.
type FailureKind string

const (
	FailureComplianceBlocked FailureKind = "compliance_blocked"
	FailureInventoryDepleted FailureKind = "inventory_depleted"
	FailureOperation         FailureKind = "operation_failure"
	FailureUnrecoverable     FailureKind = "unrecoverable"
	// FailureStale is assigned by the recovery sweep to runs that stopped
	// making progress.
	FailureStale FailureKind = "stale"
)

// Transient reports whether a fresh run could plausibly succeed without
// anything about the inputs changing.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureUnrecoverable, FailureStale:
		return true
	case FailureComplianceBlocked, FailureInventoryDepleted, FailureOperation:
		return false
	default:
		return false
	}
}

// ComplianceBlockedError carries the gate decision that blocked an operation.
type ComplianceBlockedError struct {
	Reason       string
	Requirements []string
}

func (e *ComplianceBlockedError) Error() string {
	if len(e.Requirements) == 0 {
		return fmt.Sprintf("compliance blocked: %s", e.Reason)
	}
	return fmt.Sprintf("compliance blocked: %s (requires %s)", e.Reason, strings.Join(e.Requirements, ", "))
}

func (e *ComplianceBlockedError) Unwrap() error {
	return ErrComplianceBlocked
}

// InsufficientInventoryError is returned by inventory allocators when the
// available lots cannot cover the requested value.
type InsufficientInventoryError struct {
	ProductID string
	Available Amount
	Requested Amount
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s: available %s, requested %s",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error {
	return ErrInsufficientInventory
}

// IsInsufficientInventory checks if an error indicates depleted inventory.
func IsInsufficientInventory(err error) bool {
	return errors.Is(err, ErrInsufficientInventory)
}

// IsComplianceBlocked checks if an error indicates a compliance block.
func IsComplianceBlocked(err error) bool {
	return errors.Is(err, ErrComplianceBlocked)
}

// Unrecoverable wraps err so that errors.Is(err, ErrUnrecoverable) holds.
func Unrecoverable(err error) error {
	if err == nil {
		return ErrUnrecoverable
	}
	if errors.Is(err, ErrUnrecoverable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// PanicError is produced when an operation panics. The coordinator treats it
// exactly like a returned unrecoverable error.
type PanicError struct {
	Operation string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation %s panicked: %v", e.Operation, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrUnrecoverable
}
