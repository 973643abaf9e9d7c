// Package finance provides the resource managers the saga steps drive:
// inventory, wallet, double-entry ledger, benefit engine and compliance gate.
//
// The Memory* types keep state in process and are used by tests and the
// demo server. PostgresInventory, PostgresWallet and PostgresLedger run each
// call in one local transaction. Inventory and wallet take row locks
// (SELECT ... FOR UPDATE) before touching lots or balances, so concurrent
// sagas against the same lot or wallet serialise at the database.
package finance

import (
	"errors"
	"time"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrKeyFenced is returned for a request whose idempotency key was
	// fenced by recovery before anything was recorded under it.
	ErrKeyFenced = errors.New("idempotency key fenced")
)

// Clock returns the current time.
type Clock func() time.Time
