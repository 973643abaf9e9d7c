// Package transaction runs the local transactions that back a single saga
// step.
//
// A saga never holds a transaction across steps. Each resource manager
// (inventory, wallet) opens one transaction per call, takes its row locks,
// writes, and commits before the step returns. Cross-step consistency comes
// from compensation, not from here.
//
// # Usage
//
//	txm := transaction.NewSQLManager(db, transaction.WithIsolation(sql.LevelReadCommitted))
//
//	err := txm.Execute(ctx, func(tx transaction.Transaction) error {
//	    sqlTx := tx.(transaction.SQLTransactionProvider).Tx()
//
//	    var remaining int64
//	    if err := sqlTx.QueryRowContext(ctx,
//	        "SELECT remaining FROM inventory_lots WHERE id = $1 FOR UPDATE", lotID,
//	    ).Scan(&remaining); err != nil {
//	        return err // Rollback
//	    }
//	    ...
//	    return nil // Commit
//	})
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTransactionFailed is returned when a transaction cannot be started or
// committed.
var ErrTransactionFailed = errors.New("transaction failed")

// Transaction represents an active local transaction.
//
// Callers normally use Manager.Execute, which commits or rolls back for them.
type Transaction interface {
	// Commit commits the transaction.
	// After Commit, the transaction is no longer usable.
	Commit() error

	// Rollback aborts the transaction.
	// After Rollback, the transaction is no longer usable.
	Rollback() error
}

// SQLTransactionProvider gives access to the underlying *sql.Tx.
type SQLTransactionProvider interface {
	Tx() *sql.Tx
}

// Manager creates transactions and runs functions inside them.
type Manager interface {
	// Begin starts a transaction. The caller must commit or roll it back.
	Begin(ctx context.Context) (Transaction, error)

	// Execute runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise. A panic in fn rolls back and is re-raised.
	Execute(ctx context.Context, fn func(tx Transaction) error) error
}

// SQLTransaction wraps *sql.Tx.
type SQLTransaction struct {
	tx *sql.Tx
}

// Commit commits the SQL transaction.
func (t *SQLTransaction) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the SQL transaction. Rolling back a finished
// transaction returns sql.ErrTxDone.
func (t *SQLTransaction) Rollback() error {
	return t.tx.Rollback()
}

// Tx returns the underlying *sql.Tx.
func (t *SQLTransaction) Tx() *sql.Tx {
	return t.tx
}

// Option configures an SQLManager.
type Option func(*sql.TxOptions)

// WithIsolation sets the isolation level for every transaction.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *sql.TxOptions) {
		o.Isolation = level
	}
}

// WithReadOnly opens read-only transactions.
func WithReadOnly() Option {
	return func(o *sql.TxOptions) {
		o.ReadOnly = true
	}
}

// SQLManager implements Manager for database/sql.
//
// The manager does not own the connection pool and never closes it.
type SQLManager struct {
	db   *sql.DB
	opts sql.TxOptions
}

// NewSQLManager creates a new SQL transaction manager.
func NewSQLManager(db *sql.DB, opts ...Option) *SQLManager {
	m := &SQLManager{db: db}
	for _, opt := range opts {
		opt(&m.opts)
	}
	return m
}

// DB returns the connection pool.
func (m *SQLManager) DB() *sql.DB {
	return m.db
}

// Begin starts a new SQL transaction.
func (m *SQLManager) Begin(ctx context.Context) (Transaction, error) {
	tx, err := m.db.BeginTx(ctx, &m.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrTransactionFailed, err)
	}
	return &SQLTransaction{tx: tx}, nil
}

// Execute runs fn within a transaction.
func (m *SQLManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrTransactionFailed, err)
	}
	return nil
}

// ExecuteSQL is Execute for callers that only need the *sql.Tx.
func ExecuteSQL(ctx context.Context, m Manager, fn func(tx *sql.Tx) error) error {
	return m.Execute(ctx, func(tx Transaction) error {
		p, ok := tx.(SQLTransactionProvider)
		if !ok {
			return fmt.Errorf("%w: %T does not expose *sql.Tx", ErrTransactionFailed, tx)
		}
		return fn(p.Tx())
	})
}

// Compile-time checks
var _ Transaction = (*SQLTransaction)(nil)
var _ SQLTransactionProvider = (*SQLTransaction)(nil)
var _ Manager = (*SQLManager)(nil)
