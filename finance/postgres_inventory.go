package finance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/operations"
	"github.com/finvest/sagaflow/transaction"
)

/*
PostgreSQL Schema:

CREATE TABLE inventory_lots (
    id          VARCHAR(64) PRIMARY KEY,
    product_id  VARCHAR(64) NOT NULL,
    unit_price  BIGINT NOT NULL DEFAULT 0,
    total       BIGINT NOT NULL,
    remaining   BIGINT NOT NULL CHECK (remaining >= 0),
    acquired_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX idx_inventory_lots_fifo ON inventory_lots(product_id, acquired_at, id) WHERE remaining > 0;

CREATE TABLE inventory_allocations (
    id              VARCHAR(64) PRIMARY KEY,
    lot_id          VARCHAR(64) NOT NULL REFERENCES inventory_lots(id),
    user_id         VARCHAR(64) NOT NULL,
    product_id      VARCHAR(64) NOT NULL,
    amount          BIGINT NOT NULL,
    parent_type     VARCHAR(64) NOT NULL,
    parent_id       VARCHAR(64) NOT NULL,
    reason          VARCHAR(64),
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
    reversed_at     TIMESTAMP WITH TIME ZONE,
    reversal_reason VARCHAR(64)
);

CREATE INDEX idx_inventory_allocations_parent ON inventory_allocations(parent_type, parent_id);
*/

const inventorySchema = `
CREATE TABLE IF NOT EXISTS inventory_lots (
    id          VARCHAR(64) PRIMARY KEY,
    product_id  VARCHAR(64) NOT NULL,
    unit_price  BIGINT NOT NULL DEFAULT 0,
    total       BIGINT NOT NULL,
    remaining   BIGINT NOT NULL CHECK (remaining >= 0),
    acquired_at TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inventory_lots_fifo ON inventory_lots(product_id, acquired_at, id) WHERE remaining > 0;
CREATE TABLE IF NOT EXISTS inventory_allocations (
    id              VARCHAR(64) PRIMARY KEY,
    lot_id          VARCHAR(64) NOT NULL REFERENCES inventory_lots(id),
    user_id         VARCHAR(64) NOT NULL,
    product_id      VARCHAR(64) NOT NULL,
    amount          BIGINT NOT NULL,
    parent_type     VARCHAR(64) NOT NULL,
    parent_id       VARCHAR(64) NOT NULL,
    reason          VARCHAR(64),
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
    reversed_at     TIMESTAMP WITH TIME ZONE,
    reversal_reason VARCHAR(64)
);
CREATE INDEX IF NOT EXISTS idx_inventory_allocations_parent ON inventory_allocations(parent_type, parent_id);
`

const allocationColumns = `id, lot_id, user_id, product_id, amount, parent_type, parent_id, created_at, reversed_at`

// PostgresInventory is a FIFO inventory on PostgreSQL.
//
// Allocate locks the product's open lots in FIFO order with SELECT ... FOR
// UPDATE before checking for existing allocations, so two allocations for
// the same product never interleave.
type PostgresInventory struct {
	txm    *transaction.SQLManager
	now    Clock
	logger *slog.Logger
}

// NewPostgresInventory creates an inventory over txm's database.
func NewPostgresInventory(txm *transaction.SQLManager) *PostgresInventory {
	return &PostgresInventory{
		txm:    txm,
		now:    time.Now,
		logger: slog.Default().With("component", "finance.inventory", "backend", "postgres"),
	}
}

// CreateTables creates the lot and allocation tables if missing.
func (p *PostgresInventory) CreateTables(ctx context.Context) error {
	if _, err := p.txm.DB().ExecContext(ctx, inventorySchema); err != nil {
		return fmt.Errorf("create inventory tables: %w", err)
	}
	return nil
}

// AddLot inserts a purchase lot. Remaining defaults to Total.
func (p *PostgresInventory) AddLot(ctx context.Context, lot Lot) error {
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
		lot.AcquiredAt = p.now()
	}

	_, err := p.txm.DB().ExecContext(ctx, `
		INSERT INTO inventory_lots (id, product_id, unit_price, total, remaining, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lot.ID, lot.ProductID, int64(lot.UnitPrice), int64(lot.Total), int64(lot.Remaining), lot.AcquiredAt)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

// Allocate assigns req.Amount from the oldest lots first.
func (p *PostgresInventory) Allocate(ctx context.Context, req operations.AllocationRequest) ([]operations.Allocation, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var out []operations.Allocation
	err := transaction.ExecuteSQL(ctx, p.txm, func(tx *sql.Tx) error {
		states, err := lockLots(ctx, tx, req.ProductID)
		if err != nil {
			return err
		}

		live, err := lockAllocations(ctx, tx, req.Parent)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			out = live
			return nil
		}

		takes, got := planAllocation(states, req.Amount, req.AllowFractional)
		if got < req.Amount {
			return &sagaflow.InsufficientInventoryError{
				ProductID: req.ProductID,
				Available: allocatable(states, req.AllowFractional),
				Requested: req.Amount,
			}
		}

		now := p.now()
		for _, t := range takes {
			if _, err := tx.ExecContext(ctx,
				`UPDATE inventory_lots SET remaining = remaining - $1 WHERE id = $2`,
				int64(t.Amount), t.LotID); err != nil {
				return fmt.Errorf("decrement lot %s: %w", t.LotID, err)
			}
			a := operations.Allocation{
				ID:        uuid.New().String(),
				LotID:     t.LotID,
				UserID:    req.UserID,
				ProductID: req.ProductID,
				Amount:    t.Amount,
				Parent:    req.Parent,
				CreatedAt: now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO inventory_allocations
					(id, lot_id, user_id, product_id, amount, parent_type, parent_id, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, a.ID, a.LotID, a.UserID, a.ProductID, int64(a.Amount), a.Parent.Type, a.Parent.ID, req.Reason, a.CreatedAt); err != nil {
				return fmt.Errorf("insert allocation: %w", err)
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "inventory allocated", "product_id", req.ProductID, "parent_id", req.Parent.ID,
		"amount", req.Amount.String(), "allocations", len(out))
	return out, nil
}

// ReverseAllocation restores the live allocations of parent to their lots.
func (p *PostgresInventory) ReverseAllocation(ctx context.Context, parent operations.Reference, reason string) ([]operations.Allocation, error) {
	var out []operations.Allocation
	err := transaction.ExecuteSQL(ctx, p.txm, func(tx *sql.Tx) error {
		live, err := lockAllocations(ctx, tx, parent)
		if err != nil {
			return err
		}

		now := p.now()
		for _, a := range live {
			if _, err := tx.ExecContext(ctx,
				`UPDATE inventory_lots SET remaining = remaining + $1 WHERE id = $2`,
				int64(a.Amount), a.LotID); err != nil {
				return fmt.Errorf("restore lot %s: %w", a.LotID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE inventory_allocations SET reversed_at = $1, reversal_reason = $2 WHERE id = $3`,
				now, reason, a.ID); err != nil {
				return fmt.Errorf("mark allocation %s reversed: %w", a.ID, err)
			}
			a.ReversedAt = &now
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(out) > 0 {
		p.logger.InfoContext(ctx, "allocation reversed", "parent_id", parent.ID, "reason", reason, "allocations", len(out))
	}
	return out, nil
}

// Remaining returns the unallocated value of a product.
func (p *PostgresInventory) Remaining(ctx context.Context, productID string) (sagaflow.Amount, error) {
	var total int64
	err := p.txm.DB().QueryRowContext(ctx,
		`SELECT COALESCE(SUM(remaining), 0) FROM inventory_lots WHERE product_id = $1`, productID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum remaining: %w", err)
	}
	return sagaflow.Amount(total), nil
}

func lockLots(ctx context.Context, tx *sql.Tx, productID string) ([]lotState, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, unit_price, remaining FROM inventory_lots
		WHERE product_id = $1 AND remaining > 0
		ORDER BY acquired_at, id
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("lock lots: %w", err)
	}
	defer rows.Close()

	var states []lotState
	for rows.Next() {
		var (
			s                    lotState
			unitPrice, remaining int64
		)
		if err := rows.Scan(&s.ID, &unitPrice, &remaining); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		s.UnitPrice = sagaflow.Amount(unitPrice)
		s.Remaining = sagaflow.Amount(remaining)
		states = append(states, s)
	}
	return states, rows.Err()
}

// lockAllocations returns the live allocations of parent, locked.
func lockAllocations(ctx context.Context, tx *sql.Tx, parent operations.Reference) ([]operations.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM inventory_allocations
		WHERE parent_type = $1 AND parent_id = $2 AND reversed_at IS NULL
		ORDER BY created_at, id
		FOR UPDATE`

	rows, err := tx.QueryContext(ctx, query, parent.Type, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []operations.Allocation
	for rows.Next() {
		var (
			a        operations.Allocation
			amount   int64
			reversed sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.LotID, &a.UserID, &a.ProductID, &amount,
			&a.Parent.Type, &a.Parent.ID, &a.CreatedAt, &reversed); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.Amount = sagaflow.Amount(amount)
		if reversed.Valid {
			t := reversed.Time
			a.ReversedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Compile-time check
var _ operations.Inventory = (*PostgresInventory)(nil)
