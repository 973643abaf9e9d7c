package finance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finvest/sagaflow"
	"github.com/finvest/sagaflow/idempotency"
	"github.com/finvest/sagaflow/operations"
	"github.com/finvest/sagaflow/transaction"
)

/*
PostgreSQL Schema:

CREATE TABLE ledger_entries (
    id              VARCHAR(64) PRIMARY KEY,
    account         VARCHAR(32) NOT NULL,
    side            VARCHAR(8) NOT NULL,
    amount          BIGINT NOT NULL CHECK (amount > 0),
    ref_type        VARCHAR(64),
    ref_id          VARCHAR(64),
    description     TEXT,
    idempotency_key VARCHAR(255),
    seq             BIGSERIAL,
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX idx_ledger_entries_account ON ledger_entries(account);
CREATE INDEX idx_ledger_entries_key ON ledger_entries(idempotency_key);

Rows are only ever inserted. Idempotency keys are claimed in the idempotency
store table inside the same transaction as the pair.
*/

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id              VARCHAR(64) PRIMARY KEY,
    account         VARCHAR(32) NOT NULL,
    side            VARCHAR(8) NOT NULL,
    amount          BIGINT NOT NULL CHECK (amount > 0),
    ref_type        VARCHAR(64),
    ref_id          VARCHAR(64),
    description     TEXT,
    idempotency_key VARCHAR(255),
    seq             BIGSERIAL,
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_key ON ledger_entries(idempotency_key);
`

const ledgerColumns = `id, account, side, amount, ref_type, ref_id, description, created_at`

// PostgresLedger is an append-only double-entry ledger on PostgreSQL. Both
// halves of a pair and the idempotency key commit in one transaction.
type PostgresLedger struct {
	txm    *transaction.SQLManager
	keys   *idempotency.PostgresStore
	now    Clock
	logger *slog.Logger
}

// NewPostgresLedger creates a ledger over txm's database. keys must use the
// same database.
func NewPostgresLedger(txm *transaction.SQLManager, keys *idempotency.PostgresStore) *PostgresLedger {
	return &PostgresLedger{
		txm:    txm,
		keys:   keys,
		now:    time.Now,
		logger: slog.Default().With("component", "finance.ledger", "backend", "postgres"),
	}
}

// CreateTables creates the entry table and the idempotency table.
func (l *PostgresLedger) CreateTables(ctx context.Context) error {
	if _, err := l.txm.DB().ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return l.keys.CreateTable(ctx)
}

// RecordCampaignDiscount books debit expenses / credit liabilities.
func (l *PostgresLedger) RecordCampaignDiscount(ctx context.Context, d operations.CampaignDiscount) ([]operations.LedgerEntry, error) {
	return l.CreateDoubleEntry(ctx, operations.DoubleEntry{
		Debit:          operations.AccountExpenses,
		Credit:         operations.AccountLiabilities,
		Amount:         d.Amount,
		Reference:      operations.Reference{Type: "campaign_discount", ID: d.InvestmentID},
		Description:    d.Description,
		IdempotencyKey: d.IdempotencyKey,
	})
}

// CreateDoubleEntry inserts a matched debit/credit pair. A repeated key
// returns the pair booked first.
func (l *PostgresLedger) CreateDoubleEntry(ctx context.Context, e operations.DoubleEntry) ([]operations.LedgerEntry, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var pair []operations.LedgerEntry
	err := transaction.ExecuteSQL(ctx, l.txm, func(tx *sql.Tx) error {
		if e.IdempotencyKey != "" {
			claimed, err := l.keys.ClaimTx(ctx, tx, e.IdempotencyKey)
			if err != nil {
				return err
			}
			if !claimed {
				prev, err := entriesByKey(ctx, tx, e.IdempotencyKey)
				if err != nil {
					return err
				}
				if len(prev) == 0 {
					return fmt.Errorf("%w: %s", ErrKeyFenced, e.IdempotencyKey)
				}
				pair = prev
				return nil
			}
		}

		now := l.now()
		pair = []operations.LedgerEntry{
			{ID: uuid.New().String(), Account: e.Debit, Side: operations.Debit, Amount: e.Amount,
				Reference: e.Reference, Description: e.Description, CreatedAt: now},
			{ID: uuid.New().String(), Account: e.Credit, Side: operations.Credit, Amount: e.Amount,
				Reference: e.Reference, Description: e.Description, CreatedAt: now},
		}
		for _, entry := range pair {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, account, side, amount, ref_type, ref_id, description, idempotency_key, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, entry.ID, string(entry.Account), string(entry.Side), int64(entry.Amount),
				entry.Reference.Type, entry.Reference.ID, entry.Description, nullString(e.IdempotencyKey), entry.CreatedAt); err != nil {
				return fmt.Errorf("insert ledger entry: %w", err)
			}
		}

		if e.IdempotencyKey != "" {
			return l.keys.CompleteTx(ctx, tx, e.IdempotencyKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "double entry booked", "debit", e.Debit, "credit", e.Credit, "amount", e.Amount.String())
	return pair, nil
}

// Fence returns the pair booked under key. When there is none it completes
// the key without entries, so a later booking carrying it fails with
// ErrKeyFenced.
func (l *PostgresLedger) Fence(ctx context.Context, key string) ([]operations.LedgerEntry, bool, error) {
	var pair []operations.LedgerEntry
	err := transaction.ExecuteSQL(ctx, l.txm, func(tx *sql.Tx) error {
		claimed, err := l.keys.ClaimTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if claimed {
			return l.keys.CompleteTx(ctx, tx, key)
		}
		pair, err = entriesByKey(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("fence %s: %w", key, err)
	}
	return pair, len(pair) > 0, nil
}

// Balance returns debits minus credits for an account.
func (l *PostgresLedger) Balance(ctx context.Context, account operations.Account) (sagaflow.Amount, error) {
	var total int64
	err := l.txm.DB().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN side = $2 THEN amount ELSE -amount END), 0)
		FROM ledger_entries WHERE account = $1
	`, string(account), string(operations.Debit)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sagaflow.Amount(total), nil
}

func entriesByKey(ctx context.Context, tx *sql.Tx, key string) ([]operations.LedgerEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE idempotency_key = $1 ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var out []operations.LedgerEntry
	for rows.Next() {
		var (
			e                     operations.LedgerEntry
			account, side         string
			amount                int64
			refType, refID, descr sql.NullString
		)
		if err := rows.Scan(&e.ID, &account, &side, &amount, &refType, &refID, &descr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Account = operations.Account(account)
		e.Side = operations.Side(side)
		e.Amount = sagaflow.Amount(amount)
		e.Reference = operations.Reference{Type: refType.String, ID: refID.String}
		e.Description = descr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compile-time check
var _ operations.Ledger = (*PostgresLedger)(nil)
