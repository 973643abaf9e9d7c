package finance

import (
	"context"
	"database/sql"
	"errors"
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

CREATE TABLE wallets (
    user_id    VARCHAR(64) PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE wallet_transactions (
    id              VARCHAR(64) PRIMARY KEY,
    user_id         VARCHAR(64) NOT NULL REFERENCES wallets(user_id),
    amount          BIGINT NOT NULL,
    reason          VARCHAR(32) NOT NULL,
    description     TEXT,
    ref_type        VARCHAR(64),
    ref_id          VARCHAR(64),
    balance_after   BIGINT NOT NULL,
    idempotency_key VARCHAR(255),
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX idx_wallet_transactions_user ON wallet_transactions(user_id, created_at);
CREATE INDEX idx_wallet_transactions_key ON wallet_transactions(idempotency_key);

Idempotency keys are claimed in the idempotency store table inside the same
transaction as the balance change.
*/

const walletSchema = `
CREATE TABLE IF NOT EXISTS wallets (
    user_id    VARCHAR(64) PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS wallet_transactions (
    id              VARCHAR(64) PRIMARY KEY,
    user_id         VARCHAR(64) NOT NULL REFERENCES wallets(user_id),
    amount          BIGINT NOT NULL,
    reason          VARCHAR(32) NOT NULL,
    description     TEXT,
    ref_type        VARCHAR(64),
    ref_id          VARCHAR(64),
    balance_after   BIGINT NOT NULL,
    idempotency_key VARCHAR(255),
    created_at      TIMESTAMP WITH TIME ZONE NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_key ON wallet_transactions(idempotency_key);
`

const walletTxColumns = `id, user_id, amount, reason, description, ref_type, ref_id, balance_after, idempotency_key, created_at`

// PostgresWallet keeps balances and the wallet ledger in PostgreSQL.
//
// Each call locks the wallet row (SELECT ... FOR UPDATE), writes the ledger
// row and the new balance, and claims the idempotency key, all in one
// transaction.
type PostgresWallet struct {
	txm    *transaction.SQLManager
	keys   *idempotency.PostgresStore
	now    Clock
	logger *slog.Logger
}

// NewPostgresWallet creates a wallet over txm's database. keys must use the
// same database.
func NewPostgresWallet(txm *transaction.SQLManager, keys *idempotency.PostgresStore) *PostgresWallet {
	return &PostgresWallet{
		txm:    txm,
		keys:   keys,
		now:    time.Now,
		logger: slog.Default().With("component", "finance.wallet", "backend", "postgres"),
	}
}

// CreateTables creates the wallet tables and the idempotency table.
func (w *PostgresWallet) CreateTables(ctx context.Context) error {
	if _, err := w.txm.DB().ExecContext(ctx, walletSchema); err != nil {
		return fmt.Errorf("create wallet tables: %w", err)
	}
	return w.keys.CreateTable(ctx)
}

// Deposit credits req.Amount.
func (w *PostgresWallet) Deposit(ctx context.Context, req operations.WalletRequest) (operations.WalletTransaction, error) {
	return w.apply(ctx, req, req.Amount)
}

// Withdraw debits req.Amount, failing with ErrInsufficientFunds rather than
// overdrawing.
func (w *PostgresWallet) Withdraw(ctx context.Context, req operations.WalletRequest) (operations.WalletTransaction, error) {
	return w.apply(ctx, req, -req.Amount)
}

func (w *PostgresWallet) apply(ctx context.Context, req operations.WalletRequest, delta sagaflow.Amount) (operations.WalletTransaction, error) {
	if req.Amount <= 0 {
		return operations.WalletTransaction{}, ErrInvalidAmount
	}

	var out operations.WalletTransaction
	replayed := false
	err := transaction.ExecuteSQL(ctx, w.txm, func(tx *sql.Tx) error {
		if req.IdempotencyKey != "" {
			claimed, err := w.keys.ClaimTx(ctx, tx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if !claimed {
				prev, err := txByKey(ctx, tx, req.IdempotencyKey)
				if err != nil {
					return err
				}
				out, replayed = prev, true
				return nil
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wallets (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
			req.UserID); err != nil {
			return fmt.Errorf("ensure wallet: %w", err)
		}

		var balance int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, req.UserID,
		).Scan(&balance); err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}

		next := sagaflow.Amount(balance) + delta
		if next < 0 {
			return fmt.Errorf("%w: user %s has %s, debit %s",
				ErrInsufficientFunds, req.UserID, sagaflow.Amount(balance), req.Amount)
		}

		now := w.now()
		out = operations.WalletTransaction{
			ID:             uuid.New().String(),
			UserID:         req.UserID,
			Amount:         delta,
			Reason:         req.Reason,
			Description:    req.Description,
			Reference:      req.Reference,
			BalanceAfter:   next,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE wallets SET balance = $1, updated_at = $2 WHERE user_id = $3`,
			int64(next), now, req.UserID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (`+walletTxColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, out.ID, out.UserID, int64(out.Amount), string(out.Reason), out.Description,
			out.Reference.Type, out.Reference.ID, int64(out.BalanceAfter), nullString(out.IdempotencyKey), out.CreatedAt); err != nil {
			return fmt.Errorf("insert wallet transaction: %w", err)
		}

		if req.IdempotencyKey != "" {
			return w.keys.CompleteTx(ctx, tx, req.IdempotencyKey)
		}
		return nil
	})
	if err != nil {
		return operations.WalletTransaction{}, err
	}

	if replayed {
		w.logger.InfoContext(ctx, "wallet request replayed", "user_id", req.UserID, "idempotency_key", req.IdempotencyKey)
	} else {
		w.logger.InfoContext(ctx, "wallet transaction", "user_id", req.UserID, "reason", req.Reason,
			"amount", delta.String(), "balance", out.BalanceAfter.String())
	}
	return out, nil
}

// Fence returns the transaction recorded under key. When there is none it
// completes the key in the idempotency table without a ledger row, so a
// later request carrying it fails with ErrKeyFenced.
func (w *PostgresWallet) Fence(ctx context.Context, key string) (operations.WalletTransaction, bool, error) {
	var (
		out   operations.WalletTransaction
		found bool
	)
	err := transaction.ExecuteSQL(ctx, w.txm, func(tx *sql.Tx) error {
		claimed, err := w.keys.ClaimTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if claimed {
			return w.keys.CompleteTx(ctx, tx, key)
		}

		out, err = txByKey(ctx, tx, key)
		if errors.Is(err, ErrKeyFenced) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return operations.WalletTransaction{}, false, fmt.Errorf("fence %s: %w", key, err)
	}
	if !found {
		w.logger.InfoContext(ctx, "wallet key fenced", "idempotency_key", key)
	}
	return out, found, nil
}

// Balance returns a user's balance; zero when no wallet exists.
func (w *PostgresWallet) Balance(ctx context.Context, userID string) (sagaflow.Amount, error) {
	var balance int64
	err := w.txm.DB().QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return sagaflow.Amount(balance), nil
}

func txByKey(ctx context.Context, tx *sql.Tx, key string) (operations.WalletTransaction, error) {
	var (
		out                  operations.WalletTransaction
		amount, balanceAfter int64
		reason               string
		desc, refType, refID sql.NullString
		idemKey              sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT `+walletTxColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, key,
	).Scan(&out.ID, &out.UserID, &amount, &reason, &desc, &refType, &refID, &balanceAfter, &idemKey, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("%w: %s", ErrKeyFenced, key)
	}
	if err != nil {
		return out, fmt.Errorf("select wallet transaction: %w", err)
	}

	out.Amount = sagaflow.Amount(amount)
	out.BalanceAfter = sagaflow.Amount(balanceAfter)
	out.Reason = operations.WalletReason(reason)
	out.Description = desc.String
	out.Reference = operations.Reference{Type: refType.String, ID: refID.String}
	out.IdempotencyKey = idemKey.String
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time check
var _ operations.Wallet = (*PostgresWallet)(nil)
