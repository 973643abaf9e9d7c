package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store on a PostgreSQL table.
//
// The *Tx variants run inside a caller's transaction so a side effect and its
// idempotency marker commit or roll back together.
//
// Table Schema:
//
//	CREATE TABLE idempotency_keys (
//	    key        VARCHAR(255) PRIMARY KEY,
//	    done       BOOLEAN NOT NULL DEFAULT FALSE,
//	    claimed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
//	    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
//	);
//	CREATE INDEX idx_idempotency_keys_expires ON idempotency_keys(expires_at);
type PostgresStore struct {
	db    *sql.DB
	table string
	opts  options
}

// NewPostgresStore creates a store on the "idempotency_keys" table.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "idempotency_keys",
		opts:  buildOptions(opts),
	}
}

// WithTable sets a custom table name.
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) claim(ctx context.Context, db execer, key string) (bool, error) {
	// An expired row is taken over; a live one leaves RowsAffected at 0.
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (key, done, claimed_at, expires_at)
		VALUES ($1, FALSE, NOW(), NOW() + $2::interval)
		ON CONFLICT (key) DO UPDATE
		SET done = FALSE, claimed_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE %[1]s.expires_at < NOW()
	`, s.table)

	res, err := db.ExecContext(ctx, query, key, interval(s.opts.claimTTL))
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) complete(ctx context.Context, db execer, key string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, done, claimed_at, expires_at)
		VALUES ($1, TRUE, NOW(), NOW() + $2::interval)
		ON CONFLICT (key) DO UPDATE
		SET done = TRUE, expires_at = EXCLUDED.expires_at
	`, s.table)

	if _, err := db.ExecContext(ctx, query, key, interval(s.opts.retention)); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Claim takes ownership of key unless a live row exists.
func (s *PostgresStore) Claim(ctx context.Context, key string) (bool, error) {
	return s.claim(ctx, s.db, key)
}

// ClaimTx is Claim inside tx.
func (s *PostgresStore) ClaimTx(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	return s.claim(ctx, tx, key)
}

// Complete marks key as handled.
func (s *PostgresStore) Complete(ctx context.Context, key string) error {
	return s.complete(ctx, s.db, key)
}

// CompleteTx is Complete inside tx.
func (s *PostgresStore) CompleteTx(ctx context.Context, tx *sql.Tx, key string) error {
	return s.complete(ctx, tx, key)
}

// Release deletes key.
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, s.table)
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

// CreateTable creates the table and its expiry index if missing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key VARCHAR(255) PRIMARY KEY,
			done BOOLEAN NOT NULL DEFAULT FALSE,
			claimed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at);
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
