package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

/*
PostgreSQL Schema:

CREATE TABLE saga_executions (
    id                    VARCHAR(64) PRIMARY KEY,
    name                  VARCHAR(255) NOT NULL,
    status                VARCHAR(50) NOT NULL,
    step_names            TEXT[] NOT NULL,
    steps_completed       INT NOT NULL DEFAULT 0 CHECK (steps_completed >= 0),
    steps_total           INT NOT NULL CHECK (steps_completed <= steps_total),
    failure_step          TEXT,
    failure_reason        TEXT,
    needs_attention       BOOLEAN NOT NULL DEFAULT FALSE,
    compensation_attempts INT NOT NULL DEFAULT 0,
    payment_id            VARCHAR(255),
    user_id               VARCHAR(255),
    metadata              JSONB NOT NULL,
    resolution            JSONB,
    resolved_by           VARCHAR(255),
    resolved_at           TIMESTAMPTZ,
    retry_of              VARCHAR(64),
    events                JSONB NOT NULL,
    initiated_at          TIMESTAMPTZ NOT NULL,
    completed_at          TIMESTAMPTZ,
    failed_at             TIMESTAMPTZ,
    compensated_at        TIMESTAMPTZ,
    updated_at            TIMESTAMPTZ NOT NULL,
    version               BIGINT NOT NULL
);

CREATE INDEX idx_saga_executions_status ON saga_executions(status, updated_at);
CREATE INDEX idx_saga_executions_payment ON saga_executions(payment_id);
CREATE INDEX idx_saga_executions_user ON saga_executions(user_id);
CREATE INDEX idx_saga_executions_retry_of ON saga_executions(retry_of);
CREATE INDEX idx_saga_executions_attention ON saga_executions(needs_attention) WHERE needs_attention;
*/

const pgUniqueViolation = "23505"

const pgColumns = `id, name, status, step_names, steps_completed, steps_total,
	failure_step, failure_reason, needs_attention, compensation_attempts,
	payment_id, user_id, metadata, resolution, resolved_by, resolved_at,
	retry_of, events, initiated_at, completed_at, failed_at, compensated_at,
	updated_at, version`

// PostgresStore is a PostgreSQL-based saga store.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL saga store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "saga_executions",
	}
}

// WithTable sets a custom table name.
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// CreateTable creates the executions table and its indexes if missing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id                    VARCHAR(64) PRIMARY KEY,
			name                  VARCHAR(255) NOT NULL,
			status                VARCHAR(50) NOT NULL,
			step_names            TEXT[] NOT NULL,
			steps_completed       INT NOT NULL DEFAULT 0 CHECK (steps_completed >= 0),
			steps_total           INT NOT NULL CHECK (steps_completed <= steps_total),
			failure_step          TEXT,
			failure_reason        TEXT,
			needs_attention       BOOLEAN NOT NULL DEFAULT FALSE,
			compensation_attempts INT NOT NULL DEFAULT 0,
			payment_id            VARCHAR(255),
			user_id               VARCHAR(255),
			metadata              JSONB NOT NULL,
			resolution            JSONB,
			resolved_by           VARCHAR(255),
			resolved_at           TIMESTAMPTZ,
			retry_of              VARCHAR(64),
			events                JSONB NOT NULL,
			initiated_at          TIMESTAMPTZ NOT NULL,
			completed_at          TIMESTAMPTZ,
			failed_at             TIMESTAMPTZ,
			compensated_at        TIMESTAMPTZ,
			updated_at            TIMESTAMPTZ NOT NULL,
			version               BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_payment ON %[1]s(payment_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_retry_of ON %[1]s(retry_of);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_attention ON %[1]s(needs_attention) WHERE needs_attention;
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Create persists a new execution.
func (s *PostgresStore) Create(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	row, err := toPGRow(exec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, s.table, pgColumns)

	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Name,
		exec.Status,
		pq.Array(exec.StepNames),
		exec.StepsCompleted,
		exec.StepsTotal,
		nullString(exec.FailureStep),
		nullString(exec.FailureReason),
		exec.NeedsAttention,
		exec.CompensationAttempts,
		nullString(exec.Metadata.PaymentID),
		nullString(exec.Metadata.UserID),
		row.metadata,
		row.resolution,
		nullString(exec.ResolvedBy),
		exec.ResolvedAt,
		nullString(exec.RetryOf),
		row.events,
		exec.InitiatedAt,
		exec.CompletedAt,
		exec.FailedAt,
		exec.CompensatedAt,
		exec.UpdatedAt,
		1,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	exec.Version = 1
	return nil
}

// Get retrieves an execution by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pgColumns, s.table)

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return exec, nil
}

// Update replaces an execution if its version matches.
func (s *PostgresStore) Update(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	row, err := toPGRow(exec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, steps_completed = $2, failure_step = $3, failure_reason = $4,
		    needs_attention = $5, compensation_attempts = $6, metadata = $7, resolution = $8,
		    resolved_by = $9, resolved_at = $10, events = $11, completed_at = $12,
		    failed_at = $13, compensated_at = $14, updated_at = $15, version = version + 1
		WHERE id = $16 AND version = $17
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		exec.Status,
		exec.StepsCompleted,
		nullString(exec.FailureStep),
		nullString(exec.FailureReason),
		exec.NeedsAttention,
		exec.CompensationAttempts,
		row.metadata,
		row.resolution,
		nullString(exec.ResolvedBy),
		exec.ResolvedAt,
		row.events,
		exec.CompletedAt,
		exec.FailedAt,
		exec.CompensatedAt,
		exec.UpdatedAt,
		exec.ID,
		exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
		if err := s.db.QueryRowContext(ctx, check, exec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, exec.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, exec.ID, exec.Version)
	}

	exec.Version++
	return nil
}

// List returns executions matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, pgColumns, s.table)

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Name != "" {
		query += " AND name = " + arg(filter.Name)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = arg(status)
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}
	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if filter.PaymentID != "" {
		query += " AND payment_id = " + arg(filter.PaymentID)
	}
	if filter.RetryOf != "" {
		query += " AND retry_of = " + arg(filter.RetryOf)
	}
	if filter.NeedsAttention != nil {
		query += " AND needs_attention = " + arg(*filter.NeedsAttention)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < " + arg(filter.UpdatedBefore)
	}

	query += " ORDER BY initiated_at DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return results, nil
}

// CountByStatus returns the number of executions per status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type pgRow struct {
	metadata   []byte
	resolution []byte
	events     []byte
}

func toPGRow(exec *Execution) (pgRow, error) {
	var row pgRow
	var err error
	if row.metadata, err = json.Marshal(exec.Metadata); err != nil {
		return row, fmt.Errorf("marshal metadata: %w", err)
	}
	if exec.Resolution != nil {
		if row.resolution, err = json.Marshal(exec.Resolution); err != nil {
			return row, fmt.Errorf("marshal resolution: %w", err)
		}
	}
	events := exec.Events
	if events == nil {
		events = []Event{}
	}
	if row.events, err = json.Marshal(events); err != nil {
		return row, fmt.Errorf("marshal events: %w", err)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var (
		failureStep, failureReason sql.NullString
		paymentID, userID          sql.NullString
		resolvedBy, retryOf        sql.NullString
		resolvedAt, completedAt    sql.NullTime
		failedAt, compensatedAt    sql.NullTime
		metadata, resolution       []byte
		events                     []byte
	)

	err := row.Scan(
		&exec.ID,
		&exec.Name,
		&exec.Status,
		pq.Array(&exec.StepNames),
		&exec.StepsCompleted,
		&exec.StepsTotal,
		&failureStep,
		&failureReason,
		&exec.NeedsAttention,
		&exec.CompensationAttempts,
		&paymentID,
		&userID,
		&metadata,
		&resolution,
		&resolvedBy,
		&resolvedAt,
		&retryOf,
		&events,
		&exec.InitiatedAt,
		&completedAt,
		&failedAt,
		&compensatedAt,
		&exec.UpdatedAt,
		&exec.Version,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &exec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(resolution) > 0 {
		exec.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, exec.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &exec.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}

	exec.FailureStep = failureStep.String
	exec.FailureReason = failureReason.String
	exec.ResolvedBy = resolvedBy.String
	exec.RetryOf = retryOf.String
	exec.ResolvedAt = nullTimePtr(resolvedAt)
	exec.CompletedAt = nullTimePtr(completedAt)
	exec.FailedAt = nullTimePtr(failedAt)
	exec.CompensatedAt = nullTimePtr(compensatedAt)
	return &exec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
